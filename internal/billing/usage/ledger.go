package usage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/metrics"
	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/store"
	"github.com/dukerupert/labeldesk/internal/middleware"
)

// Validation calls allowed per user per window.
const (
	ValidationLimit  = 100
	ValidationWindow = time.Minute
)

// Result is the outcome of a label-creation check. Remaining and Limit are
// model.Unlimited for plans without a cap.
type Result struct {
	Allowed   bool       `json:"allowed"`
	Remaining int        `json:"remaining"`
	Limit     int        `json:"limit"`
	Used      int        `json:"used"`
	Plan      model.Plan `json:"plan"`
	Reason    string     `json:"reason,omitempty"`
}

// Summary is the current month's usage for one device.
type Summary struct {
	Plan      model.Plan `json:"plan"`
	Month     string     `json:"month"`
	Used      int        `json:"used"`
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
}

// Ledger accounts label consumption against the monthly plan allowance.
type Ledger struct {
	store   *store.Store
	limits  model.Limits
	limiter middleware.Limiter
	logger  *slog.Logger
}

func NewLedger(s *store.Store, limits model.Limits, limiter middleware.Limiter, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:   s,
		limits:  limits,
		limiter: limiter,
		logger:  logger,
	}
}

// Limits returns the configured allowance table.
func (l *Ledger) Limits() model.Limits {
	return l.limits
}

// ResolvePlan returns the plan of the user's most recently created active
// subscription, or free when there is none. It is the only place the current
// plan is derived.
func (l *Ledger) ResolvePlan(ctx context.Context, userID int64) (model.Plan, error) {
	return resolvePlan(ctx, l.store, userID)
}

func resolvePlan(ctx context.Context, s *store.Store, userID int64) (model.Plan, error) {
	sub, err := s.Subscriptions.GetCurrentActive(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve plan: %w", err)
	}
	if sub == nil || !sub.Plan.Valid() {
		return model.PlanFree, nil
	}
	return sub.Plan, nil
}

// ValidateAndConsume checks labelCount against the user's current plan and,
// when it fits, records it. A refusal leaves usage untouched.
func (l *Ledger) ValidateAndConsume(ctx context.Context, userID int64, deviceID string, labelCount int) (*Result, error) {
	ok, err := l.limiter.Allow(ctx, "validate:"+strconv.FormatInt(userID, 10), ValidationLimit, ValidationWindow)
	if err != nil {
		return nil, fmt.Errorf("check validation rate: %w", err)
	}
	if !ok {
		metrics.RateLimitedTotal.WithLabelValues("validate").Inc()
		return nil, model.NewError(model.ErrRateLimited, model.ReasonRateLimited, "too many label validations, try again in a minute")
	}
	if labelCount < 1 {
		return nil, model.NewError(model.ErrInvalidInput, model.ReasonInvalidLabelCount, "labelCount must be at least 1")
	}

	var res *Result
	err = l.store.InTx(ctx, func(tx *store.Store) error {
		plan, err := resolvePlan(ctx, tx, userID)
		if err != nil {
			return err
		}
		c := store.Consumption{
			UserID:   userID,
			DeviceID: deviceID,
			Plan:     plan,
			Month:    model.Month(tx.Now()),
			Labels:   labelCount,
			Limit:    l.limits.Limit(plan),
		}
		applied, err := tx.Usage.Consume(ctx, c)
		if err != nil {
			return err
		}
		used, err := usedAgainstLimit(ctx, tx, c)
		if err != nil {
			return err
		}
		res = &Result{Allowed: applied, Used: used, Plan: plan, Limit: c.Limit, Remaining: remaining(c.Limit, used)}
		if !applied {
			res.Reason = LimitReason(used, c.Limit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := "allowed"
	if !res.Allowed {
		result = "denied"
		l.logger.Info("label creation denied", "user_id", userID, "device_id", deviceID, "plan", res.Plan, "used", res.Used, "requested", labelCount)
	}
	metrics.LabelValidationsTotal.WithLabelValues(string(res.Plan), result).Inc()
	return res, nil
}

// Summary reports the current month's usage for the user on deviceID.
func (l *Ledger) Summary(ctx context.Context, userID int64, deviceID string) (*Summary, error) {
	plan, err := l.ResolvePlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	c := store.Consumption{
		UserID:   userID,
		DeviceID: deviceID,
		Plan:     plan,
		Month:    model.Month(l.store.Now()),
		Limit:    l.limits.Limit(plan),
	}
	used, err := usedAgainstLimit(ctx, l.store, c)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Plan:      plan,
		Month:     c.Month,
		Used:      used,
		Limit:     c.Limit,
		Remaining: remaining(c.Limit, used),
	}, nil
}

// LimitReason is the refusal text shown verbatim by the desktop client.
func LimitReason(used, limit int) string {
	return fmt.Sprintf("Monatliches Limit erreicht: %d von %d Labels verwendet", used, limit)
}

// usedAgainstLimit is the consumption figure the plan's guard compares with
// the limit: device-wide for free, the caller's own row otherwise.
func usedAgainstLimit(ctx context.Context, s *store.Store, c store.Consumption) (int, error) {
	if c.Plan == model.PlanFree {
		return s.Usage.FreeAllowanceUsed(ctx, c.UserID, c.DeviceID, c.Month)
	}
	return s.Usage.Used(ctx, c.UserID, c.DeviceID, c.Month)
}

func remaining(limit, used int) int {
	if limit == model.Unlimited {
		return model.Unlimited
	}
	return max(limit-used, 0)
}
