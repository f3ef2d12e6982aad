// Package reconcile keeps each user's subscription and license in step with
// the payment provider across webhooks, manual sync and upgrades.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/labeldesk/internal/billing/metrics"
	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/store"
)

// PlanResolver derives a user's current plan.
type PlanResolver interface {
	ResolvePlan(ctx context.Context, userID int64) (model.Plan, error)
}

// Engine applies provider state to the local store. Provider may be nil when
// payments are not configured; event handling then still works for events
// that need no provider reads.
type Engine struct {
	store    *store.Store
	provider Provider
	notifier Notifier
	plans    PlanResolver
	logger   *slog.Logger
	syncs    singleflight.Group
}

func New(s *store.Store, provider Provider, notifier Notifier, plans PlanResolver, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		provider: provider,
		notifier: notifier,
		plans:    plans,
		logger:   logger,
	}
}

// Outcomes recorded per handled event.
const (
	outcomeApplied = "applied"
	outcomeIgnored = "ignored"
	outcomeError   = "error"
)

// Handle applies one provider event. Events that reference records this
// service does not know yet are logged and ignored; an error means the event
// should be redelivered.
func (e *Engine) Handle(ctx context.Context, ev Event) error {
	var outcome string
	var err error
	switch ev := ev.(type) {
	case CheckoutCompleted:
		outcome, err = e.checkoutCompleted(ctx, ev)
	case SubscriptionUpdated:
		outcome, err = e.subscriptionUpdated(ctx, ev)
	case SubscriptionDeleted:
		outcome, err = e.subscriptionDeleted(ctx, ev)
	case InvoicePaid:
		outcome, err = e.invoicePaid(ctx, ev)
	case InvoiceFailed:
		outcome, err = e.invoiceFailed(ctx, ev)
	default:
		return fmt.Errorf("unhandled event type %T", ev)
	}
	if err != nil {
		outcome = outcomeError
	}
	metrics.ReconcileEventsTotal.WithLabelValues(ev.Kind(), outcome).Inc()
	return err
}

func (e *Engine) subscriptionUpdated(ctx context.Context, ev SubscriptionUpdated) (string, error) {
	ps := ev.Subscription
	log := e.logger.With("event_id", ev.EventID, "subscription_id", ps.ID, "customer_id", ps.CustomerID)

	outcome := outcomeIgnored
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		local, err := lookup(ctx, tx, ps.ID, ps.CustomerID)
		if err != nil {
			return err
		}
		if local == nil {
			log.Info("subscription update for unknown subscription")
			return nil
		}
		status := model.SubscriptionStatusFromProvider(ps.Status)
		if status == model.StatusCancelled {
			if err := cancelAndRevoke(ctx, tx, local); err != nil {
				return err
			}
			outcome = outcomeApplied
			log.Info("subscription cancelled by update", "user_id", local.UserID)
			return nil
		}
		updated, err := tx.Subscriptions.Apply(ctx, local.ID, updateFrom(ps, status))
		if err != nil {
			return err
		}
		if updated == nil {
			log.Info("subscription update for cancelled subscription", "local_id", local.ID)
			return nil
		}
		if err := trackLicense(ctx, tx, updated); err != nil {
			return err
		}
		outcome = outcomeApplied
		log.Info("subscription updated", "user_id", updated.UserID, "status", updated.Status, "plan", updated.Plan)
		return nil
	})
	return outcome, err
}

func (e *Engine) subscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) (string, error) {
	ps := ev.Subscription
	log := e.logger.With("event_id", ev.EventID, "subscription_id", ps.ID, "customer_id", ps.CustomerID)

	outcome := outcomeIgnored
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		local, err := lookup(ctx, tx, ps.ID, ps.CustomerID)
		if err != nil {
			return err
		}
		if local == nil {
			log.Info("subscription deletion for unknown subscription")
			return nil
		}
		if local.Status == model.StatusCancelled {
			return nil
		}
		if err := cancelAndRevoke(ctx, tx, local); err != nil {
			return err
		}
		outcome = outcomeApplied
		log.Info("subscription deleted", "user_id", local.UserID, "local_id", local.ID)
		return nil
	})
	return outcome, err
}

func (e *Engine) invoicePaid(ctx context.Context, ev InvoicePaid) (string, error) {
	log := e.logger.With("event_id", ev.EventID, "invoice_id", ev.InvoiceID, "subscription_id", ev.SubscriptionID, "customer_id", ev.CustomerID)

	local, err := lookup(ctx, e.store, ev.SubscriptionID, ev.CustomerID)
	if err != nil {
		return "", err
	}
	if local == nil {
		log.Info("invoice paid for unknown subscription")
		return outcomeIgnored, nil
	}

	u := store.SubscriptionUpdate{Status: model.StatusActive, CurrentPeriodEnd: ev.PeriodEnd}
	if ev.SubscriptionID != "" && e.provider != nil {
		ps, err := e.provider.GetSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			return "", fmt.Errorf("get subscription: %w", err)
		}
		u = updateFrom(*ps, model.StatusActive)
	}

	outcome := outcomeIgnored
	err = e.store.InTx(ctx, func(tx *store.Store) error {
		updated, err := tx.Subscriptions.Apply(ctx, local.ID, u)
		if err != nil {
			return err
		}
		if updated == nil {
			log.Info("invoice paid for cancelled subscription", "local_id", local.ID)
			return nil
		}
		outcome = outcomeApplied
		return trackLicense(ctx, tx, updated)
	})
	if err == nil && outcome == outcomeApplied {
		log.Info("invoice paid", "user_id", local.UserID)
	}
	return outcome, err
}

func (e *Engine) invoiceFailed(ctx context.Context, ev InvoiceFailed) (string, error) {
	log := e.logger.With("event_id", ev.EventID, "invoice_id", ev.InvoiceID, "subscription_id", ev.SubscriptionID, "customer_id", ev.CustomerID)

	outcome := outcomeIgnored
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		local, err := lookup(ctx, tx, ev.SubscriptionID, ev.CustomerID)
		if err != nil {
			return err
		}
		if local == nil || local.Status != model.StatusActive {
			log.Info("invoice failure ignored", "found", local != nil)
			return nil
		}
		ok, err := tx.Subscriptions.SetStatus(ctx, local.ID, model.StatusPastDue)
		if err != nil {
			return err
		}
		if ok {
			outcome = outcomeApplied
			log.Warn("subscription past due", "user_id", local.UserID)
		}
		return nil
	})
	return outcome, err
}

// lookup finds the local row an event refers to: by provider subscription id
// first, then by customer id when the row is not yet linked to a different
// subscription. Events for superseded subscriptions resolve to nil.
func lookup(ctx context.Context, s *store.Store, subscriptionID, customerID string) (*model.Subscription, error) {
	if subscriptionID != "" {
		sub, err := s.Subscriptions.GetByExternalSubscriptionID(ctx, subscriptionID)
		if err != nil || sub != nil {
			return sub, err
		}
	}
	if customerID == "" {
		return nil, nil
	}
	sub, err := s.Subscriptions.GetOpenByCustomerID(ctx, customerID)
	if err != nil || sub == nil {
		return nil, err
	}
	if subscriptionID != "" && sub.ExternalSubscriptionID != nil && *sub.ExternalSubscriptionID != subscriptionID {
		return nil, nil
	}
	return sub, nil
}

func cancelAndRevoke(ctx context.Context, tx *store.Store, local *model.Subscription) error {
	if _, err := tx.Subscriptions.SetStatus(ctx, local.ID, model.StatusCancelled); err != nil {
		return err
	}
	if _, err := tx.Licenses.RevokeActiveByUser(ctx, local.UserID); err != nil {
		return err
	}
	return nil
}

// trackLicense copies plan and period end onto the user's active license.
// A license that expired while its subscription renewed is revived first.
func trackLicense(ctx context.Context, tx *store.Store, sub *model.Subscription) error {
	if sub.Status != model.StatusActive || !sub.Plan.Paid() {
		return nil
	}
	l, err := currentLicense(ctx, tx, sub)
	if err != nil || l == nil {
		return err
	}
	return tx.Licenses.Track(ctx, l.ID, sub.ID, sub.Plan, sub.CurrentPeriodEnd)
}

// currentLicense returns the user's active license, reviving the one that
// lapsed under sub when there is none.
func currentLicense(ctx context.Context, tx *store.Store, sub *model.Subscription) (*model.License, error) {
	l, err := tx.Licenses.GetActiveByUser(ctx, sub.UserID)
	if err != nil || l != nil {
		return l, err
	}
	return tx.Licenses.ReviveExpired(ctx, sub.UserID, sub.ID)
}

func updateFrom(ps ProviderSubscription, status model.SubscriptionStatus) store.SubscriptionUpdate {
	return store.SubscriptionUpdate{
		ExternalSubscriptionID: ps.ID,
		Status:                 status,
		Plan:                   ps.Plan,
		BillingPeriod:          ps.BillingPeriod,
		CurrentPeriodStart:     ps.CurrentPeriodStart,
		CurrentPeriodEnd:       ps.CurrentPeriodEnd,
		CancelAtPeriodEnd:      ps.CancelAtPeriodEnd,
	}
}

// upstream logs a provider failure and returns the client-facing error.
func (e *Engine) upstream(op string, err error, attrs ...any) error {
	e.logger.Error("payment provider call failed", append([]any{"op", op, "error", err}, attrs...)...)
	return model.NewError(model.ErrUpstream, model.ReasonProviderUnavailable, "payment provider request failed, please try again")
}

func (e *Engine) requireProvider() error {
	if e.provider == nil {
		return model.NewError(model.ErrUpstream, model.ReasonPaymentsNotConfigured, "payments are not configured")
	}
	return nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// isTaxonomy reports whether err is already a classified error.
func isTaxonomy(err error) bool {
	var me *model.Error
	return errors.As(err, &me)
}
