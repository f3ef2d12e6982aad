package reconcile

import (
	"context"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/metrics"
	"github.com/dukerupert/labeldesk/internal/billing/model"
)

// LicenseCheck is the public answer for a license key.
type LicenseCheck struct {
	Valid     bool       `json:"valid"`
	Plan      model.Plan `json:"plan,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// CheckLicense validates a license key. An active license past its expiry is
// flipped to expired on the way.
func (e *Engine) CheckLicense(ctx context.Context, key string) (*LicenseCheck, error) {
	l, err := e.store.Licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return &LicenseCheck{Reason: model.ReasonLicenseNotFound}, nil
	}
	check := &LicenseCheck{Plan: l.Plan, ExpiresAt: l.ExpiresAt}

	if l.Status == model.LicenseActive && l.Expired(e.store.Now()) {
		flipped, err := e.store.Licenses.ExpireIfDue(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		if flipped {
			metrics.LicensesExpiredTotal.Inc()
			e.logger.Info("license expired", "license_id", l.ID, "user_id", l.UserID)
		}
		l.Status = model.LicenseExpired
	}

	switch l.Status {
	case model.LicenseActive:
		check.Valid = true
	case model.LicenseRevoked:
		check.Reason = model.ReasonLicenseRevoked
	default:
		check.Reason = model.ReasonLicenseExpired
	}
	return check, nil
}

// ListLicenses returns the user's licenses, newest first.
func (e *Engine) ListLicenses(ctx context.Context, userID int64) ([]model.License, error) {
	return e.store.Licenses.ListByUser(ctx, userID)
}

// ExpireLicenses flips every active license past its expiry to expired.
func (e *Engine) ExpireLicenses(ctx context.Context) (int64, error) {
	n, err := e.store.Licenses.ExpireDue(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.LicensesExpiredTotal.Add(float64(n))
		e.logger.Info("licenses expired", "count", n)
	}
	return n, nil
}
