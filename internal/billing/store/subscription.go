package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

type SubscriptionStore struct {
	db  querier
	now func() time.Time
}

// SubscriptionUpdate is the provider-derived state written onto a local row.
type SubscriptionUpdate struct {
	ExternalSubscriptionID string
	Status                 model.SubscriptionStatus
	Plan                   model.Plan
	BillingPeriod          model.BillingPeriod
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
}

func scanSubscription(s scanner) (*model.Subscription, error) {
	var sub model.Subscription
	var customerID, externalID sql.NullString
	var periodStart, periodEnd sql.NullTime
	var cancelAtPeriodEnd int
	err := s.Scan(
		&sub.ID, &sub.UserID, &customerID, &externalID, &sub.Status, &sub.Plan,
		&sub.BillingPeriod, &periodStart, &periodEnd, &cancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.ExternalCustomerID = stringPtr(customerID)
	sub.ExternalSubscriptionID = stringPtr(externalID)
	sub.CurrentPeriodStart = timePtr(periodStart)
	sub.CurrentPeriodEnd = timePtr(periodEnd)
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	return &sub, nil
}

const subscriptionCols = `id, user_id, external_customer_id, external_subscription_id, status, plan, billing_period, current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

func (s *SubscriptionStore) getOne(ctx context.Context, what, query string, args ...any) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions `+query, args...)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", what, err)
	}
	return sub, nil
}

// CreateFree inserts the free default subscription created at registration.
func (s *SubscriptionStore) CreateFree(ctx context.Context, userID int64) (*model.Subscription, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, status, plan, billing_period, created_at, updated_at)
		 VALUES (?, 'active', 'free', 'monthly', ?, ?)`,
		userID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id int64) (*model.Subscription, error) {
	return s.getOne(ctx, "by id", `WHERE id = ?`, id)
}

// GetCurrentActive returns the most recently created active subscription for
// the user, or nil when the user has none.
func (s *SubscriptionStore) GetCurrentActive(ctx context.Context, userID int64) (*model.Subscription, error) {
	return s.getOne(ctx, "current",
		`WHERE user_id = ? AND status = 'active' ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID,
	)
}

// GetLatestByUser returns the newest subscription regardless of status.
func (s *SubscriptionStore) GetLatestByUser(ctx context.Context, userID int64) (*model.Subscription, error) {
	return s.getOne(ctx, "latest",
		`WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID,
	)
}

// GetLatestOpenByUser returns the newest non-cancelled subscription.
func (s *SubscriptionStore) GetLatestOpenByUser(ctx context.Context, userID int64) (*model.Subscription, error) {
	return s.getOne(ctx, "latest open",
		`WHERE user_id = ? AND status <> 'cancelled' ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID,
	)
}

func (s *SubscriptionStore) GetByExternalSubscriptionID(ctx context.Context, externalID string) (*model.Subscription, error) {
	return s.getOne(ctx, "by external id",
		`WHERE external_subscription_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		externalID,
	)
}

// GetOpenByCustomerID returns the non-cancelled subscription keyed by the
// provider customer id. At most one exists.
func (s *SubscriptionStore) GetOpenByCustomerID(ctx context.Context, customerID string) (*model.Subscription, error) {
	return s.getOne(ctx, "by customer",
		`WHERE external_customer_id = ? AND status <> 'cancelled'`,
		customerID,
	)
}

func (s *SubscriptionStore) ListByUser(ctx context.Context, userID int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ? ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// AttachCustomer records the provider customer id on an open subscription so
// later webhooks keyed by customer id find it.
func (s *SubscriptionStore) AttachCustomer(ctx context.Context, id int64, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET external_customer_id = ?, updated_at = ?
		 WHERE id = ? AND status <> 'cancelled' AND external_customer_id IS NULL`,
		customerID, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("attach customer: %w", err)
	}
	return nil
}

// Apply writes provider state onto the row. Cancelled rows are never
// modified. Activating a row supersedes every other active row of the same
// user, keeping one active subscription per user. Returns nil when the row
// is missing or already cancelled.
func (s *SubscriptionStore) Apply(ctx context.Context, id int64, u SubscriptionUpdate) (*model.Subscription, error) {
	cur, err := s.GetByID(ctx, id)
	if err != nil || cur == nil {
		return nil, err
	}
	if u.Status == "" {
		u.Status = cur.Status
	}
	if cur.Status == model.StatusCancelled || !cur.Status.CanTransition(u.Status) {
		return nil, nil
	}

	if u.Status == model.StatusActive {
		if err := s.supersedeActive(ctx, cur.UserID, id); err != nil {
			return nil, err
		}
	}

	externalID := cur.ExternalSubscriptionID
	if u.ExternalSubscriptionID != "" {
		externalID = &u.ExternalSubscriptionID
	}
	periodStart, periodEnd := cur.CurrentPeriodStart, cur.CurrentPeriodEnd
	if u.CurrentPeriodStart != nil {
		periodStart = u.CurrentPeriodStart
	}
	if u.CurrentPeriodEnd != nil {
		periodEnd = u.CurrentPeriodEnd
	}
	plan := cur.Plan
	if u.Plan.Valid() {
		plan = u.Plan
	}
	period := cur.BillingPeriod
	if u.BillingPeriod != "" {
		period = u.BillingPeriod
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET external_subscription_id = ?, status = ?, plan = ?, billing_period = ?,
		     current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?, updated_at = ?
		 WHERE id = ? AND status <> 'cancelled'`,
		nullString(externalID), u.Status, plan, period,
		nullTime(periodStart), nullTime(periodEnd), boolInt(u.CancelAtPeriodEnd), s.now(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("apply subscription update: %w", err)
	}
	return s.GetByID(ctx, id)
}

// UpsertByCustomer applies u to the open subscription keyed by customerID,
// inserting a new row for the user when none exists.
func (s *SubscriptionStore) UpsertByCustomer(ctx context.Context, userID int64, customerID string, u SubscriptionUpdate) (*model.Subscription, bool, error) {
	existing, err := s.GetOpenByCustomerID(ctx, customerID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Adopt the user's free default row when it has no provider link yet.
		open, err := s.GetLatestOpenByUser(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		if open != nil && open.ExternalCustomerID == nil && open.ExternalSubscriptionID == nil {
			if err := s.AttachCustomer(ctx, open.ID, customerID); err != nil {
				return nil, false, err
			}
			existing = open
		}
	}
	if existing != nil {
		sub, err := s.Apply(ctx, existing.ID, u)
		return sub, false, err
	}

	if u.Status == "" {
		u.Status = model.StatusActive
	}
	if !u.Plan.Valid() {
		u.Plan = model.PlanFree
	}
	if u.BillingPeriod == "" {
		u.BillingPeriod = model.PeriodMonthly
	}
	if u.Status == model.StatusActive {
		if err := s.supersedeActive(ctx, userID, 0); err != nil {
			return nil, false, err
		}
	}
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, external_customer_id, external_subscription_id, status, plan,
		     billing_period, current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, customerID, nullString(&u.ExternalSubscriptionID), u.Status, u.Plan, u.BillingPeriod,
		nullTime(u.CurrentPeriodStart), nullTime(u.CurrentPeriodEnd), boolInt(u.CancelAtPeriodEnd), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert subscription: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}
	sub, err := s.GetByID(ctx, id)
	return sub, true, err
}

// SetStatus moves a subscription along its state machine. It reports false
// when the row is missing or the transition is not allowed.
func (s *SubscriptionStore) SetStatus(ctx context.Context, id int64, status model.SubscriptionStatus) (bool, error) {
	cur, err := s.GetByID(ctx, id)
	if err != nil || cur == nil {
		return false, err
	}
	if !cur.Status.CanTransition(status) {
		return false, nil
	}
	if status == model.StatusActive && cur.Status != model.StatusActive {
		if err := s.supersedeActive(ctx, cur.UserID, id); err != nil {
			return false, err
		}
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ? AND status <> 'cancelled'`,
		status, s.now(), id,
	)
	if err != nil {
		return false, fmt.Errorf("update subscription status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SubscriptionStore) supersedeActive(ctx context.Context, userID, keepID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = 'cancelled', updated_at = ?
		 WHERE user_id = ? AND id <> ? AND status = 'active'`,
		s.now(), userID, keepID,
	)
	if err != nil {
		return fmt.Errorf("supersede active subscriptions: %w", err)
	}
	return nil
}

// CountActive returns the number of active subscriptions for the user.
func (s *SubscriptionStore) CountActive(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE user_id = ? AND status = 'active'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active subscriptions: %w", err)
	}
	return n, nil
}
