package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

type UsageStore struct {
	db  querier
	now func() time.Time
}

// Consumption is one label-creation request against a usage bucket.
type Consumption struct {
	UserID   int64
	DeviceID string
	Plan     model.Plan
	Month    string
	Labels   int
	Limit    int
}

const usageUpsert = `INSERT INTO usage (user_id, device_id, plan, month, labels_used, created_at, updated_at)
SELECT ?, ?, ?, ?, ?, ?, ?
WHERE %s
ON CONFLICT (user_id, device_id, month) DO UPDATE SET
    labels_used = usage.labels_used + excluded.labels_used,
    plan = excluded.plan,
    updated_at = excluded.updated_at`

// The free allowance belongs to the device: every free-plan row on the device
// counts, plus the caller's own row whatever plan it was last written under,
// because the increment below re-labels that row as free.
const freeGuard = `(SELECT COALESCE(SUM(labels_used), 0) FROM usage
    WHERE device_id = ? AND month = ? AND (plan = 'free' OR user_id = ?)) + ? <= ?`

const accountGuard = `(SELECT COALESCE(SUM(labels_used), 0) FROM usage
    WHERE user_id = ? AND device_id = ? AND month = ?) + ? <= ?`

// Consume adds c.Labels to the caller's (user, device, month) row in a single
// conditional upsert. The guard and the increment are one statement, so two
// concurrent callers near the limit cannot both pass. It reports false, with
// no row written, when the increment would exceed c.Limit. Plans without a
// limit always apply.
func (s *UsageStore) Consume(ctx context.Context, c Consumption) (bool, error) {
	now := s.now()
	args := []any{c.UserID, c.DeviceID, c.Plan, c.Month, c.Labels, now, now}

	var guard string
	switch {
	case c.Limit == model.Unlimited:
		guard = `1`
	case c.Plan == model.PlanFree:
		guard = freeGuard
		args = append(args, c.DeviceID, c.Month, c.UserID, c.Labels, c.Limit)
	default:
		guard = accountGuard
		args = append(args, c.UserID, c.DeviceID, c.Month, c.Labels, c.Limit)
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(usageUpsert, guard), args...)
	if err != nil {
		return false, fmt.Errorf("consume usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// DeviceFreeTotal sums free-plan consumption on a device across all users.
func (s *UsageStore) DeviceFreeTotal(ctx context.Context, deviceID, month string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(labels_used), 0) FROM usage WHERE device_id = ? AND month = ? AND plan = 'free'`,
		deviceID, month,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sum device usage: %w", err)
	}
	return n, nil
}

// FreeAllowanceUsed is the figure the free-plan guard compares against the
// limit: every free row on the device plus the caller's own row.
func (s *UsageStore) FreeAllowanceUsed(ctx context.Context, userID int64, deviceID, month string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(labels_used), 0) FROM usage
		 WHERE device_id = ? AND month = ? AND (plan = 'free' OR user_id = ?)`,
		deviceID, month, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sum free allowance: %w", err)
	}
	return n, nil
}

// Used returns the caller's own row total for the month.
func (s *UsageStore) Used(ctx context.Context, userID int64, deviceID, month string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(labels_used), 0) FROM usage WHERE user_id = ? AND device_id = ? AND month = ?`,
		userID, deviceID, month,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sum user usage: %w", err)
	}
	return n, nil
}

func (s *UsageStore) Get(ctx context.Context, userID int64, deviceID, month string) (*model.Usage, error) {
	var u model.Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, device_id, plan, month, labels_used, created_at, updated_at
		 FROM usage WHERE user_id = ? AND device_id = ? AND month = ?`,
		userID, deviceID, month,
	).Scan(&u.ID, &u.UserID, &u.DeviceID, &u.Plan, &u.Month, &u.LabelsUsed, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return &u, nil
}

// ListByUser returns the user's usage history, newest month first.
func (s *UsageStore) ListByUser(ctx context.Context, userID int64) ([]model.Usage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, device_id, plan, month, labels_used, created_at, updated_at
		 FROM usage WHERE user_id = ? ORDER BY month DESC, device_id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var history []model.Usage
	for rows.Next() {
		var u model.Usage
		if err := rows.Scan(&u.ID, &u.UserID, &u.DeviceID, &u.Plan, &u.Month, &u.LabelsUsed, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		history = append(history, u)
	}
	return history, rows.Err()
}
