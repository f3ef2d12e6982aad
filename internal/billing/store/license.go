package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

type LicenseStore struct {
	db  querier
	now func() time.Time
}

func scanLicense(s scanner) (*model.License, error) {
	var l model.License
	var subscriptionID sql.NullInt64
	var expiresAt sql.NullTime
	var sessionID sql.NullString
	err := s.Scan(
		&l.ID, &l.UserID, &subscriptionID, &l.Key, &l.Status, &l.Plan,
		&expiresAt, &sessionID, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if subscriptionID.Valid {
		id := subscriptionID.Int64
		l.SubscriptionID = &id
	}
	l.ExpiresAt = timePtr(expiresAt)
	l.CheckoutSessionID = stringPtr(sessionID)
	return &l, nil
}

const licenseCols = `id, user_id, subscription_id, license_key, status, plan, expires_at, checkout_session_id, created_at, updated_at`

// generateKey creates a license key in the format LD-XXXX-XXXX-XXXX-XXXX.
func generateKey() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	h := strings.ToUpper(hex.EncodeToString(b))
	return fmt.Sprintf("LD-%s-%s-%s-%s", h[0:4], h[4:8], h[8:12], h[12:16]), nil
}

// NewLicense describes a license to issue.
type NewLicense struct {
	UserID            int64
	SubscriptionID    int64
	Plan              model.Plan
	ExpiresAt         *time.Time
	CheckoutSessionID string
}

// Create issues a new active license. It fails with a unique violation when
// the user already holds an active license.
func (s *LicenseStore) Create(ctx context.Context, nl NewLicense) (*model.License, error) {
	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	var subscriptionID sql.NullInt64
	if nl.SubscriptionID != 0 {
		subscriptionID = sql.NullInt64{Int64: nl.SubscriptionID, Valid: true}
	}
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (user_id, subscription_id, license_key, status, plan, expires_at, checkout_session_id, created_at, updated_at)
		 VALUES (?, ?, ?, 'active', ?, ?, ?, ?, ?)`,
		nl.UserID, subscriptionID, key, nl.Plan, nullTime(nl.ExpiresAt), nullString(&nl.CheckoutSessionID), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert license: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *LicenseStore) getOne(ctx context.Context, what, query string, args ...any) (*model.License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseCols+` FROM licenses `+query, args...)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license %s: %w", what, err)
	}
	return l, nil
}

func (s *LicenseStore) GetByID(ctx context.Context, id int64) (*model.License, error) {
	return s.getOne(ctx, "by id", `WHERE id = ?`, id)
}

func (s *LicenseStore) GetByKey(ctx context.Context, key string) (*model.License, error) {
	return s.getOne(ctx, "by key", `WHERE license_key = ?`, strings.TrimSpace(key))
}

func (s *LicenseStore) GetActiveByUser(ctx context.Context, userID int64) (*model.License, error) {
	return s.getOne(ctx, "active", `WHERE user_id = ? AND status = 'active'`, userID)
}

func (s *LicenseStore) GetByCheckoutSession(ctx context.Context, sessionID string) (*model.License, error) {
	return s.getOne(ctx, "by checkout session", `WHERE checkout_session_id = ? ORDER BY id DESC LIMIT 1`, sessionID)
}

func (s *LicenseStore) ListByUser(ctx context.Context, userID int64) ([]model.License, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+licenseCols+` FROM licenses WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []model.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, *l)
	}
	return licenses, rows.Err()
}

// Track points an active license at the current subscription's plan and
// period end. Terminal licenses are left untouched.
func (s *LicenseStore) Track(ctx context.Context, id, subscriptionID int64, plan model.Plan, expiresAt *time.Time) error {
	var subID sql.NullInt64
	if subscriptionID != 0 {
		subID = sql.NullInt64{Int64: subscriptionID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET plan = ?, expires_at = ?, subscription_id = COALESCE(?, subscription_id), updated_at = ?
		 WHERE id = ? AND status = 'active'`,
		plan, nullTime(expiresAt), subID, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("track license: %w", err)
	}
	return nil
}

// ReviveExpired reactivates the user's newest license when it lapsed by
// expiry while tied to subscriptionID. Revoked licenses and licenses of other
// subscriptions stay as they are; nil means nothing was revived.
func (s *LicenseStore) ReviveExpired(ctx context.Context, userID, subscriptionID int64) (*model.License, error) {
	l, err := s.getOne(ctx, "latest", `WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, userID)
	if err != nil || l == nil {
		return nil, err
	}
	if l.Status != model.LicenseExpired || l.SubscriptionID == nil || *l.SubscriptionID != subscriptionID {
		return nil, nil
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = 'active', updated_at = ? WHERE id = ? AND status = 'expired'`,
		s.now(), l.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("revive license: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetByID(ctx, l.ID)
}

// RevokeActiveByUser revokes every active license of the user.
func (s *LicenseStore) RevokeActiveByUser(ctx context.Context, userID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = 'revoked', updated_at = ? WHERE user_id = ? AND status = 'active'`,
		s.now(), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke licenses: %w", err)
	}
	return result.RowsAffected()
}

// ExpireIfDue flips an active license past its expiry to expired.
func (s *LicenseStore) ExpireIfDue(ctx context.Context, id int64) (bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = 'expired', updated_at = ?
		 WHERE id = ? AND status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?`,
		now, id, now,
	)
	if err != nil {
		return false, fmt.Errorf("expire license: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ExpireDue flips every active license past its expiry to expired.
func (s *LicenseStore) ExpireDue(ctx context.Context) (int64, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = 'expired', updated_at = ?
		 WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?`,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire due licenses: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}

func (s *LicenseStore) CountActive(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM licenses WHERE user_id = ? AND status = 'active'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active licenses: %w", err)
	}
	return n, nil
}
