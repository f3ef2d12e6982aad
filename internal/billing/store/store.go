package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// querier is satisfied by both *sql.DB and *sql.Tx so every store can run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store bundles the billing stores over one database handle.
type Store struct {
	db   *sql.DB
	tx   *sql.Tx
	now  func() time.Time
	conn querier

	Users         *UserStore
	Subscriptions *SubscriptionStore
	Licenses      *LicenseStore
	Devices       *DeviceStore
	Usage         *UsageStore
	RefreshTokens *RefreshTokenStore
	RateLimits    *RateLimitStore
}

type Option func(*Store)

// WithClock overrides the time source used for timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.bind(db)
	return s
}

func (s *Store) bind(q querier) {
	now := func() time.Time { return s.now().UTC() }
	s.conn = q
	s.Users = &UserStore{db: q, now: now}
	s.Subscriptions = &SubscriptionStore{db: q, now: now}
	s.Licenses = &LicenseStore{db: q, now: now}
	s.Devices = &DeviceStore{db: q, now: now}
	s.Usage = &UsageStore{db: q, now: now}
	s.RefreshTokens = &RefreshTokenStore{db: q, now: now}
	s.RateLimits = &RateLimitStore{db: q, now: now}
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InTx runs fn against stores bound to a single transaction. The transaction
// commits when fn returns nil and rolls back otherwise. Nested calls reuse the
// outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txs := &Store{db: s.db, tx: tx, now: s.now}
	txs.bind(tx)

	if err := fn(txs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type scanner interface{ Scan(...any) error }

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
