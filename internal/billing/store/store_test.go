package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/database"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setupTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	clock := &testClock{t: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
	return New(db, WithClock(clock.Now)), clock
}

func mustUser(t *testing.T, s *Store, email string) int64 {
	t.Helper()
	u, err := s.Users.Create(context.Background(), email, "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u.ID
}

func TestInTxCommit(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Store) error {
		_, err := tx.Users.Create(ctx, "alice@example.com", "hash")
		return err
	})
	if err != nil {
		t.Fatalf("in tx: %v", err)
	}
	u, err := s.Users.GetByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if u == nil {
		t.Fatal("expected committed user")
	}
}

func TestInTxRollback(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.Users.Create(ctx, "alice@example.com", "hash"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	u, _ := s.Users.GetByEmail(ctx, "alice@example.com")
	if u != nil {
		t.Error("expected user to be rolled back")
	}
}

func TestInTxNested(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx *Store) error {
		return tx.InTx(ctx, func(inner *Store) error {
			if inner.tx != tx.tx {
				t.Error("expected nested call to reuse the outer transaction")
			}
			_, err := inner.Users.Create(ctx, "alice@example.com", "hash")
			return err
		})
	})
	if err != nil {
		t.Fatalf("nested tx: %v", err)
	}
}
