package store

import (
	"context"
	"sync"
	"testing"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

func consume(t *testing.T, s *Store, c Consumption) bool {
	t.Helper()
	ok, err := s.Usage.Consume(context.Background(), c)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	return ok
}

func TestUsageFreeLimitIsPerDevice(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice@example.com")
	bob := mustUser(t, s, "bob@example.com")

	free := func(user int64, labels int) Consumption {
		return Consumption{UserID: user, DeviceID: "dev-1", Plan: model.PlanFree, Month: "2026-03", Labels: labels, Limit: 10}
	}

	if !consume(t, s, free(alice, 8)) {
		t.Fatal("expected 8 labels to fit")
	}
	// A second account on the same device shares the free allowance.
	if consume(t, s, free(bob, 3)) {
		t.Error("expected 8+3 to exceed the device allowance")
	}
	if !consume(t, s, free(bob, 2)) {
		t.Error("expected 8+2 to fit")
	}
	total, err := s.Usage.DeviceFreeTotal(ctx, "dev-1", "2026-03")
	if err != nil {
		t.Fatalf("device total: %v", err)
	}
	if total != 10 {
		t.Errorf("device total = %d, want 10", total)
	}
	if used, _ := s.Usage.Used(ctx, bob, "dev-1", "2026-03"); used != 2 {
		t.Errorf("bob used = %d, want 2", used)
	}
}

func TestUsagePaidLimitIsPerAccount(t *testing.T) {
	s, _ := setupTestStore(t)
	alice := mustUser(t, s, "alice@example.com")
	bob := mustUser(t, s, "bob@example.com")

	consume(t, s, Consumption{UserID: bob, DeviceID: "dev-1", Plan: model.PlanFree, Month: "2026-03", Labels: 10, Limit: 10})

	plus := Consumption{UserID: alice, DeviceID: "dev-1", Plan: model.PlanPlus, Month: "2026-03", Labels: 60, Limit: 60}
	if !consume(t, s, plus) {
		t.Fatal("expected paid allowance to ignore other accounts' free usage")
	}
	plus.Labels = 1
	if consume(t, s, plus) {
		t.Error("expected 61st label to be refused")
	}
}

func TestUsageUnlimited(t *testing.T) {
	s, _ := setupTestStore(t)
	alice := mustUser(t, s, "alice@example.com")

	pro := Consumption{UserID: alice, DeviceID: "dev-1", Plan: model.PlanPro, Month: "2026-03", Labels: 500, Limit: model.Unlimited}
	for i := 0; i < 3; i++ {
		if !consume(t, s, pro) {
			t.Fatalf("call %d: expected unlimited plan to always apply", i)
		}
	}
	if used, _ := s.Usage.Used(context.Background(), alice, "dev-1", "2026-03"); used != 1500 {
		t.Errorf("used = %d, want 1500", used)
	}
}

func TestUsageMonthsAreIndependent(t *testing.T) {
	s, _ := setupTestStore(t)
	alice := mustUser(t, s, "alice@example.com")

	c := Consumption{UserID: alice, DeviceID: "dev-1", Plan: model.PlanFree, Month: "2026-03", Labels: 10, Limit: 10}
	consume(t, s, c)
	c.Month = "2026-04"
	if !consume(t, s, c) {
		t.Error("expected a new month to start from zero")
	}
	history, err := s.Usage.ListByUser(context.Background(), alice)
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(history) != 2 || history[0].Month != "2026-04" {
		t.Errorf("history = %+v, want two months newest first", history)
	}
}

func TestUsageConcurrentConsumeNeverExceedsLimit(t *testing.T) {
	s, _ := setupTestStore(t)
	alice := mustUser(t, s, "alice@example.com")

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Usage.Consume(context.Background(), Consumption{
				UserID: alice, DeviceID: "dev-1", Plan: model.PlanFree, Month: "2026-03", Labels: 1, Limit: 10,
			})
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 10 {
		t.Errorf("accepted = %d, want 10", accepted)
	}
	if used, _ := s.Usage.Used(context.Background(), alice, "dev-1", "2026-03"); used != 10 {
		t.Errorf("used = %d, want 10", used)
	}
}
