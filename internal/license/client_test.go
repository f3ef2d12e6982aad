package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

func TestFreeModeWithoutKey(t *testing.T) {
	c := NewClient(Config{Key: ""})

	if !c.IsFreeTier() {
		t.Error("expected free tier with empty key")
	}
	if c.Plan() != model.PlanFree {
		t.Errorf("plan = %q, want free", c.Plan())
	}
	if c.Allows(model.PlanPlus) {
		t.Error("expected plus features disabled in free mode")
	}
}

func TestValidKeyEnablesPlan(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Key != "LD-TEST-1234-5678-ABCD" {
			t.Errorf("unexpected key: %q", req.Key)
		}
		json.NewEncoder(w).Encode(validateResponse{Valid: true, Plan: model.PlanPlus})
	}))
	defer server.Close()

	c := NewClient(Config{
		Key:           "LD-TEST-1234-5678-ABCD",
		ValidationURL: server.URL,
	})

	if err := c.Validate(context.Background()); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if c.IsFreeTier() {
		t.Error("expected paid tier")
	}
	if c.Plan() != model.PlanPlus {
		t.Errorf("plan = %q, want plus", c.Plan())
	}
	if !c.Allows(model.PlanPlus) {
		t.Error("expected plus allowed")
	}
	if c.Allows(model.PlanPro) {
		t.Error("expected pro not allowed on plus")
	}
}

func TestExpiredKeyFallsBackToFree(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(validateResponse{Valid: false, Reason: "expired"})
	}))
	defer server.Close()

	c := NewClient(Config{
		Key:           "LD-EXPI-RED0-KEY0-0000",
		ValidationURL: server.URL,
	})

	c.Validate(context.Background())

	if c.Plan() != model.PlanFree {
		t.Errorf("plan = %q, want free for expired key", c.Plan())
	}
	status := c.Status()
	if status.Valid {
		t.Error("expected invalid status")
	}
	if status.Warning != "License expired" {
		t.Errorf("warning = %q", status.Warning)
	}
}

func TestOfflineGracePeriod(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		if callCount == 1 {
			json.NewEncoder(w).Encode(validateResponse{Valid: true, Plan: model.PlanPro})
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(Config{
		Key:           "LD-TEST-1234-5678-ABCD",
		ValidationURL: server.URL,
		GracePeriod:   1 * time.Hour,
	})

	if err := c.Validate(context.Background()); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	if c.Plan() != model.PlanPro {
		t.Errorf("plan = %q, want pro", c.Plan())
	}

	if err := c.Validate(context.Background()); err == nil {
		t.Error("expected error from failing server")
	}
	if !c.Status().Offline {
		t.Error("expected offline status after failed validation")
	}
	if c.Plan() != model.PlanPro {
		t.Errorf("plan = %q, want pro within grace period", c.Plan())
	}
}

func TestGracePeriodExpired(t *testing.T) {
	c := NewClient(Config{
		Key:         "LD-TEST-1234-5678-ABCD",
		GracePeriod: time.Hour,
	})

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.mu.Lock()
	c.status = Status{
		Valid:       true,
		Plan:        model.PlanPlus,
		LastChecked: now.Add(-2 * time.Hour),
		Offline:     true,
	}
	c.mu.Unlock()

	if c.Plan() != model.PlanFree {
		t.Errorf("plan = %q, want free after grace period", c.Plan())
	}
}

func TestSetKeyTriggersValidation(t *testing.T) {
	validated := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		validated = true
		json.NewEncoder(w).Encode(validateResponse{Valid: true, Plan: model.PlanPlus})
	}))
	defer server.Close()

	c := NewClient(Config{ValidationURL: server.URL})
	if !c.IsFreeTier() {
		t.Error("expected free tier initially")
	}

	if err := c.SetKey(context.Background(), "LD-NEW0-KEY0-1234-5678"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	if !validated {
		t.Error("expected validation to be triggered by SetKey")
	}
	if c.Plan() != model.PlanPlus {
		t.Errorf("plan = %q, want plus after SetKey", c.Plan())
	}
}

func TestSetKeyToEmpty(t *testing.T) {
	c := NewClient(Config{Key: "LD-TEST-1234-5678-ABCD"})

	c.SetKey(context.Background(), "")

	if !c.IsFreeTier() {
		t.Error("expected free tier after clearing key")
	}
	if c.Plan() != model.PlanFree {
		t.Errorf("plan = %q, want free", c.Plan())
	}
}

func TestValidateWithRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"valid":true,"plan":"plus"}`))
	}))
	defer server.Close()

	c := NewClient(Config{Key: "LD-TEST", ValidationURL: server.URL, Retries: 3})
	c.retryBase = time.Millisecond
	if err := c.ValidateWithRetry(context.Background()); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if c.Plan() != model.PlanPlus {
		t.Errorf("plan = %q, want plus", c.Plan())
	}
}

func TestValidateWithRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(Config{Key: "LD-TEST", ValidationURL: server.URL, Retries: 2})
	c.retryBase = time.Millisecond
	if err := c.ValidateWithRetry(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if !c.Status().Offline {
		t.Error("expected offline status")
	}
}
