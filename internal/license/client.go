// Package license is the desktop-side client of the license validation
// endpoint. It caches the last answer and keeps paid access through short
// outages.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

// Config holds license validation configuration.
type Config struct {
	Key           string
	ValidationURL string
	CheckInterval time.Duration
	GracePeriod   time.Duration
	// Retries bounds extra attempts when the server cannot be reached.
	Retries uint64
}

// Status represents the current license status.
type Status struct {
	Valid       bool       `json:"valid"`
	Plan        model.Plan `json:"plan"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Warning     string     `json:"warning,omitempty"`
	LastChecked time.Time  `json:"last_checked"`
	Offline     bool       `json:"offline"`
}

type validateRequest struct {
	Key string `json:"key"`
}

type validateResponse struct {
	Valid     bool       `json:"valid"`
	Plan      model.Plan `json:"plan,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Client validates a license key against the billing service.
type Client struct {
	mu         sync.RWMutex
	cfg        Config
	status     Status
	httpClient *http.Client
	now        func() time.Time
	retryBase  time.Duration
	stopCh     chan struct{}
	stopped    chan struct{}
}

// NewClient creates a new license client. If key is empty, free-tier mode.
func NewClient(cfg Config) *Client {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 24 * time.Hour
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}
	if cfg.ValidationURL == "" {
		cfg.ValidationURL = "https://labeldesk.app/api/license/validate"
	}

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now:       time.Now,
		retryBase: 2 * time.Second,
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	// Free-tier mode: no HTTP calls needed
	if cfg.Key == "" {
		c.status = Status{Valid: false, Plan: model.PlanFree}
	}

	return c
}

// Validate performs an immediate license validation against the billing service.
func (c *Client) Validate(ctx context.Context) error {
	c.mu.RLock()
	key := c.cfg.Key
	url := c.cfg.ValidationURL
	c.mu.RUnlock()

	if key == "" {
		c.mu.Lock()
		c.status = Status{Valid: false, Plan: model.PlanFree, LastChecked: c.now()}
		c.mu.Unlock()
		return nil
	}

	body, err := json.Marshal(validateRequest{Key: key})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network error: keep the last answer and mark offline.
		c.mu.Lock()
		c.status.Offline = true
		c.status.Warning = "Unable to reach license server"
		c.mu.Unlock()
		return fmt.Errorf("validate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.mu.Lock()
		c.status.Offline = true
		c.status.Warning = fmt.Sprintf("License server returned %d", resp.StatusCode)
		c.mu.Unlock()
		return fmt.Errorf("validate: status %d", resp.StatusCode)
	}

	var vr validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	c.mu.Lock()
	c.status = Status{
		Valid:       vr.Valid,
		Plan:        vr.Plan,
		ExpiresAt:   vr.ExpiresAt,
		LastChecked: c.now(),
	}
	if !vr.Valid && vr.Reason != "" {
		c.status.Warning = "License " + vr.Reason
	}
	c.mu.Unlock()

	return nil
}

// Plan returns the plan the desktop may use right now. An invalid license,
// or a valid one not confirmed within the grace period, falls back to free.
func (c *Client) Plan() model.Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.status
	if !s.Valid || !s.Plan.Valid() {
		return model.PlanFree
	}
	if s.LastChecked.IsZero() || c.now().Sub(s.LastChecked) > c.cfg.GracePeriod {
		return model.PlanFree
	}
	if s.ExpiresAt != nil && c.now().After(*s.ExpiresAt) && !s.Offline {
		return model.PlanFree
	}
	return s.Plan
}

// Allows reports whether the current plan is at least min.
func (c *Client) Allows(min model.Plan) bool {
	return c.Plan().Level() >= min.Level()
}

// Status returns the current cached license status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsFreeTier returns true if no license key is configured.
func (c *Client) IsFreeTier() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Key == ""
}

// SetKey updates the license key and triggers immediate validation.
func (c *Client) SetKey(ctx context.Context, key string) error {
	c.mu.Lock()
	c.cfg.Key = key
	if key == "" {
		c.status = Status{Valid: false, Plan: model.PlanFree, LastChecked: c.now()}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.Validate(ctx)
}

// ValidateWithRetry validates, retrying with exponential backoff while the
// server is unreachable or answering with errors.
func (c *Client) ValidateWithRetry(ctx context.Context) error {
	b := retry.WithMaxRetries(c.cfg.Retries, retry.NewExponential(c.retryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.Validate(ctx)
		if err != nil && c.Status().Offline {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Start begins the background validation goroutine.
func (c *Client) Start(ctx context.Context) {
	c.ValidateWithRetry(ctx)

	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.ValidateWithRetry(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background validation goroutine.
func (c *Client) Stop() {
	close(c.stopCh)
	<-c.stopped
}
