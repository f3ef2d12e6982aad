package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/labeldesk/internal/billing/gate"
	"github.com/dukerupert/labeldesk/internal/billing/handler"
	"github.com/dukerupert/labeldesk/internal/billing/metrics"
	"github.com/dukerupert/labeldesk/internal/billing/middleware"
	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/reconcile"
	"github.com/dukerupert/labeldesk/internal/billing/store"
	billingstripe "github.com/dukerupert/labeldesk/internal/billing/stripe"
	"github.com/dukerupert/labeldesk/internal/billing/token"
	"github.com/dukerupert/labeldesk/internal/billing/usage"
	"github.com/dukerupert/labeldesk/internal/config"
	"github.com/dukerupert/labeldesk/internal/email"
	sharedmw "github.com/dukerupert/labeldesk/internal/middleware"
)

// Per-IP limits on the public credential endpoints.
const (
	ipLimit  = 10
	ipWindow = time.Minute
)

type Config struct {
	BaseURL         string
	Token           token.Config
	RefreshTTL      time.Duration
	BcryptCost      int
	Limits          model.Limits
	MemoryRateLimit bool
	Stripe          billingstripe.Config
	Notifier        reconcile.Notifier
	Clock           func() time.Time
}

type Server struct {
	store     *store.Store
	memory    *sharedmw.RateLimiter
	limiter   sharedmw.Limiter
	gate      *gate.Gate
	ledger    *usage.Ledger
	engine    *reconcile.Engine
	authH     *handler.AuthHandler
	desktopH  *handler.DesktopHandler
	checkoutH *handler.CheckoutHandler
	licenseH  *handler.LicenseHandler
	webhookH  *handler.WebhookHandler
	logger    *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) (*Server, error) {
	var storeOpts []store.Option
	var tokenOpts []token.Option
	if cfg.Clock != nil {
		storeOpts = append(storeOpts, store.WithClock(cfg.Clock))
		tokenOpts = append(tokenOpts, token.WithClock(cfg.Clock))
	}
	st := store.New(db, storeOpts...)

	issuer, err := token.NewIssuer(cfg.Token, tokenOpts...)
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	memory := sharedmw.NewRateLimiter()
	var limiter sharedmw.Limiter = st.RateLimits
	if cfg.MemoryRateLimit {
		limiter = memory
	}

	if cfg.Limits == (model.Limits{}) {
		cfg.Limits = model.DefaultLimits()
	}
	ledger := usage.NewLedger(st, cfg.Limits, limiter, logger.With("component", "usage"))
	g := gate.New(st, issuer, limiter, ledger, gate.Config{
		RefreshTTL: cfg.RefreshTTL,
		BcryptCost: cfg.BcryptCost,
	}, logger.With("component", "gate"))

	// A nil *Client must not reach the engine as a non-nil interface.
	var provider reconcile.Provider
	var stripeClient *billingstripe.Client
	if cfg.Stripe.SecretKey != "" {
		stripeClient = billingstripe.NewClient(cfg.Stripe, logger.With("component", "stripe"))
		provider = stripeClient
	}
	engine := reconcile.New(st, provider, cfg.Notifier, ledger, logger.With("component", "reconcile"))

	s := &Server{
		store:     st,
		memory:    memory,
		limiter:   limiter,
		gate:      g,
		ledger:    ledger,
		engine:    engine,
		authH:     handler.NewAuthHandler(g, logger.With("component", "auth")),
		desktopH:  handler.NewDesktopHandler(g, ledger, logger.With("component", "desktop")),
		checkoutH: handler.NewCheckoutHandler(engine, cfg.BaseURL, logger.With("component", "checkout")),
		licenseH:  handler.NewLicenseHandler(engine, logger.With("component", "license")),
		logger:    logger,
	}
	if stripeClient != nil && cfg.Stripe.WebhookSecret != "" {
		s.webhookH = handler.NewWebhookHandler(stripeClient, engine, logger.With("component", "webhook"))
	}
	return s, nil
}

// Engine returns the reconciliation engine for operator commands.
func (s *Server) Engine() *reconcile.Engine {
	return s.engine
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	ipLimited := s.ipRateLimit("ip")
	bearer := middleware.RequireBearer(s.gate)

	// Desktop client
	mux.Handle("POST /api/desktop/login", ipLimited(http.HandlerFunc(s.authH.Login)))
	mux.HandleFunc("POST /api/desktop/refresh", s.authH.Refresh)
	mux.Handle("POST /api/desktop/register-device", bearer(http.HandlerFunc(s.desktopH.RegisterDevice)))
	mux.Handle("GET /api/desktop/session", bearer(http.HandlerFunc(s.desktopH.Session)))
	mux.Handle("POST /api/desktop/validate-label-creation", bearer(http.HandlerFunc(s.desktopH.ValidateLabelCreation)))
	mux.Handle("DELETE /api/desktop/device/{id}", bearer(http.HandlerFunc(s.desktopH.DeleteDevice)))

	// Account dashboard
	mux.Handle("POST /api/register", ipLimited(http.HandlerFunc(s.authH.Register)))
	mux.Handle("POST /api/checkout", bearer(http.HandlerFunc(s.checkoutH.CreateCheckoutSession)))
	mux.Handle("POST /api/subscription/sync", bearer(http.HandlerFunc(s.checkoutH.Sync)))
	mux.Handle("POST /api/billing-portal", bearer(http.HandlerFunc(s.checkoutH.BillingPortal)))
	mux.Handle("GET /api/licenses", bearer(http.HandlerFunc(s.licenseH.List)))

	// Stripe webhook (public, signature-verified)
	if s.webhookH != nil {
		mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	}

	mux.Handle("POST /api/license/validate", s.ipRateLimit("license")(http.HandlerFunc(s.licenseH.Validate)))

	return sharedmw.RequestLogger(s.logger)(mux)
}

func (s *Server) ipRateLimit(scope string) func(http.Handler) http.Handler {
	limiter := countingLimiter{next: s.limiter, scope: scope}
	return sharedmw.RateLimit(limiter, func(r *http.Request) string {
		return scope + ":" + sharedmw.RealIP(r)
	}, ipLimit, ipWindow)
}

// countingLimiter records refusals in the rate-limit metric.
type countingLimiter struct {
	next  sharedmw.Limiter
	scope string
}

func (c countingLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ok, err := c.next.Allow(ctx, key, limit, window)
	if err == nil && !ok {
		metrics.RateLimitedTotal.WithLabelValues(c.scope).Inc()
	}
	return ok, err
}

// Cleanup prunes expired refresh tokens and rate-limit windows and expires
// licenses past their end date. Failures are logged and do not stop the
// remaining steps.
func (s *Server) Cleanup(ctx context.Context) {
	if n, err := s.store.RefreshTokens.DeleteExpired(ctx); err != nil {
		s.logger.Error("cleanup refresh tokens", "error", err)
	} else if n > 0 {
		s.logger.Info("cleaned up refresh tokens", "count", n)
	}

	cutoff := s.store.Now().Add(-time.Hour)
	if _, err := s.store.RateLimits.DeleteStale(ctx, cutoff); err != nil {
		s.logger.Error("cleanup rate limit windows", "error", err)
	}
	s.memory.Cleanup()

	if n, err := s.engine.ExpireLicenses(ctx); err != nil {
		s.logger.Error("expire licenses", "error", err)
	} else if n > 0 {
		s.logger.Info("expired licenses", "count", n)
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		s.logger.Error("health check ping", "error", err)
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// FromConfig maps the environment configuration onto the server wiring. The
// license mailer is attached only when a Postmark token is set.
func FromConfig(cfg *config.Config) Config {
	var notifier reconcile.Notifier
	if mailer := email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.BaseURL); mailer.Configured() {
		notifier = mailer
	}
	return Config{
		BaseURL: cfg.BaseURL,
		Token: token.Config{
			Secret:    cfg.JWTSecret,
			Issuer:    cfg.JWTIssuer,
			Audience:  cfg.JWTAudience,
			AccessTTL: cfg.AccessTTL,
		},
		RefreshTTL:      cfg.RefreshTTL,
		Limits:          cfg.Limits,
		MemoryRateLimit: cfg.RateLimitBackend == config.BackendMemory,
		Stripe: billingstripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Prices: billingstripe.Prices{
				PlusMonthly: cfg.StripePrices.PlusMonthly,
				PlusYearly:  cfg.StripePrices.PlusYearly,
				ProMonthly:  cfg.StripePrices.ProMonthly,
				ProYearly:   cfg.StripePrices.ProYearly,
			},
			SuccessURL: cfg.BaseURL + "/account?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  cfg.BaseURL + "/pricing",
			Timeout:    cfg.ProviderTimeout,
		},
		Notifier: notifier,
	}
}
