package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/reconcile"
)

// Prices maps the four sellable plan/period combinations to Stripe price ids.
type Prices struct {
	PlusMonthly string
	PlusYearly  string
	ProMonthly  string
	ProYearly   string
}

// For returns the price id for a plan and period, or "" when not configured.
func (p Prices) For(plan model.Plan, period model.BillingPeriod) string {
	switch {
	case plan == model.PlanPlus && period == model.PeriodYearly:
		return p.PlusYearly
	case plan == model.PlanPlus:
		return p.PlusMonthly
	case plan == model.PlanPro && period == model.PeriodYearly:
		return p.ProYearly
	case plan == model.PlanPro:
		return p.ProMonthly
	}
	return ""
}

// Lookup maps a price id back to its plan and period.
func (p Prices) Lookup(priceID string) (model.Plan, model.BillingPeriod, bool) {
	if priceID == "" {
		return "", "", false
	}
	switch priceID {
	case p.PlusMonthly:
		return model.PlanPlus, model.PeriodMonthly, true
	case p.PlusYearly:
		return model.PlanPlus, model.PeriodYearly, true
	case p.ProMonthly:
		return model.PlanPro, model.PeriodMonthly, true
	case p.ProYearly:
		return model.PlanPro, model.PeriodYearly, true
	}
	return "", "", false
}

type Config struct {
	SecretKey     string
	WebhookSecret string
	Prices        Prices
	SuccessURL    string
	CancelURL     string
	Timeout       time.Duration

	// URL overrides the API endpoint. Tests only.
	URL string
}

// Client talks to Stripe through per-resource clients that share one
// backend with a bounded HTTP timeout.
type Client struct {
	cfg    Config
	logger *slog.Logger

	customers     *customer.Client
	subscriptions *subscription.Client
	checkout      *checksession.Client
	portal        *portalsession.Client
	backoff       func() retry.Backoff
}

var _ reconcile.Provider = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.URL != "" {
		bc.URL = stripe.String(cfg.URL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)

	return &Client{
		cfg:           cfg,
		logger:        logger,
		customers:     &customer.Client{B: backend, Key: cfg.SecretKey},
		subscriptions: &subscription.Client{B: backend, Key: cfg.SecretKey},
		checkout:      &checksession.Client{B: backend, Key: cfg.SecretKey},
		portal:        &portalsession.Client{B: backend, Key: cfg.SecretKey},
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(1, retry.NewConstant(250*time.Millisecond))
		},
	}
}

// read runs an idempotent call, retrying once on network or 5xx failures.
func (c *Client) read(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		err := fn()
		if err != nil && retryable(err) {
			c.logger.Warn("stripe read failed, retrying", "op", op, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func retryable(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*reconcile.ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	var sub *stripe.Subscription
	err := c.read(ctx, "get subscription", func() error {
		var err error
		sub, err = c.subscriptions.Get(id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	ps := c.subscription(sub)
	return &ps, nil
}

func (c *Client) CancelSubscription(ctx context.Context, id string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := c.subscriptions.Cancel(id, params); err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing {
			return nil
		}
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns the customer's subscriptions in every status.
func (c *Client) ListSubscriptions(ctx context.Context, customerID string) ([]reconcile.ProviderSubscription, error) {
	var out []reconcile.ProviderSubscription
	err := c.read(ctx, "list subscriptions", func() error {
		out = out[:0]
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerID),
			Status:   stripe.String("all"),
		}
		params.Context = ctx
		params.Limit = stripe.Int64(20)
		it := c.subscriptions.List(params)
		for it.Next() {
			out = append(out, c.subscription(it.Subscription()))
		}
		return it.Err()
	})
	return out, err
}

func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := c.read(ctx, "find customer", func() error {
		params := &stripe.CustomerListParams{Email: stripe.String(email)}
		params.Context = ctx
		params.Limit = stripe.Int64(1)
		it := c.customers.List(params)
		if it.Next() {
			id = it.Customer().ID
		}
		return it.Err()
	})
	return id, err
}

func (c *Client) CreateCustomer(ctx context.Context, email string, userID int64) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	params.AddMetadata(reconcile.MetaUserID, strconv.FormatInt(userID, 10))
	params.SetIdempotencyKey("customer-" + strconv.FormatInt(userID, 10))
	cust, err := c.customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

// ListCheckoutSessions returns sessions created since the given time. An
// empty customer id lists sessions of all customers.
func (c *Client) ListCheckoutSessions(ctx context.Context, customerID string, since time.Time) ([]reconcile.CheckoutSession, error) {
	var out []reconcile.CheckoutSession
	err := c.read(ctx, "list checkout sessions", func() error {
		out = out[:0]
		params := &stripe.CheckoutSessionListParams{
			CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()},
		}
		if customerID != "" {
			params.Customer = stripe.String(customerID)
		}
		params.Context = ctx
		params.Limit = stripe.Int64(100)
		it := c.checkout.List(params)
		for it.Next() {
			out = append(out, checkoutSession(it.CheckoutSession()))
		}
		return it.Err()
	})
	return out, err
}

func (c *Client) CreateCheckoutSession(ctx context.Context, req reconcile.CheckoutRequest) (*reconcile.CheckoutSession, error) {
	priceID := c.cfg.Prices.For(req.Plan, req.BillingPeriod)
	if priceID == "" {
		return nil, model.NewError(model.ErrInvalidInput, model.ReasonInvalidPlan,
			fmt.Sprintf("no price configured for %s %s", req.Plan, req.BillingPeriod))
	}
	meta := req.Metadata()
	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(strconv.FormatInt(req.UserID, 10)),
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		AllowPromotionCodes: stripe.Bool(true),
		SuccessURL:          stripe.String(c.cfg.SuccessURL),
		CancelURL:           stripe.String(c.cfg.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	sess, err := c.checkout.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	cs := checkoutSession(sess)
	return &cs, nil
}

func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := c.portal.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// subscription converts a Stripe subscription. Plan and period come from
// metadata first, then from the configured price table.
func (c *Client) subscription(s *stripe.Subscription) reconcile.ProviderSubscription {
	ps := reconcile.ProviderSubscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		ps.CustomerID = s.Customer.ID
	}

	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil {
				continue
			}
			ps.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
			ps.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
			if item.Price == nil {
				break
			}
			if plan, period, ok := c.cfg.Prices.Lookup(item.Price.ID); ok {
				ps.Plan, ps.BillingPeriod = plan, period
			} else if item.Price.Recurring != nil {
				ps.BillingPeriod = periodFromInterval(string(item.Price.Recurring.Interval))
			}
			break
		}
	}

	if p, err := model.ParsePlan(s.Metadata[reconcile.MetaPlan]); err == nil {
		ps.Plan = p
	}
	if raw := strings.TrimSpace(s.Metadata[reconcile.MetaBillingPeriod]); raw != "" {
		if bp, err := model.ParseBillingPeriod(raw); err == nil {
			ps.BillingPeriod = bp
		}
	}
	return ps
}

func checkoutSession(s *stripe.CheckoutSession) reconcile.CheckoutSession {
	cs := reconcile.CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		Status:        string(s.Status),
		CustomerEmail: s.CustomerEmail,
		Metadata:      s.Metadata,
		Created:       time.Unix(s.Created, 0).UTC(),
	}
	if s.Customer != nil {
		cs.CustomerID = s.Customer.ID
	}
	if cs.CustomerEmail == "" && s.CustomerDetails != nil {
		cs.CustomerEmail = s.CustomerDetails.Email
	}
	if s.Subscription != nil {
		cs.SubscriptionID = s.Subscription.ID
	}
	return cs
}

func periodFromInterval(interval string) model.BillingPeriod {
	bp, err := model.ParseBillingPeriod(interval)
	if err != nil {
		return ""
	}
	return bp
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
