package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

// Metadata keys written on checkout sessions and their subscriptions.
const (
	MetaUserID               = "user_id"
	MetaPlan                 = "plan"
	MetaBillingPeriod        = "billing_period"
	MetaUpgrade              = "upgrade"
	MetaPreviousSubscription = "previous_subscription_id"
)

// ProviderSubscription is the provider's view of a subscription. Plan and
// BillingPeriod are empty when the provider object does not determine them.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	Plan               model.Plan
	BillingPeriod      model.BillingPeriod
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
}

// Usable reports whether the provider considers the subscription live.
func (s ProviderSubscription) Usable() bool {
	return s.Status == "active" || s.Status == "trialing"
}

// CheckoutSession is a provider checkout session.
type CheckoutSession struct {
	ID             string
	URL            string
	Status         string
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	Metadata       map[string]string
	Created        time.Time
}

// CheckoutRequest describes a checkout session to create.
type CheckoutRequest struct {
	UserID                 int64
	CustomerID             string
	Plan                   model.Plan
	BillingPeriod          model.BillingPeriod
	PreviousSubscriptionID string
	IdempotencyKey         string
}

// Metadata is the metadata stamped on the session and its subscription.
func (r CheckoutRequest) Metadata() map[string]string {
	m := map[string]string{
		MetaUserID:        formatID(r.UserID),
		MetaPlan:          string(r.Plan),
		MetaBillingPeriod: string(r.BillingPeriod),
	}
	if r.PreviousSubscriptionID != "" {
		m[MetaUpgrade] = "true"
		m[MetaPreviousSubscription] = r.PreviousSubscriptionID
	}
	return m
}

// Provider is the payment provider. Reads are idempotent and may be retried
// by the implementation; writes are not.
type Provider interface {
	GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error)
	CancelSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error)
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
	CreateCustomer(ctx context.Context, email string, userID int64) (string, error)
	// ListCheckoutSessions returns sessions created at or after since. An
	// empty customerID lists sessions of all customers.
	ListCheckoutSessions(ctx context.Context, customerID string, since time.Time) ([]CheckoutSession, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// Notifier delivers license keys out of band.
type Notifier interface {
	SendLicenseKey(ctx context.Context, to, key string, plan model.Plan, expiresAt *time.Time) error
}

// planFrom resolves plan and period from metadata, keeping fallbacks for
// anything the metadata leaves out.
func planFrom(meta map[string]string, plan model.Plan, period model.BillingPeriod) (model.Plan, model.BillingPeriod) {
	if p, err := model.ParsePlan(meta[MetaPlan]); err == nil && meta[MetaPlan] != "" {
		plan = p
	}
	if raw := strings.TrimSpace(meta[MetaBillingPeriod]); raw != "" {
		if bp, err := model.ParseBillingPeriod(raw); err == nil {
			period = bp
		}
	}
	return plan, period
}

func isUpgrade(meta map[string]string) (string, bool) {
	prev := strings.TrimSpace(meta[MetaPreviousSubscription])
	return prev, meta[MetaUpgrade] == "true" && prev != ""
}
