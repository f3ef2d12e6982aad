package reconcile

import "time"

// Event is a verified payment-provider event. The types in this file are the
// only implementations; Engine.Handle switches over all of them.
type Event interface {
	Kind() string
	isEvent()
}

// CheckoutCompleted is a paid checkout session. Metadata is the session's
// own metadata, used when the subscription carries none.
type CheckoutCompleted struct {
	EventID        string
	SessionID      string
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	Metadata       map[string]string
}

// SubscriptionUpdated carries the provider's current view of a subscription.
type SubscriptionUpdated struct {
	EventID      string
	Subscription ProviderSubscription
}

type SubscriptionDeleted struct {
	EventID      string
	Subscription ProviderSubscription
}

// InvoicePaid is a successful invoice payment. SubscriptionID may be empty
// for invoices not tied to a subscription.
type InvoicePaid struct {
	EventID        string
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	PeriodEnd      *time.Time
}

type InvoiceFailed struct {
	EventID        string
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
}

func (CheckoutCompleted) Kind() string   { return "checkout_completed" }
func (SubscriptionUpdated) Kind() string { return "subscription_updated" }
func (SubscriptionDeleted) Kind() string { return "subscription_deleted" }
func (InvoicePaid) Kind() string         { return "invoice_paid" }
func (InvoiceFailed) Kind() string       { return "invoice_failed" }

func (CheckoutCompleted) isEvent()   {}
func (SubscriptionUpdated) isEvent() {}
func (SubscriptionDeleted) isEvent() {}
func (InvoicePaid) isEvent()         {}
func (InvoiceFailed) isEvent()       {}
