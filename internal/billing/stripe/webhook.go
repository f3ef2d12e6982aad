package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/labeldesk/internal/billing/reconcile"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("invalid stripe signature")

// WebhookEvent is a verified Stripe event. Event is nil for event types the
// reconciler does not handle.
type WebhookEvent struct {
	ID    string
	Type  string
	Event reconcile.Event
}

// ParseWebhook verifies the signature header and decodes the payload into a
// reconcile event.
func (c *Client) ParseWebhook(payload []byte, sigHeader string) (*WebhookEvent, error) {
	if c.cfg.WebhookSecret == "" {
		return nil, errors.New("webhook secret not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	we := &WebhookEvent{ID: event.ID, Type: string(event.Type)}
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		cs := checkoutSession(&sess)
		we.Event = reconcile.CheckoutCompleted{
			EventID:        event.ID,
			SessionID:      cs.ID,
			CustomerID:     cs.CustomerID,
			CustomerEmail:  cs.CustomerEmail,
			SubscriptionID: cs.SubscriptionID,
			Metadata:       cs.Metadata,
		}

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		ps := c.subscription(&sub)
		if event.Type == "customer.subscription.deleted" {
			we.Event = reconcile.SubscriptionDeleted{EventID: event.ID, Subscription: ps}
		} else {
			we.Event = reconcile.SubscriptionUpdated{EventID: event.ID, Subscription: ps}
		}

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		customerID, subscriptionID := invoiceRefs(&inv)
		if event.Type == "invoice.payment_failed" {
			we.Event = reconcile.InvoiceFailed{
				EventID:        event.ID,
				InvoiceID:      inv.ID,
				CustomerID:     customerID,
				SubscriptionID: subscriptionID,
			}
		} else {
			we.Event = reconcile.InvoicePaid{
				EventID:        event.ID,
				InvoiceID:      inv.ID,
				CustomerID:     customerID,
				SubscriptionID: subscriptionID,
				PeriodEnd:      invoicePeriodEnd(&inv),
			}
		}
	}
	return we, nil
}

func invoiceRefs(inv *stripe.Invoice) (customerID, subscriptionID string) {
	if inv.Customer != nil {
		customerID = inv.Customer.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		subscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return customerID, subscriptionID
}

// invoicePeriodEnd is the latest line-item period end, which is the end of
// the subscription period the invoice pays for.
func invoicePeriodEnd(inv *stripe.Invoice) *time.Time {
	var end int64
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line != nil && line.Period != nil && line.Period.End > end {
				end = line.Period.End
			}
		}
	}
	return unixPtr(end)
}
