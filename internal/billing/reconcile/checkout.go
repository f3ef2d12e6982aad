package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/store"
)

// Checkout idempotency windows.
const (
	openSessionWindow      = 30 * time.Minute
	completedUpgradeWindow = 5 * time.Minute
)

func (e *Engine) checkoutCompleted(ctx context.Context, ev CheckoutCompleted) (string, error) {
	log := e.logger.With("event_id", ev.EventID, "session_id", ev.SessionID, "customer_id", ev.CustomerID, "subscription_id", ev.SubscriptionID)

	if ev.SubscriptionID == "" {
		log.Info("checkout completed without subscription")
		return outcomeIgnored, nil
	}
	if err := e.requireProvider(); err != nil {
		return "", err
	}
	ps, err := e.provider.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return "", fmt.Errorf("get subscription: %w", err)
	}
	if !ps.Plan.Valid() || ps.BillingPeriod == "" {
		ps.Plan, ps.BillingPeriod = planFrom(ev.Metadata, ps.Plan, ps.BillingPeriod)
	}
	if !ps.Plan.Paid() {
		log.Warn("checkout completed for unknown plan", "plan", ps.Plan)
		return outcomeIgnored, nil
	}
	if ps.CustomerID == "" {
		ps.CustomerID = ev.CustomerID
	}

	user, err := e.checkoutUser(ctx, ev, ps)
	if err != nil {
		return "", err
	}
	if user == nil {
		log.Warn("checkout completed for unknown account", "email_present", ev.CustomerEmail != "")
		return outcomeIgnored, nil
	}
	log = log.With("user_id", user.ID)

	meta := ps.Metadata
	if _, ok := isUpgrade(meta); !ok {
		meta = ev.Metadata
	}
	if prev, ok := isUpgrade(meta); ok {
		if err := e.applyUpgrade(ctx, user, prev, *ps); err != nil {
			return "", err
		}
		log.Info("upgrade checkout applied", "previous_subscription_id", prev, "plan", ps.Plan)
		if prev != ps.ID {
			// The new subscription is already active locally; a failed
			// cancel is left for the operator.
			if err := e.provider.CancelSubscription(ctx, prev); err != nil {
				log.Error("cancel previous subscription", "previous_subscription_id", prev, "error", err)
			}
		}
		return outcomeApplied, nil
	}

	created, err := e.applyFresh(ctx, user, ev.SessionID, *ps)
	if err != nil {
		return "", err
	}
	if created != nil {
		e.sendLicense(ctx, user, created)
	}
	log.Info("checkout applied", "plan", ps.Plan, "license_created", created != nil)
	return outcomeApplied, nil
}

// checkoutUser finds the account a checkout belongs to: the user id stamped
// in metadata, then the customer id, then the customer email.
func (e *Engine) checkoutUser(ctx context.Context, ev CheckoutCompleted, ps *ProviderSubscription) (*model.User, error) {
	for _, meta := range []map[string]string{ps.Metadata, ev.Metadata} {
		if raw := meta[MetaUserID]; raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			u, err := e.store.Users.GetByID(ctx, id)
			if err != nil || u != nil {
				return u, err
			}
		}
	}
	if ps.CustomerID != "" {
		u, err := e.store.Users.GetByStripeCustomerID(ctx, ps.CustomerID)
		if err != nil || u != nil {
			return u, err
		}
	}
	if ev.CustomerEmail != "" {
		return e.store.Users.GetByEmail(ctx, ev.CustomerEmail)
	}
	return nil, nil
}

// applyFresh records a first purchase. It returns the license when one was
// created; a user who already holds an active license keeps it, updated.
func (e *Engine) applyFresh(ctx context.Context, user *model.User, sessionID string, ps ProviderSubscription) (*model.License, error) {
	var created *model.License
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		if err := linkCustomer(ctx, tx, user, ps.CustomerID); err != nil {
			return err
		}
		sub, _, err := tx.Subscriptions.UpsertByCustomer(ctx, user.ID, ps.CustomerID, updateFrom(ps, model.SubscriptionStatusFromProvider(ps.Status)))
		if err != nil {
			return err
		}
		if sub == nil {
			return nil
		}
		if sessionID != "" {
			replay, err := tx.Licenses.GetByCheckoutSession(ctx, sessionID)
			if err != nil {
				return err
			}
			if replay != nil {
				return nil
			}
		}
		created, err = ensureLicense(ctx, tx, sub, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// applyUpgrade moves the user's existing subscription row onto the new
// provider subscription and carries the active license along.
func (e *Engine) applyUpgrade(ctx context.Context, user *model.User, prev string, ps ProviderSubscription) error {
	var created *model.License
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		if err := linkCustomer(ctx, tx, user, ps.CustomerID); err != nil {
			return err
		}
		u := updateFrom(ps, model.SubscriptionStatusFromProvider(ps.Status))

		var sub *model.Subscription
		local, err := tx.Subscriptions.GetByExternalSubscriptionID(ctx, ps.ID)
		if err != nil {
			return err
		}
		if local == nil {
			local, err = tx.Subscriptions.GetByExternalSubscriptionID(ctx, prev)
			if err != nil {
				return err
			}
		}
		if local != nil && local.UserID == user.ID {
			sub, err = tx.Subscriptions.Apply(ctx, local.ID, u)
			if err != nil {
				return err
			}
		}
		if sub == nil {
			// The previous row is gone or already cancelled.
			sub, _, err = tx.Subscriptions.UpsertByCustomer(ctx, user.ID, ps.CustomerID, u)
			if err != nil {
				return err
			}
		}
		if sub == nil {
			return nil
		}
		created, err = ensureLicense(ctx, tx, sub, "")
		return err
	})
	if err != nil {
		return err
	}
	if created != nil {
		e.sendLicense(ctx, user, created)
	}
	return nil
}

// ensureLicense tracks the user's active license to sub, creating one when
// the user has none and none lapsed under sub. It returns the license only
// when it was created.
func ensureLicense(ctx context.Context, tx *store.Store, sub *model.Subscription, sessionID string) (*model.License, error) {
	if sub.Status != model.StatusActive || !sub.Plan.Paid() {
		return nil, nil
	}
	active, err := currentLicense(ctx, tx, sub)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, tx.Licenses.Track(ctx, active.ID, sub.ID, sub.Plan, sub.CurrentPeriodEnd)
	}
	return tx.Licenses.Create(ctx, store.NewLicense{
		UserID:            sub.UserID,
		SubscriptionID:    sub.ID,
		Plan:              sub.Plan,
		ExpiresAt:         sub.CurrentPeriodEnd,
		CheckoutSessionID: sessionID,
	})
}

func linkCustomer(ctx context.Context, tx *store.Store, user *model.User, customerID string) error {
	if customerID == "" || user.StripeCustomerID != nil {
		return nil
	}
	if err := tx.Users.UpdateStripeCustomerID(ctx, user.ID, customerID); err != nil {
		return err
	}
	user.StripeCustomerID = &customerID
	return nil
}

func (e *Engine) sendLicense(ctx context.Context, user *model.User, l *model.License) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.SendLicenseKey(ctx, user.Email, l.Key, l.Plan, l.ExpiresAt); err != nil {
		e.logger.Error("send license key", "user_id", user.ID, "license_id", l.ID, "error", err)
	}
}

// CheckoutResult is the URL the client should be sent to.
type CheckoutResult struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
	Reused    bool   `json:"reused"`
}

// StartCheckout opens a checkout session for a first purchase or an upgrade.
// Downgrades and same-plan requests are refused before the provider is
// contacted. An open session for the same target is reused, and an upgrade
// completed moments ago is reported instead of charged twice.
func (e *Engine) StartCheckout(ctx context.Context, userID int64, plan model.Plan, period model.BillingPeriod) (*CheckoutResult, error) {
	if !plan.Paid() {
		return nil, model.NewError(model.ErrInvalidInput, model.ReasonInvalidPlan, "plan must be plus or pro")
	}
	if period == "" {
		period = model.PeriodMonthly
	}

	current, err := e.plans.ResolvePlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch {
	case plan.Level() < current.Level():
		return nil, model.NewError(model.ErrForbidden, model.ReasonDowngrade,
			fmt.Sprintf("downgrade from %s to %s is not allowed", current, plan))
	case plan.Level() == current.Level():
		return nil, model.NewError(model.ErrConflict, model.ReasonAlreadyOnPlan,
			fmt.Sprintf("already on the %s plan", plan))
	}

	if err := e.requireProvider(); err != nil {
		return nil, err
	}
	user, err := e.store.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewError(model.ErrNotFound, model.ReasonUserNotFound, "user not found")
	}

	var prev string
	if active, err := e.store.Subscriptions.GetCurrentActive(ctx, userID); err != nil {
		return nil, err
	} else if active != nil && active.Plan.Paid() {
		prev = active.ExternalSubscription()
	}

	customerID, err := e.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	log := e.logger.With("user_id", userID, "customer_id", customerID, "plan", plan)

	now := e.store.Now()
	sessions, err := e.provider.ListCheckoutSessions(ctx, customerID, now.Add(-openSessionWindow))
	if err != nil {
		return nil, e.upstream("list checkout sessions", err, "user_id", userID)
	}
	for _, s := range sessions {
		if s.Metadata[MetaPlan] != string(plan) || s.Metadata[MetaPreviousSubscription] != prev {
			continue
		}
		switch {
		case prev != "" && s.Status == "complete" && !s.Created.Before(now.Add(-completedUpgradeWindow)):
			log.Info("upgrade already completed", "session_id", s.ID)
			return nil, model.NewError(model.ErrConflict, model.ReasonUpgradeCompleted,
				fmt.Sprintf("the upgrade to %s was just completed", plan))
		case s.Status == "open" && s.URL != "" && s.Metadata[MetaBillingPeriod] == string(period):
			log.Info("reusing open checkout session", "session_id", s.ID)
			return &CheckoutResult{URL: s.URL, SessionID: s.ID, Reused: true}, nil
		}
	}

	sess, err := e.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		UserID:                 userID,
		CustomerID:             customerID,
		Plan:                   plan,
		BillingPeriod:          period,
		PreviousSubscriptionID: prev,
		IdempotencyKey:         uuid.NewString(),
	})
	if err != nil {
		if isTaxonomy(err) {
			return nil, err
		}
		return nil, e.upstream("create checkout session", err, "user_id", userID)
	}
	log.Info("checkout session created", "session_id", sess.ID, "upgrade", prev != "")
	return &CheckoutResult{URL: sess.URL, SessionID: sess.ID}, nil
}

// ensureCustomer returns the user's provider customer, finding or creating
// it on first use.
func (e *Engine) ensureCustomer(ctx context.Context, user *model.User) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}
	customerID, err := e.provider.FindCustomerByEmail(ctx, user.Email)
	if err != nil {
		return "", e.upstream("find customer", err, "user_id", user.ID)
	}
	if customerID == "" {
		customerID, err = e.provider.CreateCustomer(ctx, user.Email, user.ID)
		if err != nil {
			return "", e.upstream("create customer", err, "user_id", user.ID)
		}
	}
	err = e.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.Users.UpdateStripeCustomerID(ctx, user.ID, customerID); err != nil {
			return err
		}
		linked, err := tx.Subscriptions.GetOpenByCustomerID(ctx, customerID)
		if err != nil || linked != nil {
			return err
		}
		cur, err := tx.Subscriptions.GetCurrentActive(ctx, user.ID)
		if err != nil || cur == nil {
			return err
		}
		return tx.Subscriptions.AttachCustomer(ctx, cur.ID, customerID)
	})
	if err != nil {
		return "", err
	}
	user.StripeCustomerID = &customerID
	return customerID, nil
}

// PortalURL opens a billing-portal session for the user's customer.
func (e *Engine) PortalURL(ctx context.Context, userID int64, returnURL string) (string, error) {
	if err := e.requireProvider(); err != nil {
		return "", err
	}
	user, err := e.store.Users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", model.NewError(model.ErrNotFound, model.ReasonUserNotFound, "user not found")
	}
	if user.StripeCustomerID == nil || strings.TrimSpace(*user.StripeCustomerID) == "" {
		return "", model.NewError(model.ErrNotFound, model.ReasonNoCustomer, "no billing account")
	}
	url, err := e.provider.CreatePortalSession(ctx, *user.StripeCustomerID, returnURL)
	if err != nil {
		return "", e.upstream("create portal session", err, "user_id", userID)
	}
	return url, nil
}
