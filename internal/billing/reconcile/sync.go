package reconcile

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/store"
)

// checkoutSearchWindow bounds the checkout sessions scanned when a user's
// customer cannot be found by id or email.
const checkoutSearchWindow = 24 * time.Hour

// SyncResult is the local state after a manual sync.
type SyncResult struct {
	Subscription *model.Subscription `json:"subscription"`
	License      *model.License      `json:"license"`
	CustomerID   string              `json:"customerId"`
	Created      bool                `json:"created"`
}

// SyncUser pulls the user's live subscription from the provider and writes
// it locally. A customerID other than the user's linked one is accepted only
// when its live subscription was issued to the user. Running it again without provider-side changes leaves the same
// rows in place. Concurrent calls for the same user share one run.
func (e *Engine) SyncUser(ctx context.Context, userID int64, customerID string) (*SyncResult, error) {
	key := strconv.FormatInt(userID, 10) + ":" + strings.TrimSpace(customerID)
	v, err, _ := e.syncs.Do(key, func() (any, error) {
		return e.syncUser(ctx, userID, strings.TrimSpace(customerID))
	})
	if err != nil {
		return nil, err
	}
	return v.(*SyncResult), nil
}

func (e *Engine) syncUser(ctx context.Context, userID int64, customerID string) (*SyncResult, error) {
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
	log := e.logger.With("user_id", userID)

	claimed := customerID != "" && (user.StripeCustomerID == nil || *user.StripeCustomerID != customerID)
	if claimed {
		owner, err := e.store.Users.GetByStripeCustomerID(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if owner != nil && owner.ID != userID {
			log.Warn("sync refused: customer linked to another user", "customer_id", customerID)
			return nil, errCustomerNotOwned()
		}
	}
	if customerID == "" {
		customerID, err = e.findCustomer(ctx, user)
		if err != nil {
			return nil, err
		}
	}
	if customerID == "" {
		return nil, model.NewError(model.ErrNotFound, model.ReasonNoCustomer, "no billing account found for this user")
	}
	log = log.With("customer_id", customerID)

	subs, err := e.provider.ListSubscriptions(ctx, customerID)
	if err != nil {
		return nil, e.upstream("list subscriptions", err, "user_id", userID, "customer_id", customerID)
	}
	var live *ProviderSubscription
	for i := range subs {
		if subs[i].Usable() {
			live = &subs[i]
			break
		}
	}
	if live == nil {
		log.Info("sync found no active subscription")
		return nil, model.NewError(model.ErrNotFound, model.ReasonNoActiveSubscription, "no active subscription found")
	}
	if claimed && live.Metadata[MetaUserID] != formatID(userID) {
		log.Warn("sync refused: subscription not issued to user", "customer_id", customerID, "subscription_id", live.ID)
		return nil, errCustomerNotOwned()
	}
	if live.CustomerID == "" {
		live.CustomerID = customerID
	}
	if !live.Plan.Paid() {
		log.Warn("sync found subscription with unknown plan", "subscription_id", live.ID)
		return nil, model.NewError(model.ErrNotFound, model.ReasonNoActiveSubscription, "active subscription has no recognised plan")
	}

	res := &SyncResult{CustomerID: customerID}
	var created *model.License
	err = e.store.InTx(ctx, func(tx *store.Store) error {
		if err := linkCustomer(ctx, tx, user, customerID); err != nil {
			return err
		}
		sub, inserted, err := tx.Subscriptions.UpsertByCustomer(ctx, userID, customerID, updateFrom(*live, model.StatusActive))
		if err != nil {
			return err
		}
		if sub == nil {
			return nil
		}
		created, err = ensureLicense(ctx, tx, sub, "")
		if err != nil {
			return err
		}
		res.Subscription = sub
		res.Created = inserted || created != nil
		res.License, err = tx.Licenses.GetActiveByUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created != nil {
		e.sendLicense(ctx, user, created)
	}
	log.Info("subscription synced", "subscription_id", live.ID, "plan", live.Plan, "created", res.Created)
	return res, nil
}

func errCustomerNotOwned() error {
	return model.NewError(model.ErrForbidden, model.ReasonCustomerNotOwned, "billing account does not belong to this user")
}

// findCustomer resolves the user's provider customer by stored id, then by
// email, then by a recent checkout session stamped with the user.
func (e *Engine) findCustomer(ctx context.Context, user *model.User) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}
	customerID, err := e.provider.FindCustomerByEmail(ctx, user.Email)
	if err != nil {
		return "", e.upstream("find customer", err, "user_id", user.ID)
	}
	if customerID != "" {
		return customerID, nil
	}
	sessions, err := e.provider.ListCheckoutSessions(ctx, "", e.store.Now().Add(-checkoutSearchWindow))
	if err != nil {
		return "", e.upstream("list checkout sessions", err, "user_id", user.ID)
	}
	uid := strconv.FormatInt(user.ID, 10)
	for _, s := range sessions {
		if s.CustomerID == "" {
			continue
		}
		if s.Metadata[MetaUserID] == uid || strings.EqualFold(s.CustomerEmail, user.Email) {
			return s.CustomerID, nil
		}
	}
	return "", nil
}
