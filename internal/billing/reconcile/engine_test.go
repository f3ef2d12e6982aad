package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/database"
	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/store"
	"github.com/dukerupert/labeldesk/internal/billing/usage"
	"github.com/dukerupert/labeldesk/internal/middleware"
)

type fixture struct {
	store    *store.Store
	engine   *Engine
	ledger   *usage.Ledger
	provider *fakeProvider
	notifier *fakeNotifier
	now      time.Time
}

func setupEngine(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{now: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.store = store.New(db, store.WithClock(clock))
	f.ledger = usage.NewLedger(f.store, model.DefaultLimits(), middleware.NewRateLimiter(), slog.Default())
	f.provider = newFakeProvider(clock)
	f.notifier = &fakeNotifier{}
	f.engine = New(f.store, f.provider, f.notifier, f.ledger, slog.Default())
	return f
}

func (f *fixture) newUser(t *testing.T, email string) *model.User {
	t.Helper()
	ctx := context.Background()
	u, err := f.store.Users.Create(ctx, email, "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := f.store.Subscriptions.CreateFree(ctx, u.ID); err != nil {
		t.Fatalf("create free subscription: %v", err)
	}
	return u
}

func (f *fixture) periodEnd() *time.Time {
	end := f.now.AddDate(0, 1, 0)
	return &end
}

// providerSub registers a live subscription with the fake provider.
func (f *fixture) providerSub(id, customerID string, userID int64, plan model.Plan, extra map[string]string) ProviderSubscription {
	start := f.now
	meta := map[string]string{
		MetaUserID:        strconv.FormatInt(userID, 10),
		MetaPlan:          string(plan),
		MetaBillingPeriod: "monthly",
	}
	for k, v := range extra {
		meta[k] = v
	}
	ps := ProviderSubscription{
		ID:                 id,
		CustomerID:         customerID,
		Status:             "active",
		Plan:               plan,
		BillingPeriod:      model.PeriodMonthly,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   f.periodEnd(),
		Metadata:           meta,
	}
	f.provider.addSubscription(ps)
	return ps
}

func (f *fixture) handle(t *testing.T, ev Event) {
	t.Helper()
	if err := f.engine.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle %s: %v", ev.Kind(), err)
	}
}

func (f *fixture) checkout(t *testing.T, sessionID string, ps ProviderSubscription) {
	t.Helper()
	f.handle(t, CheckoutCompleted{
		EventID:        "evt_" + sessionID,
		SessionID:      sessionID,
		CustomerID:     ps.CustomerID,
		SubscriptionID: ps.ID,
		Metadata:       ps.Metadata,
	})
}

func (f *fixture) licenses(t *testing.T, userID int64) []model.License {
	t.Helper()
	ls, err := f.store.Licenses.ListByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("list licenses: %v", err)
	}
	return ls
}

func TestCheckoutCompletedFreshCustomer(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")

	ps := f.providerSub("sub_1", "cus_1", u.ID, model.PlanPlus, nil)
	f.checkout(t, "cs_1", ps)

	sub, err := f.store.Subscriptions.GetCurrentActive(ctx, u.ID)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if sub == nil || sub.Plan != model.PlanPlus || sub.Status != model.StatusActive {
		t.Fatalf("subscription = %+v, want active plus", sub)
	}
	if sub.ExternalSubscription() != "sub_1" || sub.ExternalCustomer() != "cus_1" {
		t.Errorf("external ids = %q/%q", sub.ExternalSubscription(), sub.ExternalCustomer())
	}

	ls := f.licenses(t, u.ID)
	if len(ls) != 1 {
		t.Fatalf("licenses = %d, want 1", len(ls))
	}
	if ls[0].Plan != model.PlanPlus || ls[0].Status != model.LicenseActive {
		t.Errorf("license = %+v, want active plus", ls[0])
	}
	if ls[0].ExpiresAt == nil || !ls[0].ExpiresAt.Equal(*ps.CurrentPeriodEnd) {
		t.Errorf("expires = %v, want %v", ls[0].ExpiresAt, ps.CurrentPeriodEnd)
	}
	if f.notifier.count() != 1 || f.notifier.sent[0].key != ls[0].Key {
		t.Errorf("notifications = %+v, want one with the license key", f.notifier.sent)
	}
	user, _ := f.store.Users.GetByID(ctx, u.ID)
	if user.StripeCustomerID == nil || *user.StripeCustomerID != "cus_1" {
		t.Errorf("user customer = %v, want cus_1", user.StripeCustomerID)
	}
}

func TestCheckoutCompletedReplayIsNoop(t *testing.T) {
	f := setupEngine(t)
	u := f.newUser(t, "alice@example.com")

	ps := f.providerSub("sub_1", "cus_1", u.ID, model.PlanPlus, nil)
	f.checkout(t, "cs_1", ps)
	f.checkout(t, "cs_1", ps)

	if ls := f.licenses(t, u.ID); len(ls) != 1 {
		t.Errorf("licenses = %d, want 1", len(ls))
	}
	subs, _ := f.store.Subscriptions.ListByUser(context.Background(), u.ID)
	if len(subs) != 1 {
		t.Errorf("subscriptions = %d, want 1", len(subs))
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", f.notifier.count())
	}
}

func TestCheckoutCompletedFallsBackToSessionMetadata(t *testing.T) {
	f := setupEngine(t)
	u := f.newUser(t, "alice@example.com")

	ps := f.providerSub("sub_1", "cus_1", u.ID, "", nil)
	ps.Metadata = nil
	ps.BillingPeriod = ""
	f.provider.addSubscription(ps)

	f.handle(t, CheckoutCompleted{
		EventID:        "evt_1",
		SessionID:      "cs_1",
		CustomerID:     "cus_1",
		CustomerEmail:  "alice@example.com",
		SubscriptionID: "sub_1",
		Metadata:       map[string]string{MetaPlan: "pro", MetaBillingPeriod: "yearly"},
	})

	sub, _ := f.store.Subscriptions.GetCurrentActive(context.Background(), u.ID)
	if sub == nil || sub.Plan != model.PlanPro || sub.BillingPeriod != model.PeriodYearly {
		t.Errorf("subscription = %+v, want pro yearly", sub)
	}
}

func TestCheckoutCompletedUnknownAccountIgnored(t *testing.T) {
	f := setupEngine(t)

	ps := f.providerSub("sub_1", "cus_1", 999, model.PlanPlus, nil)
	if err := f.engine.Handle(context.Background(), CheckoutCompleted{
		EventID: "evt_1", SessionID: "cs_1", CustomerID: "cus_1", SubscriptionID: ps.ID,
		CustomerEmail: "nobody@example.com",
	}); err != nil {
		t.Fatalf("expected unknown account to be ignored, got %v", err)
	}
}

func TestSubscriptionDeletedRevokesAndFallsBackToFree(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")

	ps := f.providerSub("sub_1", "cus_1", u.ID, model.PlanPlus, nil)
	f.checkout(t, "cs_1", ps)

	ps.Status = "canceled"
	f.handle(t, SubscriptionDeleted{EventID: "evt_del", Subscription: ps})

	subs, _ := f.store.Subscriptions.ListByUser(ctx, u.ID)
	for _, s := range subs {
		if s.ExternalSubscription() == "sub_1" && s.Status != model.StatusCancelled {
			t.Errorf("subscription status = %q, want cancelled", s.Status)
		}
	}
	ls := f.licenses(t, u.ID)
	if len(ls) != 1 || ls[0].Status != model.LicenseRevoked {
		t.Errorf("licenses = %+v, want one revoked", ls)
	}

	res, err := f.ledger.ValidateAndConsume(ctx, u.ID, "dev-1", 1)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Plan != model.PlanFree {
		t.Errorf("plan after deletion = %q, want free", res.Plan)
	}

	// Cancelled is terminal: a late update does not resurrect it.
	ps.Status = "active"
	f.handle(t, SubscriptionUpdated{EventID: "evt_late", Subscription: ps})
	if plan, _ := f.ledger.ResolvePlan(ctx, u.ID); plan != model.PlanFree {
		t.Errorf("plan after late update = %q, want free", plan)
	}
}

func TestSubscriptionUpdatedCascadesToLicense(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")

	ps := f.providerSub("sub_1", "cus_1", u.ID, model.PlanPlus, nil)
	f.checkout(t, "cs_1", ps)

	renewed := f.now.AddDate(0, 2, 0)
	ps.Plan = model.PlanPro
	ps.CurrentPeriodEnd = &renewed
	f.handle(t, SubscriptionUpdated{EventID: "evt_upd", Subscription: ps})

	sub, _ := f.store.Subscriptions.GetCurrentActive(ctx, u.ID)
	if sub.Plan != model.PlanPro {
		t.Errorf("plan = %q, want pro", sub.Plan)
	}
	l, _ := f.store.Licenses.GetActiveByUser(ctx, u.ID)
	if l == nil || l.Plan != model.PlanPro || !l.ExpiresAt.Equal(renewed) {
		t.Errorf("license = %+v, want pro until %v", l, renewed)
	}
}

func TestSubscriptionUpdatedUnknownIgnored(t *testing.T) {
	f := setupEngine(t)

	ps := ProviderSubscription{ID: "sub_x", CustomerID: "cus_x", Status: "active", Plan: model.PlanPlus}
	if err := f.engine.Handle(context.Background(), SubscriptionUpdated{EventID: "evt", Subscription: ps}); err != nil {
		t.Errorf("expected unknown subscription to be ignored, got %v", err)
	}
}

func TestInvoiceFailedThenPaid(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")

	ps := f.providerSub("sub_1", "cus_1", u.ID, model.PlanPlus, nil)
	f.checkout(t, "cs_1", ps)

	f.handle(t, InvoiceFailed{EventID: "evt_f", InvoiceID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1"})
	sub, _ := f.store.Subscriptions.GetByExternalSubscriptionID(ctx, "sub_1")
	if sub.Status != model.StatusPastDue {
		t.Fatalf("status = %q, want past_due", sub.Status)
	}
	if plan, _ := f.ledger.ResolvePlan(ctx, u.ID); plan != model.PlanFree {
		t.Errorf("plan while past due = %q, want free", plan)
	}

	f.handle(t, InvoicePaid{EventID: "evt_p", InvoiceID: "in_2", CustomerID: "cus_1", SubscriptionID: "sub_1"})
	sub, _ = f.store.Subscriptions.GetByExternalSubscriptionID(ctx, "sub_1")
	if sub.Status != model.StatusActive {
		t.Errorf("status = %q, want active", sub.Status)
	}
}

func TestInvoicePaidByCustomerBeforeSubscriptionLinked(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")

	// Customer attached to the free row, no subscription id yet.
	cur, _ := f.store.Subscriptions.GetCurrentActive(ctx, u.ID)
	if err := f.store.Subscriptions.AttachCustomer(ctx, cur.ID, "cus_1"); err != nil {
		t.Fatalf("attach customer: %v", err)
	}
	f.providerSub("sub_1", "cus_1", u.ID, model.PlanPlus, nil)

	f.handle(t, InvoicePaid{EventID: "evt_p", InvoiceID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1"})

	sub, _ := f.store.Subscriptions.GetByID(ctx, cur.ID)
	if sub.ExternalSubscription() != "sub_1" || sub.Plan != model.PlanPlus {
		t.Errorf("subscription = %+v, want linked plus", sub)
	}
}

func TestInvoicePaidUnknownIgnored(t *testing.T) {
	f := setupEngine(t)
	if err := f.engine.Handle(context.Background(), InvoicePaid{EventID: "evt", CustomerID: "cus_x", SubscriptionID: "sub_x"}); err != nil {
		t.Errorf("expected unknown invoice to be ignored, got %v", err)
	}
}

func TestSyncUserIdempotent(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")
	f.provider.customers["alice@example.com"] = "cus_1"
	f.providerSub("sub_1", "cus_1", u.ID, model.PlanPlus, nil)

	first, err := f.engine.SyncUser(ctx, u.ID, "")
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if first.Subscription.Plan != model.PlanPlus || first.License == nil {
		t.Fatalf("first sync = %+v", first)
	}
	second, err := f.engine.SyncUser(ctx, u.ID, "")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Created {
		t.Error("expected second sync to create nothing")
	}
	if second.Subscription.ID != first.Subscription.ID || second.License.ID != first.License.ID {
		t.Errorf("ids changed: sub %d->%d license %d->%d",
			first.Subscription.ID, second.Subscription.ID, first.License.ID, second.License.ID)
	}
	subs, _ := f.store.Subscriptions.ListByUser(ctx, u.ID)
	if len(subs) != 1 {
		t.Errorf("subscriptions = %d, want 1", len(subs))
	}
	if ls := f.licenses(t, u.ID); len(ls) != 1 {
		t.Errorf("licenses = %d, want 1", len(ls))
	}
}

func TestSyncUserFindsCustomerFromCheckoutSession(t *testing.T) {
	f := setupEngine(t)
	u := f.newUser(t, "alice@example.com")
	f.provider.sessions = append(f.provider.sessions, CheckoutSession{
		ID: "cs_1", Status: "complete", CustomerID: "cus_9",
		Metadata: map[string]string{MetaUserID: strconv.FormatInt(u.ID, 10)},
		Created:  f.now.Add(-time.Hour),
	})
	f.providerSub("sub_9", "cus_9", u.ID, model.PlanPro, nil)

	res, err := f.engine.SyncUser(context.Background(), u.ID, "")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.CustomerID != "cus_9" || res.Subscription.Plan != model.PlanPro {
		t.Errorf("sync = %+v", res)
	}
}

func TestSyncUserNoActiveSubscription(t *testing.T) {
	f := setupEngine(t)
	u := f.newUser(t, "alice@example.com")
	ps := f.providerSub("sub_1", "cus_1", u.ID, model.PlanPlus, nil)
	ps.Status = "canceled"
	f.provider.addSubscription(ps)

	_, err := f.engine.SyncUser(context.Background(), u.ID, "cus_1")
	if !errors.Is(err, model.ErrNotFound) || model.ReasonOf(err) != model.ReasonNoActiveSubscription {
		t.Errorf("err = %v, want no active subscription", err)
	}
}

func TestSyncUserRefusesForeignCustomer(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	victim := f.newUser(t, "victim@example.com")
	attacker := f.newUser(t, "mallory@example.com")
	f.checkout(t, "cs_v", f.providerSub("sub_v", "cus_victim", victim.ID, model.PlanPro, nil))

	_, err := f.engine.SyncUser(ctx, attacker.ID, "cus_victim")
	if !errors.Is(err, model.ErrForbidden) || model.ReasonOf(err) != model.ReasonCustomerNotOwned {
		t.Fatalf("err = %v, want customer not owned", err)
	}

	if plan, _ := f.ledger.ResolvePlan(ctx, attacker.ID); plan != model.PlanFree {
		t.Errorf("attacker plan = %q, want free", plan)
	}
	if ls := f.licenses(t, attacker.ID); len(ls) != 0 {
		t.Errorf("attacker licenses = %d, want 0", len(ls))
	}
	got, _ := f.store.Users.GetByID(ctx, attacker.ID)
	if got.StripeCustomerID != nil {
		t.Errorf("attacker customer = %q, want unset", *got.StripeCustomerID)
	}
	if _, err := f.engine.PortalURL(ctx, attacker.ID, "https://app.example.com/account"); model.ReasonOf(err) != model.ReasonNoCustomer {
		t.Errorf("portal err = %v, want no customer", err)
	}
	sub, _ := f.store.Subscriptions.GetCurrentActive(ctx, victim.ID)
	if sub == nil || sub.UserID != victim.ID || sub.Plan != model.PlanPro {
		t.Errorf("victim subscription = %+v", sub)
	}
}

func TestSyncUserRefusesUnlinkedCustomerOfOtherUser(t *testing.T) {
	f := setupEngine(t)
	other := f.newUser(t, "other@example.com")
	u := f.newUser(t, "alice@example.com")
	// Live on the provider but never seen locally.
	f.providerSub("sub_o", "cus_other", other.ID, model.PlanPlus, nil)

	_, err := f.engine.SyncUser(context.Background(), u.ID, "cus_other")
	if model.ReasonOf(err) != model.ReasonCustomerNotOwned {
		t.Errorf("err = %v, want customer not owned", err)
	}
}

func TestSyncUserAcceptsClaimedCustomerIssuedToUser(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")
	f.providerSub("sub_1", "cus_paid_elsewhere", u.ID, model.PlanPlus, nil)

	res, err := f.engine.SyncUser(ctx, u.ID, "cus_paid_elsewhere")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Subscription.Plan != model.PlanPlus || res.License == nil {
		t.Errorf("sync = %+v", res)
	}
	got, _ := f.store.Users.GetByID(ctx, u.ID)
	if got.StripeCustomerID == nil || *got.StripeCustomerID != "cus_paid_elsewhere" {
		t.Errorf("customer = %v, want cus_paid_elsewhere", got.StripeCustomerID)
	}
}

func TestStartCheckoutRejectsDowngradeWithoutProviderCalls(t *testing.T) {
	f := setupEngine(t)
	u := f.newUser(t, "alice@example.com")
	ps := f.providerSub("sub_1", "cus_1", u.ID, model.PlanPro, nil)
	f.checkout(t, "cs_1", ps)
	before := f.provider.callCount()
	subsBefore, _ := f.store.Subscriptions.ListByUser(context.Background(), u.ID)

	_, err := f.engine.StartCheckout(context.Background(), u.ID, model.PlanPlus, model.PeriodMonthly)
	if !errors.Is(err, model.ErrForbidden) || model.ReasonOf(err) != model.ReasonDowngrade {
		t.Fatalf("err = %v, want downgrade rejection", err)
	}
	if f.provider.callCount() != before {
		t.Errorf("provider calls = %d, want %d", f.provider.callCount(), before)
	}
	subsAfter, _ := f.store.Subscriptions.ListByUser(context.Background(), u.ID)
	if len(subsAfter) != len(subsBefore) || !subsAfter[0].UpdatedAt.Equal(subsBefore[0].UpdatedAt) {
		t.Error("expected no database writes on downgrade")
	}

	_, err = f.engine.StartCheckout(context.Background(), u.ID, model.PlanPro, model.PeriodMonthly)
	if !errors.Is(err, model.ErrConflict) || model.ReasonOf(err) != model.ReasonAlreadyOnPlan {
		t.Errorf("err = %v, want already on plan", err)
	}
}

func TestStartCheckoutFirstPurchaseAndReuse(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")

	first, err := f.engine.StartCheckout(ctx, u.ID, model.PlanPlus, model.PeriodMonthly)
	if err != nil {
		t.Fatalf("start checkout: %v", err)
	}
	if first.Reused || first.URL == "" {
		t.Errorf("first = %+v", first)
	}
	if len(f.provider.created) != 1 || f.provider.created[0].PreviousSubscriptionID != "" {
		t.Fatalf("created = %+v, want one fresh session", f.provider.created)
	}
	if f.provider.created[0].IdempotencyKey == "" {
		t.Error("expected an idempotency key")
	}
	user, _ := f.store.Users.GetByID(ctx, u.ID)
	if user.StripeCustomerID == nil {
		t.Error("expected customer to be stored")
	}

	f.now = f.now.Add(10 * time.Minute)
	second, err := f.engine.StartCheckout(ctx, u.ID, model.PlanPlus, model.PeriodMonthly)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !second.Reused || second.URL != first.URL {
		t.Errorf("second = %+v, want reuse of %s", second, first.URL)
	}
	if len(f.provider.created) != 1 {
		t.Errorf("sessions created = %d, want 1", len(f.provider.created))
	}

	if _, err := f.engine.StartCheckout(ctx, u.ID, model.PlanFree, model.PeriodMonthly); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("free checkout err = %v, want invalid input", err)
	}
}

func TestStartCheckoutUpgradeGuards(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")
	ps := f.providerSub("sub_old", "cus_1", u.ID, model.PlanPlus, nil)
	f.checkout(t, "cs_0", ps)

	res, err := f.engine.StartCheckout(ctx, u.ID, model.PlanPro, model.PeriodMonthly)
	if err != nil {
		t.Fatalf("start upgrade: %v", err)
	}
	req := f.provider.created[0]
	if req.PreviousSubscriptionID != "sub_old" || req.Metadata()[MetaUpgrade] != "true" {
		t.Errorf("upgrade request = %+v", req)
	}

	// The session completes but the webhook has not arrived yet.
	f.provider.mu.Lock()
	for i := range f.provider.sessions {
		if f.provider.sessions[i].ID == res.SessionID {
			f.provider.sessions[i].Status = "complete"
		}
	}
	f.provider.mu.Unlock()
	f.now = f.now.Add(2 * time.Minute)

	_, err = f.engine.StartCheckout(ctx, u.ID, model.PlanPro, model.PeriodMonthly)
	if !errors.Is(err, model.ErrConflict) || model.ReasonOf(err) != model.ReasonUpgradeCompleted {
		t.Errorf("err = %v, want upgrade already completed", err)
	}
}

func TestUpgradeCheckoutCompletedReusesRows(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")

	old := f.providerSub("sub_old", "cus_1", u.ID, model.PlanPlus, nil)
	f.checkout(t, "cs_0", old)
	before, _ := f.store.Subscriptions.GetCurrentActive(ctx, u.ID)
	license, _ := f.store.Licenses.GetActiveByUser(ctx, u.ID)

	next := f.providerSub("sub_new", "cus_1", u.ID, model.PlanPro, map[string]string{
		MetaUpgrade:              "true",
		MetaPreviousSubscription: "sub_old",
	})
	f.checkout(t, "cs_1", next)

	after, _ := f.store.Subscriptions.GetCurrentActive(ctx, u.ID)
	if after.ID != before.ID {
		t.Errorf("subscription id = %d, want reused %d", after.ID, before.ID)
	}
	if after.ExternalSubscription() != "sub_new" || after.Plan != model.PlanPro {
		t.Errorf("subscription = %+v, want sub_new/pro", after)
	}
	ls := f.licenses(t, u.ID)
	if len(ls) != 1 || ls[0].ID != license.ID || ls[0].Plan != model.PlanPro {
		t.Errorf("licenses = %+v, want the original license on pro", ls)
	}
	if len(f.provider.cancelled) != 1 || f.provider.cancelled[0] != "sub_old" {
		t.Errorf("cancelled = %v, want [sub_old]", f.provider.cancelled)
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifications = %d, want only the first purchase", f.notifier.count())
	}

	// The old subscription's deletion must not touch the upgraded row.
	old.Status = "canceled"
	f.handle(t, SubscriptionDeleted{EventID: "evt_del_old", Subscription: old})
	after, _ = f.store.Subscriptions.GetCurrentActive(ctx, u.ID)
	if after == nil || after.Plan != model.PlanPro {
		t.Errorf("current = %+v, want pro still active", after)
	}
	if l, _ := f.store.Licenses.GetActiveByUser(ctx, u.ID); l == nil {
		t.Error("expected license to stay active")
	}
}

func TestUpgradeCancelFailureDoesNotBlockActivation(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")

	old := f.providerSub("sub_old", "cus_1", u.ID, model.PlanPlus, nil)
	f.checkout(t, "cs_0", old)
	f.provider.cancelErr = errors.New("provider down")

	next := f.providerSub("sub_new", "cus_1", u.ID, model.PlanPro, map[string]string{
		MetaUpgrade:              "true",
		MetaPreviousSubscription: "sub_old",
	})
	f.checkout(t, "cs_1", next)

	if plan, _ := f.ledger.ResolvePlan(ctx, u.ID); plan != model.PlanPro {
		t.Errorf("plan = %q, want pro", plan)
	}
}

func TestAtMostOneActivePerUser(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")

	f.checkout(t, "cs_1", f.providerSub("sub_1", "cus_1", u.ID, model.PlanPlus, nil))
	f.checkout(t, "cs_2", f.providerSub("sub_2", "cus_2", u.ID, model.PlanPro, nil))
	f.engine.SyncUser(ctx, u.ID, "cus_1")

	if n, _ := f.store.Subscriptions.CountActive(ctx, u.ID); n != 1 {
		t.Errorf("active subscriptions = %d, want 1", n)
	}
	if n, _ := f.store.Licenses.CountActive(ctx, u.ID); n != 1 {
		t.Errorf("active licenses = %d, want 1", n)
	}
}

func TestPortalURL(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	u := f.newUser(t, "alice@example.com")

	_, err := f.engine.PortalURL(ctx, u.ID, "https://app.example.com/account")
	if model.ReasonOf(err) != model.ReasonNoCustomer {
		t.Errorf("err = %v, want no customer", err)
	}
	f.store.Users.UpdateStripeCustomerID(ctx, u.ID, "cus_1")
	url, err := f.engine.PortalURL(ctx, u.ID, "https://app.example.com/account")
	if err != nil {
		t.Fatalf("portal url: %v", err)
	}
	if url == "" {
		t.Error("expected portal url")
	}
}

func TestPaymentsNotConfigured(t *testing.T) {
	f := setupEngine(t)
	f.engine.provider = nil
	u := f.newUser(t, "alice@example.com")

	_, err := f.engine.StartCheckout(context.Background(), u.ID, model.PlanPlus, model.PeriodMonthly)
	if !errors.Is(err, model.ErrUpstream) || model.ReasonOf(err) != model.ReasonPaymentsNotConfigured {
		t.Errorf("err = %v, want payments not configured", err)
	}
}
