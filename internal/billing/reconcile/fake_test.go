package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

type fakeProvider struct {
	mu        sync.Mutex
	subs      map[string]ProviderSubscription
	customers map[string]string
	sessions  []CheckoutSession
	created   []CheckoutRequest
	cancelled []string
	cancelErr error
	calls     int
	now       func() time.Time
	seq       int
}

func newFakeProvider(now func() time.Time) *fakeProvider {
	return &fakeProvider{
		subs:      make(map[string]ProviderSubscription),
		customers: make(map[string]string),
		now:       now,
	}
}

func (p *fakeProvider) addSubscription(ps ProviderSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[ps.ID] = ps
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) GetSubscription(_ context.Context, id string) (*ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	ps, ok := p.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	return &ps, nil
}

func (p *fakeProvider) CancelSubscription(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.cancelled = append(p.cancelled, id)
	if p.cancelErr != nil {
		return p.cancelErr
	}
	if ps, ok := p.subs[id]; ok {
		ps.Status = "canceled"
		p.subs[id] = ps
	}
	return nil
}

func (p *fakeProvider) ListSubscriptions(_ context.Context, customerID string) ([]ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	var out []ProviderSubscription
	for _, ps := range p.subs {
		if ps.CustomerID == customerID {
			out = append(out, ps)
		}
	}
	return out, nil
}

func (p *fakeProvider) FindCustomerByEmail(_ context.Context, email string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.customers[email], nil
}

func (p *fakeProvider) CreateCustomer(_ context.Context, email string, _ int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.seq++
	id := fmt.Sprintf("cus_new%d", p.seq)
	p.customers[email] = id
	return id, nil
}

func (p *fakeProvider) ListCheckoutSessions(_ context.Context, customerID string, since time.Time) ([]CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	var out []CheckoutSession
	for _, s := range p.sessions {
		if (customerID == "" || s.CustomerID == customerID) && !s.Created.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.seq++
	p.created = append(p.created, req)
	s := CheckoutSession{
		ID:         fmt.Sprintf("cs_%d", p.seq),
		URL:        fmt.Sprintf("https://checkout.example.com/cs_%d", p.seq),
		Status:     "open",
		CustomerID: req.CustomerID,
		Metadata:   req.Metadata(),
		Created:    p.now(),
	}
	p.sessions = append(p.sessions, s)
	return &s, nil
}

func (p *fakeProvider) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return "https://billing.example.com/p/" + customerID, nil
}

type sentKey struct {
	to   string
	key  string
	plan model.Plan
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentKey
}

func (n *fakeNotifier) SendLicenseKey(_ context.Context, to, key string, plan model.Plan, _ *time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentKey{to: to, key: key, plan: plan})
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}
