package provisioning

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"billing-sync-service/internal/domain/payment"
	"billing-sync-service/internal/domain/plan"
	"billing-sync-service/internal/domain/subscription"
	"billing-sync-service/internal/domain/tenant"
	"billing-sync-service/internal/gateway"
	"billing-sync-service/internal/ledger"
	xerrors "billing-sync-service/internal/pkg/errors"

	"github.com/stretchr/testify/mock"
)

const webhookSecret = "whsec_provisioning_test"

type fakeGateway struct {
	sessions map[string]*gateway.CheckoutSession
	created  []gateway.CheckoutInput
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, in gateway.CheckoutInput) (*gateway.CheckoutSession, error) {
	g.created = append(g.created, in)
	id := fmt.Sprintf("cs_test_%d", len(g.created))
	return &gateway.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id, Metadata: in.Metadata}, nil
}

func (g *fakeGateway) GetCheckoutSession(_ context.Context, id string) (*gateway.CheckoutSession, error) {
	if s, ok := g.sessions[id]; ok {
		return s, nil
	}
	return nil, xerrors.ErrNotFound
}

func (g *fakeGateway) ConstructEvent(payload []byte, signature string) (*gateway.Event, error) {
	return gateway.VerifyEvent(payload, signature, webhookSecret)
}

func sign(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

type mockLedger struct{ mock.Mock }

func (m *mockLedger) CreateCustomer(ctx context.Context, in ledger.CustomerInput) (*ledger.Customer, error) {
	args := m.Called(ctx, in)
	c, _ := args.Get(0).(*ledger.Customer)
	return c, args.Error(1)
}

func (m *mockLedger) CreateSubscription(ctx context.Context, in ledger.CreateSubscriptionInput) (*ledger.Subscription, error) {
	args := m.Called(ctx, in)
	s, _ := args.Get(0).(*ledger.Subscription)
	return s, args.Error(1)
}

// ledgerSubscription decodes a wire body the way the client would.
func ledgerSubscription(body string) *ledger.Subscription {
	var s ledger.Subscription
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		panic(err)
	}
	s.Raw = json.RawMessage(body)
	return &s
}

type fakeTenants struct {
	byID map[int64]*tenant.Tenant
}

func (f *fakeTenants) FindByID(_ context.Context, id int64) (*tenant.Tenant, error) {
	if t, ok := f.byID[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeTenants) SetLedgerCustomerID(_ context.Context, id int64, ledgerID string) error {
	t, ok := f.byID[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	t.LedgerCustomerID.String, t.LedgerCustomerID.Valid = ledgerID, true
	return nil
}

type fakeSubscriptions struct {
	rows []*subscription.Subscription
}

func (f *fakeSubscriptions) Create(_ context.Context, s *subscription.Subscription) error {
	s.ID = int64(len(f.rows) + 1)
	f.rows = append(f.rows, s)
	return nil
}

func (f *fakeSubscriptions) ListAll(_ context.Context, scope subscription.Scope) ([]*subscription.Subscription, error) {
	var out []*subscription.Subscription
	for _, s := range f.rows {
		if scope.Fleet || s.TenantID == scope.TenantID {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakePayments struct {
	mu         sync.Mutex
	rows       map[int64]*payment.Payment
	nextID     int64
	creates    int
	statuses   int
	failStatus error
	// raceWinner is inserted just before the next Create, as if another
	// callback got there first.
	raceWinner *payment.Payment
	// beforeUpdate runs ahead of the next Update, under the lock.
	beforeUpdate func(rows map[int64]*payment.Payment)
	findErr      error
}

func newFakePayments() *fakePayments {
	return &fakePayments{rows: map[int64]*payment.Payment{}}
}

func (f *fakePayments) insert(p *payment.Payment) {
	f.nextID++
	p.ID = f.nextID
	cp := *p
	f.rows[p.ID] = &cp
}

func (f *fakePayments) Create(_ context.Context, p *payment.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raceWinner != nil {
		f.insert(f.raceWinner)
		f.raceWinner = nil
	}
	for _, existing := range f.rows {
		if existing.SessionID.Valid && existing.SessionID == p.SessionID {
			return fmt.Errorf("failed to create payment: %w", xerrors.ErrPersistenceConflict)
		}
	}
	f.creates++
	f.insert(p)
	return nil
}

func (f *fakePayments) FindBySessionID(_ context.Context, sessionID string) (*payment.Payment, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, p := range f.rows {
		if p.SessionID.String == sessionID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakePayments) FindByTransactionID(_ context.Context, txID string) (*payment.Payment, error) {
	for _, p := range f.rows {
		if p.TransactionID.String == txID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakePayments) Update(_ context.Context, p *payment.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beforeUpdate != nil {
		f.beforeUpdate(f.rows)
		f.beforeUpdate = nil
	}
	current, ok := f.rows[p.ID]
	if !ok || current.IsCompleted() {
		return fmt.Errorf("payment %d already settled: %w", p.ID, xerrors.ErrPersistenceConflict)
	}
	cp := *p
	f.rows[p.ID] = &cp
	return nil
}

func (f *fakePayments) UpdateStatus(_ context.Context, id int64, status payment.Status) error {
	if f.failStatus != nil {
		return f.failStatus
	}
	p, ok := f.rows[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	f.statuses++
	p.Status = status
	return nil
}

func (f *fakePayments) bySession(id string) *payment.Payment {
	for _, p := range f.rows {
		if p.SessionID.String == id {
			return p
		}
	}
	return nil
}

type fakePlans map[string]*plan.Plan

func (f fakePlans) GetActiveByCode(_ context.Context, code string) (*plan.Plan, error) {
	if p, ok := f[code]; ok {
		return p, nil
	}
	return nil, xerrors.ErrNotFound
}

type fakeLimiter struct {
	count int64
	max   int64
	err   error
}

func (l *fakeLimiter) Attempt(_ context.Context, _ string, max int64, _ time.Duration) (bool, int64, error) {
	if l.err != nil {
		return false, 0, l.err
	}
	l.count++
	if l.max == 0 {
		l.max = max
	}
	return l.count <= l.max, l.max - l.count, nil
}

type tenantEvent struct {
	tenantID  int64
	eventType string
	payload   interface{}
}

type recordingNotifier struct{ events []tenantEvent }

func (n *recordingNotifier) NotifyTenant(tenantID int64, eventType string, payload interface{}) {
	n.events = append(n.events, tenantEvent{tenantID, eventType, payload})
}
