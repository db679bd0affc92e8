package provisioning

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"billing-sync-service/internal/domain/payment"
	"billing-sync-service/internal/domain/subscription"
	"billing-sync-service/internal/domain/tenant"
	"billing-sync-service/internal/gateway"
	"billing-sync-service/internal/ledger"
	xerrors "billing-sync-service/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)

type harness struct {
	flow     *Flow
	gw       *fakeGateway
	ledger   *mockLedger
	tenants  *fakeTenants
	subs     *fakeSubscriptions
	payments *fakePayments
	limiter  *fakeLimiter
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gw: &fakeGateway{sessions: map[string]*gateway.CheckoutSession{
			"cs_paid": {
				ID:              "cs_paid",
				PaymentStatus:   gateway.PaymentStatusPaid,
				PaymentIntentID: "pi_1",
				AmountTotal:     1999,
				Currency:        "usd",
				CustomerEmail:   "buyer@example.com",
				Metadata:        map[string]string{"tenant_id": "42", "plan_code": "pro", "plan_name": "Pro"},
			},
			"cs_unpaid": {ID: "cs_unpaid", PaymentStatus: "unpaid", Metadata: map[string]string{"plan_code": "pro"}},
			"cs_noplan": {ID: "cs_noplan", PaymentStatus: gateway.PaymentStatusPaid, Metadata: map[string]string{}},
		}},
		ledger: &mockLedger{},
		tenants: &fakeTenants{byID: map[int64]*tenant.Tenant{
			42: {ID: 42, Name: "Acme", Email: sql.NullString{String: "ops@acme.test", Valid: true}},
		}},
		subs:     &fakeSubscriptions{},
		payments: newFakePayments(),
		limiter:  &fakeLimiter{},
		notifier: &recordingNotifier{},
	}
	h.flow = NewFlow(Deps{
		Gateway:       h.gw,
		Ledger:        h.ledger,
		Tenants:       h.tenants,
		Subscriptions: h.subs,
		Payments:      h.payments,
		Plans: fakePlans{"pro": {
			LedgerPlanCode: "pro",
			Name:           "Pro",
			AmountCents:    1999,
			AmountCurrency: "usd",
			IsActive:       true,
		}},
		Limiter:  h.limiter,
		Notifier: h.notifier,
	}, Config{SuccessURL: "https://app.test/billing/success", CancelURL: "https://app.test/billing/cancel"}, zap.NewNop())
	h.flow.now = func() time.Time { return fixedNow }
	return h
}

func (h *harness) expectLedgerHappyPath() {
	h.ledger.On("CreateCustomer", mock.Anything, mock.MatchedBy(func(in ledger.CustomerInput) bool {
		return in.ExternalID == "42" && in.Email == "ops@acme.test"
	})).Return(&ledger.Customer{LagoID: "cus_lago_42", ExternalID: "42"}, nil)
	h.ledger.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(in ledger.CreateSubscriptionInput) bool {
		return in.ExternalCustomerID == "42" && in.PlanCode == "pro" && strings.HasPrefix(in.ExternalID, "sub_")
	})).Return(ledgerSubscription(`{"lago_id":"lago_sub_1","external_id":"x","status":"active","plan_code":"pro","plan":{"name":"Pro Monthly"},"started_at":"2025-11-20T12:00:05Z"}`), nil)
}

func TestSanitizeSessionID(t *testing.T) {
	got, err := SanitizeSessionID("  <b>cs_test_123</b> ")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_123", got)

	for name, in := range map[string]string{
		"empty":     "",
		"only tags": "<script></script>",
		"too long":  strings.Repeat("a", 501),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := SanitizeSessionID(in)
			assert.ErrorIs(t, err, xerrors.ErrValidation)
		})
	}

	_, err = SanitizeSessionID(strings.Repeat("a", 500))
	assert.NoError(t, err)
}

func TestNewExternalID(t *testing.T) {
	a, b := NewExternalID(), NewExternalID()
	assert.True(t, strings.HasPrefix(a, "sub_"))
	assert.Len(t, a, 30)
	assert.Equal(t, strings.ToLower(a), a)
	assert.NotEqual(t, a, b)
}

func TestCompleteCheckout_Provisions(t *testing.T) {
	h := newHarness(t)
	h.expectLedgerHappyPath()

	out, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_paid")
	require.NoError(t, err)

	assert.Equal(t, OutcomeProvisioned, out.Kind)
	assert.Equal(t, "Pro Monthly", out.PlanName)
	assert.Equal(t, "lago_sub_1", out.CorrelationID)
	assert.InDelta(t, 19.99, out.Amount, 0.0001)
	assert.Equal(t, "USD", out.Currency)

	assert.Equal(t, "cus_lago_42", h.tenants.byID[42].LedgerCustomerID.String)

	require.Len(t, h.subs.rows, 1)
	sub := h.subs.rows[0]
	assert.Equal(t, int64(42), sub.TenantID)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.True(t, strings.HasPrefix(sub.ExternalID(), "sub_"))
	assert.Equal(t, fixedNow, sub.SubscriptionAt.Time)
	assert.Equal(t, time.Date(2025, 11, 20, 12, 0, 5, 0, time.UTC), sub.StartedAt.Time)
	assert.False(t, sub.EndingAt.Valid)

	p := h.payments.bySession("cs_paid")
	require.NotNil(t, p)
	assert.Equal(t, payment.StatusCompleted, p.Status)
	assert.Equal(t, "pi_1", p.TransactionID.String)
	assert.Equal(t, "Payment for Pro", p.Description.String)
	assert.Equal(t, payment.GatewayStripe, p.Gateway)
	assert.Equal(t, sub.ID, p.SubscriptionID.Int64)

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, int64(42), h.notifier.events[0].tenantID)
	assert.Equal(t, EventSubscriptionProvisioned, h.notifier.events[0].eventType)
}

func TestCompleteCheckout_DoubleCallbackIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	h.expectLedgerHappyPath()

	first, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_paid")
	require.NoError(t, err)
	require.Equal(t, OutcomeProvisioned, first.Kind)

	second, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_paid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, second.Kind)
	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)

	h.ledger.AssertNumberOfCalls(t, "CreateSubscription", 1)
	h.ledger.AssertNumberOfCalls(t, "CreateCustomer", 1)
	assert.Len(t, h.subs.rows, 1)
	assert.Equal(t, 1, h.payments.creates)
}

func TestCompleteCheckout_CompletesPendingPayment(t *testing.T) {
	h := newHarness(t)
	h.expectLedgerHappyPath()
	h.payments.insert(&payment.Payment{
		TenantID:  42,
		Gateway:   payment.GatewayStripe,
		SessionID: sql.NullString{String: "cs_paid", Valid: true},
		Amount:    19.99,
		Currency:  "USD",
		Status:    payment.StatusPending,
		Metadata:  map[string]interface{}{"plan_code": "pro", "origin": "subscribe"},
	})

	out, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_paid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProvisioned, out.Kind)

	assert.Zero(t, h.payments.creates)
	p := h.payments.bySession("cs_paid")
	assert.Equal(t, payment.StatusCompleted, p.Status)
	assert.Equal(t, "pi_1", p.TransactionID.String)
	assert.True(t, p.PaidAt.Valid)
	assert.Equal(t, "subscribe", p.Metadata["origin"])
	assert.Equal(t, "paid", p.Metadata["payment_status"])
}

func TestCompleteCheckout_NotPaidHasNoSideEffects(t *testing.T) {
	h := newHarness(t)

	out, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_unpaid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotPaid, out.Kind)
	h.ledger.AssertNotCalled(t, "CreateCustomer", mock.Anything, mock.Anything)
	h.ledger.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)
	assert.Empty(t, h.subs.rows)
	assert.Empty(t, h.payments.rows)
}

func TestCompleteCheckout_Failures(t *testing.T) {
	t.Run("missing plan code", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_noplan")
		assert.ErrorIs(t, err, xerrors.ErrValidation)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.flow.CompleteCheckout(context.Background(), 7, "cs_paid")
		assert.ErrorIs(t, err, xerrors.ErrTenantResolution)
	})

	t.Run("unknown session", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_missing")
		assert.ErrorIs(t, err, xerrors.ErrNotFound)
	})

	t.Run("ledger subscription create fails", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.On("CreateCustomer", mock.Anything, mock.Anything).Return(&ledger.Customer{LagoID: "cus_1"}, nil)
		h.ledger.On("CreateSubscription", mock.Anything, mock.Anything).
			Return(nil, errors.New("ledger returned 422"))

		_, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_paid")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create ledger subscription")
		assert.Empty(t, h.subs.rows)
		assert.Empty(t, h.payments.rows)
	})
}

func TestCompleteCheckout_ReusesLedgerCustomer(t *testing.T) {
	h := newHarness(t)
	h.tenants.byID[42].LedgerCustomerID = sql.NullString{String: "cus_existing", Valid: true}
	h.ledger.On("CreateSubscription", mock.Anything, mock.Anything).
		Return(ledgerSubscription(`{"external_id":"x","status":""}`), nil)

	out, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_paid")
	require.NoError(t, err)

	h.ledger.AssertNotCalled(t, "CreateCustomer", mock.Anything, mock.Anything)
	assert.Equal(t, "Pro", out.PlanName)
	sub := h.subs.rows[0]
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.NotEmpty(t, sub.LedgerSubscriptionID.String, "falls back to a generated id")
	assert.Equal(t, fixedNow, sub.StartedAt.Time)
}

func TestCompleteCheckout_ConcurrentPaymentInsert(t *testing.T) {
	h := newHarness(t)
	h.expectLedgerHappyPath()
	h.payments.raceWinner = &payment.Payment{
		TenantID:  42,
		SessionID: sql.NullString{String: "cs_paid", Valid: true},
		Status:    payment.StatusCompleted,
	}

	out, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_paid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, out.Kind)
	assert.Len(t, h.payments.rows, 1)
}

func TestCompleteCheckout_PaymentLookupFailureStopsProvisioning(t *testing.T) {
	h := newHarness(t)
	h.payments.findErr = errors.New("connection reset by peer")

	out, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_paid")
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "connection reset by peer")

	h.ledger.AssertNotCalled(t, "CreateCustomer", mock.Anything, mock.Anything)
	h.ledger.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)
	assert.Empty(t, h.subs.rows)
	assert.Empty(t, h.payments.rows)
	assert.Empty(t, h.notifier.events)
}

func TestCompleteCheckout_ConcurrentSettlementOfPendingPayment(t *testing.T) {
	h := newHarness(t)
	h.expectLedgerHappyPath()
	h.payments.insert(&payment.Payment{
		TenantID:  42,
		SessionID: sql.NullString{String: "cs_paid", Valid: true},
		Currency:  "USD",
		Status:    payment.StatusPending,
	})
	// the other callback settles the same pending row after this one read it
	h.payments.beforeUpdate = func(rows map[int64]*payment.Payment) {
		for _, p := range rows {
			p.Status = payment.StatusCompleted
			p.SubscriptionID = sql.NullInt64{Int64: 500, Valid: true}
		}
	}

	out, err := h.flow.CompleteCheckout(context.Background(), 42, "cs_paid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, out.Kind)
	assert.Equal(t, int64(500), out.SubscriptionID)

	p := h.payments.bySession("cs_paid")
	assert.Equal(t, int64(500), p.SubscriptionID.Int64, "the winner's settlement is kept")
	assert.Len(t, h.payments.rows, 1)
	assert.Empty(t, h.notifier.events)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	out := h.flow.Cancel()
	assert.Equal(t, OutcomeCanceled, out.Kind)
	assert.NotEmpty(t, out.Message)
	assert.Empty(t, h.payments.rows)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t)

	resp, err := h.flow.Subscribe(context.Background(), 42, "pro")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", resp.SessionID)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", resp.RedirectURL)

	require.Len(t, h.gw.created, 1)
	in := h.gw.created[0]
	assert.Equal(t, "https://app.test/billing/success?session_id={CHECKOUT_SESSION_ID}", in.SuccessURL)
	assert.Equal(t, "https://app.test/billing/cancel", in.CancelURL)
	assert.Equal(t, int64(1999), in.AmountCents)
	assert.Equal(t, "ops@acme.test", in.CustomerEmail)
	assert.Equal(t, map[string]string{"tenant_id": "42", "plan_code": "pro", "plan_name": "Pro"}, in.Metadata)

	p := h.payments.bySession("cs_test_1")
	require.NotNil(t, p)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Equal(t, "USD", p.Currency)
	assert.InDelta(t, 19.99, p.Amount, 0.0001)
	assert.Equal(t, "Payment for Pro", p.Description.String)
}

func TestSubscribe_Errors(t *testing.T) {
	t.Run("unknown plan", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.flow.Subscribe(context.Background(), 42, "enterprise")
		assert.ErrorIs(t, err, xerrors.ErrNotFound)
		assert.Empty(t, h.gw.created)
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t)
		h.limiter.max = 2
		for i := 0; i < 2; i++ {
			_, err := h.flow.Subscribe(context.Background(), 42, "pro")
			require.NoError(t, err)
		}
		_, err := h.flow.Subscribe(context.Background(), 42, "pro")
		assert.ErrorIs(t, err, xerrors.ErrRateLimited)
		assert.Len(t, h.gw.created, 2)
	})

	t.Run("limiter outage does not block", func(t *testing.T) {
		h := newHarness(t)
		h.limiter.err = errors.New("redis down")
		_, err := h.flow.Subscribe(context.Background(), 42, "pro")
		assert.NoError(t, err)
	})
}

func TestWithSessionPlaceholder(t *testing.T) {
	assert.Equal(t, "https://a.test/ok?session_id={CHECKOUT_SESSION_ID}", withSessionPlaceholder("https://a.test/ok"))
	assert.Equal(t, "https://a.test/ok?x=1&session_id={CHECKOUT_SESSION_ID}", withSessionPlaceholder("https://a.test/ok?x=1"))
}

func TestListSubscriptions_ScopedToTenant(t *testing.T) {
	h := newHarness(t)
	h.subs.rows = []*subscription.Subscription{{ID: 1, TenantID: 42}, {ID: 2, TenantID: 7}}

	got, err := h.flow.ListSubscriptions(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
}
