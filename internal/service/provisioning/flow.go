// Package provisioning turns a paid checkout into a ledger subscription and
// the local records that mirror it.
package provisioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"billing-sync-service/internal/domain/payment"
	"billing-sync-service/internal/domain/plan"
	"billing-sync-service/internal/domain/subscription"
	"billing-sync-service/internal/domain/tenant"
	"billing-sync-service/internal/gateway"
	"billing-sync-service/internal/ledger"
	"billing-sync-service/internal/metrics"
	xerrors "billing-sync-service/internal/pkg/errors"
	"billing-sync-service/internal/service/tenancy"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type Gateway interface {
	CreateCheckoutSession(ctx context.Context, in gateway.CheckoutInput) (*gateway.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*gateway.CheckoutSession, error)
	ConstructEvent(payload []byte, signature string) (*gateway.Event, error)
}

type Ledger interface {
	CreateCustomer(ctx context.Context, in ledger.CustomerInput) (*ledger.Customer, error)
	CreateSubscription(ctx context.Context, in ledger.CreateSubscriptionInput) (*ledger.Subscription, error)
}

type TenantStore interface {
	FindByID(ctx context.Context, id int64) (*tenant.Tenant, error)
	SetLedgerCustomerID(ctx context.Context, id int64, ledgerCustomerID string) error
}

type SubscriptionStore interface {
	Create(ctx context.Context, s *subscription.Subscription) error
	ListAll(ctx context.Context, scope subscription.Scope) ([]*subscription.Subscription, error)
}

type PaymentStore interface {
	Create(ctx context.Context, p *payment.Payment) error
	FindBySessionID(ctx context.Context, sessionID string) (*payment.Payment, error)
	FindByTransactionID(ctx context.Context, transactionID string) (*payment.Payment, error)
	Update(ctx context.Context, p *payment.Payment) error
	UpdateStatus(ctx context.Context, id int64, status payment.Status) error
}

type PlanCatalog interface {
	GetActiveByCode(ctx context.Context, code string) (*plan.Plan, error)
}

// Limiter counts attempts per key in a fixed window.
type Limiter interface {
	Attempt(ctx context.Context, key string, max int64, window time.Duration) (bool, int64, error)
}

type Notifier interface {
	NotifyTenant(tenantID int64, eventType string, payload interface{})
}

const EventSubscriptionProvisioned = "billing.subscription.provisioned"

type Config struct {
	SuccessURL string
	CancelURL  string
	// SubscribeLimit attempts per tenant per SubscribeWindow.
	SubscribeLimit  int64
	SubscribeWindow time.Duration
}

type Deps struct {
	Gateway       Gateway
	Ledger        Ledger
	Tenants       TenantStore
	Subscriptions SubscriptionStore
	Payments      PaymentStore
	Plans         PlanCatalog
	Limiter       Limiter
	Notifier      Notifier
	Metrics       *metrics.Metrics
}

type Flow struct {
	Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewFlow(deps Deps, cfg Config, logger *zap.Logger) *Flow {
	if cfg.SubscribeLimit <= 0 {
		cfg.SubscribeLimit = 10
	}
	if cfg.SubscribeWindow <= 0 {
		cfg.SubscribeWindow = 10 * time.Minute
	}
	return &Flow{
		Deps:   deps,
		cfg:    cfg,
		logger: logger.Named("provisioning"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const maxSessionIDLength = 500

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// SanitizeSessionID strips markup and enforces presence and length.
func SanitizeSessionID(raw string) (string, error) {
	id := strings.TrimSpace(tagPattern.ReplaceAllString(raw, ""))
	if id == "" {
		return "", fmt.Errorf("payment session ID is required: %w", xerrors.ErrValidation)
	}
	if len(id) > maxSessionIDLength {
		return "", fmt.Errorf("payment session ID is too long: %w", xerrors.ErrValidation)
	}
	return id, nil
}

// NewExternalID mints the correlation id sent to the ledger on create.
func NewExternalID() string {
	return "sub_" + strings.ToLower(ulid.Make().String())
}

// CompleteCheckout provisions the subscription behind a paid checkout
// session. Repeated callbacks for the same session are absorbed.
func (f *Flow) CompleteCheckout(ctx context.Context, tenantID int64, rawSessionID string) (*Outcome, error) {
	out, err := f.completeCheckout(ctx, tenantID, rawSessionID)
	if err != nil {
		f.Metrics.RecordProvisioning("failed")
		f.logger.Error("payment processing failed",
			zap.Int64("tenant_id", tenantID),
			zap.Error(err),
		)
		return nil, err
	}
	f.Metrics.RecordProvisioning(string(out.Kind))
	return out, nil
}

func (f *Flow) completeCheckout(ctx context.Context, tenantID int64, rawSessionID string) (*Outcome, error) {
	sessionID, err := SanitizeSessionID(rawSessionID)
	if err != nil {
		return nil, err
	}

	sess, err := f.Gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve payment session: %w", err)
	}
	if !sess.IsPaid() {
		f.logger.Info("checkout session not paid",
			zap.String("session_id", sessionID),
			zap.String("payment_status", sess.PaymentStatus),
		)
		return &Outcome{Kind: OutcomeNotPaid, Message: msgNotPaid}, nil
	}

	t, err := f.Tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("unable to load tenant %d: %v: %w", tenantID, err, xerrors.ErrTenantResolution)
	}

	planCode := sess.Metadata["plan_code"]
	planName := sess.Metadata["plan_name"]
	if planName == "" {
		planName = "Unknown Plan"
	}
	if planCode == "" {
		return nil, fmt.Errorf("missing plan information on session %s: %w", sessionID, xerrors.ErrValidation)
	}

	existing, err := f.Payments.FindBySessionID(ctx, sessionID)
	switch {
	case err == nil && existing.IsCompleted():
		f.logger.Info("payment already processed", zap.String("session_id", sessionID))
		return alreadyProcessed(existing), nil
	case err != nil && !errors.Is(err, xerrors.ErrNotFound):
		return nil, fmt.Errorf("check existing payment for session %s: %w", sessionID, err)
	case err != nil:
		existing = nil
	}

	if err := f.ensureLedgerCustomer(ctx, t, sess.CustomerEmail); err != nil {
		return nil, err
	}

	now := f.now()
	externalID := NewExternalID()
	f.logger.Info("creating ledger subscription",
		zap.Int64("tenant_id", t.ID),
		zap.String("plan_code", planCode),
		zap.String("external_id", externalID),
	)
	ls, err := f.Ledger.CreateSubscription(ctx, ledger.CreateSubscriptionInput{
		ExternalCustomerID: t.ExternalCustomerID(),
		PlanCode:           planCode,
		ExternalID:         externalID,
		SubscriptionAt:     ledger.FormatTime(now),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger subscription: %w", err)
	}

	sub := localSubscription(t.ID, externalID, planCode, planName, ls, now)
	if err := f.Subscriptions.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to store subscription %s: %w", externalID, err)
	}

	p, err := f.settlePayment(ctx, existing, t.ID, sub, sess, planCode, planName, now)
	if err != nil {
		if errors.Is(err, xerrors.ErrPersistenceConflict) {
			if winner, findErr := f.Payments.FindBySessionID(ctx, sessionID); findErr == nil {
				f.logger.Info("payment recorded by a concurrent callback", zap.String("session_id", sessionID))
				return alreadyProcessed(winner), nil
			}
		}
		return nil, err
	}

	f.logger.Info("payment processed successfully",
		zap.Int64("payment_id", p.ID),
		zap.Int64("subscription_id", sub.ID),
		zap.Int64("tenant_id", t.ID),
	)
	out := &Outcome{
		Kind:           OutcomeProvisioned,
		PlanName:       sub.PlanName,
		CorrelationID:  sub.LedgerSubscriptionID.String,
		Amount:         p.Amount,
		Currency:       p.Currency,
		SubscriptionID: sub.ID,
		PaymentID:      p.ID,
	}
	out.Message = fmt.Sprintf("Your %s subscription has been activated. Subscription ID: %s. Payment Amount: %.2f %s",
		out.PlanName, out.CorrelationID, out.Amount, out.Currency)
	if f.Notifier != nil {
		f.Notifier.NotifyTenant(t.ID, EventSubscriptionProvisioned, out)
	}
	return out, nil
}

func alreadyProcessed(p *payment.Payment) *Outcome {
	out := &Outcome{Kind: OutcomeAlreadyProcessed, Message: msgAlreadyProcessed, PaymentID: p.ID}
	if p.SubscriptionID.Valid {
		out.SubscriptionID = p.SubscriptionID.Int64
	}
	return out
}

// ensureLedgerCustomer creates the ledger customer once per tenant.
func (f *Flow) ensureLedgerCustomer(ctx context.Context, t *tenant.Tenant, sessionEmail string) error {
	if t.HasLedgerCustomer() {
		f.logger.Debug("using existing ledger customer",
			zap.Int64("tenant_id", t.ID),
			zap.String("ledger_customer_id", t.LedgerCustomerID.String),
		)
		return nil
	}

	cust, err := f.Ledger.CreateCustomer(ctx, tenancy.CustomerInputFor(t, sessionEmail))
	if err != nil {
		return fmt.Errorf("failed to create ledger customer: %w", err)
	}
	id := tenancy.CustomerIDOf(cust, t)
	if err := f.Tenants.SetLedgerCustomerID(ctx, t.ID, id); err != nil {
		return fmt.Errorf("failed to store ledger customer id: %w", err)
	}
	t.LedgerCustomerID = sql.NullString{String: id, Valid: true}
	f.logger.Info("ledger customer created",
		zap.Int64("tenant_id", t.ID),
		zap.String("ledger_customer_id", id),
	)
	return nil
}

func localSubscription(tenantID int64, externalID, planCode, planName string, ls *ledger.Subscription, now time.Time) *subscription.Subscription {
	s := &subscription.Subscription{
		TenantID:             tenantID,
		LedgerSubscriptionID: sql.NullString{String: ls.LedgerIDOrFallback(ulid.Make().String()), Valid: true},
		LedgerExternalID:     sql.NullString{String: externalID, Valid: true},
		PlanCode:             planCode,
		PlanName:             planName,
		Status:               subscription.Status(ls.Status),
		SubscriptionAt:       sql.NullTime{Time: now, Valid: true},
		StartedAt:            sql.NullTime{Time: now, Valid: true},
		LedgerData:           ls.Raw,
	}
	if ls.Plan != nil && ls.Plan.Name != "" {
		s.PlanName = ls.Plan.Name
	}
	if !s.Status.Valid() {
		s.Status = subscription.StatusActive
	}
	if ls.StartedAt != nil {
		if t, err := ledger.ParseTime(*ls.StartedAt); err == nil {
			s.StartedAt = sql.NullTime{Time: t, Valid: true}
		}
	}
	if ls.EndingAt != nil {
		if t, err := ledger.ParseTime(*ls.EndingAt); err == nil {
			s.EndingAt = sql.NullTime{Time: t, Valid: true}
		}
	}
	return s
}

func sessionMetadata(sess *gateway.CheckoutSession) map[string]interface{} {
	meta := make(map[string]interface{}, len(sess.Metadata))
	for k, v := range sess.Metadata {
		meta[k] = v
	}
	meta["session_id"] = sess.ID
	meta["payment_status"] = sess.PaymentStatus
	meta["payment_intent"] = sess.PaymentIntentID
	meta["amount_total"] = sess.AmountTotal
	meta["currency"] = sess.Currency
	if sess.CustomerEmail != "" {
		meta["customer_email"] = sess.CustomerEmail
	}
	return meta
}

// settlePayment completes the pending row written at subscribe time, or
// records a completed payment when there is none.
func (f *Flow) settlePayment(ctx context.Context, existing *payment.Payment, tenantID int64, sub *subscription.Subscription,
	sess *gateway.CheckoutSession, planCode, planName string, now time.Time) (*payment.Payment, error) {
	txID := sql.NullString{String: sess.PaymentIntentID, Valid: sess.PaymentIntentID != ""}

	if existing != nil {
		existing.SubscriptionID = sql.NullInt64{Int64: sub.ID, Valid: true}
		existing.TransactionID = txID
		existing.Status = payment.StatusCompleted
		existing.PaidAt = sql.NullTime{Time: now, Valid: true}
		existing.MergeMetadata(sessionMetadata(sess))
		if err := f.Payments.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to complete payment %d: %w", existing.ID, err)
		}
		return existing, nil
	}

	currency := strings.ToUpper(sess.Currency)
	if currency == "" {
		currency = "USD"
	}
	p := &payment.Payment{
		TenantID:       tenantID,
		SubscriptionID: sql.NullInt64{Int64: sub.ID, Valid: true},
		Gateway:        payment.GatewayStripe,
		TransactionID:  txID,
		SessionID:      sql.NullString{String: sess.ID, Valid: true},
		PlanCode:       sql.NullString{String: planCode, Valid: true},
		Amount:         float64(sess.AmountTotal) / 100,
		Currency:       currency,
		Status:         payment.StatusCompleted,
		Description:    sql.NullString{String: "Payment for " + planName, Valid: true},
		Metadata:       sessionMetadata(sess),
		PaidAt:         sql.NullTime{Time: now, Valid: true},
	}
	if err := f.Payments.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	return p, nil
}

// Cancel has no side effects; the pending payment row is left for the
// tenant to retry against.
func (f *Flow) Cancel() *Outcome {
	return &Outcome{Kind: OutcomeCanceled, Message: msgCanceled}
}

// Subscribe opens a checkout session for planCode and records the pending
// payment. It returns the URL to send the tenant to.
func (f *Flow) Subscribe(ctx context.Context, tenantID int64, planCode string) (*payment.SubscribeResponse, error) {
	if f.Limiter != nil {
		allowed, _, err := f.Limiter.Attempt(ctx, "subscribe:"+strconv.FormatInt(tenantID, 10), f.cfg.SubscribeLimit, f.cfg.SubscribeWindow)
		switch {
		case err != nil:
			f.logger.Warn("subscribe rate limiter unavailable", zap.Error(err))
		case !allowed:
			return nil, xerrors.ErrRateLimited
		}
	}

	t, err := f.Tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("unable to load tenant %d: %w", tenantID, err)
	}
	p, err := f.Plans.GetActiveByCode(ctx, planCode)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", planCode, err)
	}

	description := ""
	if p.Description.Valid {
		description = p.Description.String
	}
	sess, err := f.Gateway.CreateCheckoutSession(ctx, gateway.CheckoutInput{
		PlanCode:      p.LedgerPlanCode,
		PlanName:      p.Name,
		Description:   description,
		AmountCents:   p.AmountCents,
		Currency:      p.AmountCurrency,
		CustomerEmail: t.Email.String,
		SuccessURL:    withSessionPlaceholder(f.cfg.SuccessURL),
		CancelURL:     f.cfg.CancelURL,
		Metadata: map[string]string{
			"tenant_id": t.ExternalCustomerID(),
			"plan_code": p.LedgerPlanCode,
			"plan_name": p.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment session: %w", err)
	}
	f.logger.Info("checkout session created",
		zap.String("session_id", sess.ID),
		zap.Int64("tenant_id", t.ID),
		zap.String("plan_code", p.LedgerPlanCode),
	)

	pending := &payment.Payment{
		TenantID:    t.ID,
		Gateway:     payment.GatewayStripe,
		SessionID:   sql.NullString{String: sess.ID, Valid: true},
		PlanCode:    sql.NullString{String: p.LedgerPlanCode, Valid: true},
		Amount:      p.Amount(),
		Currency:    strings.ToUpper(p.AmountCurrency),
		Status:      payment.StatusPending,
		Description: sql.NullString{String: "Payment for " + p.Name, Valid: true},
		Metadata: map[string]interface{}{
			"plan_code": p.LedgerPlanCode,
			"plan_name": p.Name,
			"tenant_id": t.ID,
		},
	}
	if err := f.Payments.Create(ctx, pending); err != nil {
		return nil, fmt.Errorf("failed to record pending payment: %w", err)
	}
	return &payment.SubscribeResponse{RedirectURL: sess.URL, SessionID: sess.ID}, nil
}

func withSessionPlaceholder(u string) string {
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "session_id={CHECKOUT_SESSION_ID}"
}

// ListSubscriptions returns the tenant's own subscriptions.
func (f *Flow) ListSubscriptions(ctx context.Context, tenantID int64) ([]*subscription.Subscription, error) {
	return f.Subscriptions.ListAll(ctx, subscription.ForTenant(tenantID))
}
