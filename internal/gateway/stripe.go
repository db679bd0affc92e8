// Package gateway wraps the Stripe checkout and webhook APIs behind the small
// surface the provisioning flow needs.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "billing-sync-service/internal/pkg/errors"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

const PaymentStatusPaid = "paid"

// CheckoutSession is the subset of a Stripe checkout session we act on.
type CheckoutSession struct {
	ID              string
	URL             string
	PaymentStatus   string
	PaymentIntentID string
	AmountTotal     int64
	Currency        string
	CustomerEmail   string
	Metadata        map[string]string
}

func (s *CheckoutSession) IsPaid() bool { return s.PaymentStatus == PaymentStatusPaid }

// CheckoutInput describes a one-off payment for a single plan.
type CheckoutInput struct {
	PlanCode      string
	PlanName      string
	Description   string
	AmountCents   int64
	Currency      string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// Event is a verified webhook event.
type Event struct {
	ID   string
	Type string
	Data json.RawMessage
}

type Config struct {
	SecretKey     string
	WebhookSecret string
}

type Stripe struct {
	webhookSecret string
}

// NewStripe sets the process-wide Stripe key. One key per process is all
// this service needs.
func NewStripe(cfg Config) (*Stripe, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key missing: %w", xerrors.ErrConfiguration)
	}
	stripe.Key = cfg.SecretKey
	return &Stripe{webhookSecret: cfg.WebhookSecret}, nil
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(strings.ToLower(in.Currency)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(in.PlanName),
					Description: stringOrNil(in.Description),
				},
				UnitAmount: stripe.Int64(in.AmountCents),
			},
			Quantity: stripe.Int64(1),
		}},
		Metadata: in.Metadata,
	}
	if in.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(in.CustomerEmail)
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", wrapStripe(err))
	}
	return fromStripe(sess), nil
}

func (s *Stripe) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session: %w", wrapStripe(err))
	}
	return fromStripe(sess), nil
}

// ConstructEvent verifies the Stripe-Signature header against the raw body.
func (s *Stripe) ConstructEvent(payload []byte, signature string) (*Event, error) {
	return VerifyEvent(payload, signature, s.webhookSecret)
}

// VerifyEvent checks the signature and decodes the event envelope. API
// version drift between the account and the SDK is tolerated.
func VerifyEvent(payload []byte, signature, secret string) (*Event, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret missing: %w", xerrors.ErrConfiguration)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook signature: %v: %w", err, xerrors.ErrValidation)
	}
	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data != nil {
		out.Data = ev.Data.Raw
	}
	return out, nil
}

func fromStripe(sess *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:            sess.ID,
		URL:           sess.URL,
		PaymentStatus: string(sess.PaymentStatus),
		AmountTotal:   sess.AmountTotal,
		Currency:      string(sess.Currency),
		CustomerEmail: sess.CustomerEmail,
		Metadata:      sess.Metadata,
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	if out.CustomerEmail == "" && sess.CustomerDetails != nil {
		out.CustomerEmail = sess.CustomerDetails.Email
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out
}

// wrapStripe tags network and API failures so handlers answer 502, and a
// missing session as not found.
func wrapStripe(err error) error {
	if se, ok := err.(*stripe.Error); ok {
		if se.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%s: %w", se.Msg, xerrors.ErrNotFound)
		}
		if se.Type == stripe.ErrorTypeInvalidRequest {
			return fmt.Errorf("%s: %w", se.Msg, xerrors.ErrValidation)
		}
	}
	return fmt.Errorf("%v: %w", err, xerrors.ErrTransport)
}

func stringOrNil(v string) *string {
	if v == "" {
		return nil
	}
	return stripe.String(v)
}
