package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"billing-sync-service/internal/domain/subscription"
	xerrors "billing-sync-service/internal/pkg/errors"
)

// Meta is the pagination block the ledger attaches to list responses.
type Meta struct {
	CurrentPage int `json:"current_page"`
	NextPage    int `json:"next_page,omitempty"`
	PrevPage    int `json:"prev_page,omitempty"`
	TotalPages  int `json:"total_pages"`
	TotalCount  int `json:"total_count,omitempty"`
}

// HasMore is false once the reported page reaches the reported total.
func (m Meta) HasMore() bool {
	return m.CurrentPage < m.TotalPages
}

type CustomerMetadata struct {
	Key              string `json:"key"`
	Value            string `json:"value"`
	DisplayInInvoice bool   `json:"display_in_invoice"`
}

type Customer struct {
	LagoID       string             `json:"lago_id,omitempty"`
	ExternalID   string             `json:"external_id"`
	Name         string             `json:"name,omitempty"`
	Email        string             `json:"email,omitempty"`
	AddressLine1 string             `json:"address_line1,omitempty"`
	Phone        string             `json:"phone,omitempty"`
	Metadata     []CustomerMetadata `json:"metadata,omitempty"`
}

// CustomerInput is what callers hand to CreateCustomer and UpdateCustomer.
type CustomerInput struct {
	ExternalID string
	Name       string
	Email      string
	Address    string
	Phone      string
	Metadata   []CustomerMetadata
}

type Plan struct {
	LagoID         string                     `json:"lago_id,omitempty"`
	Code           string                     `json:"code"`
	Name           string                     `json:"name"`
	Description    string                     `json:"description,omitempty"`
	AmountCents    int64                      `json:"amount_cents"`
	AmountCurrency string                     `json:"amount_currency,omitempty"`
	Interval       string                     `json:"interval,omitempty"`
	TrialPeriod    float64                    `json:"trial_period,omitempty"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Features reads metadata.features, falling back to metadata.特性. Operators
// fill either key as a JSON array of strings or as one comma-separated string.
func (p *Plan) Features() []string {
	raw, ok := p.Metadata["features"]
	if !ok {
		raw, ok = p.Metadata["特性"]
	}
	if !ok || len(raw) == 0 {
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return compact(list)
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		return compact(strings.Split(joined, ","))
	}
	return nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type PlanPage struct {
	Plans []Plan `json:"plans"`
	Meta  Meta   `json:"meta"`
}

type planRef struct {
	Name string `json:"name,omitempty"`
	Code string `json:"code,omitempty"`
}

// Subscription is the wire shape of a ledger subscription.
type Subscription struct {
	LagoID             string   `json:"lago_id,omitempty"`
	ExternalID         string   `json:"external_id"`
	ExternalCustomerID string   `json:"external_customer_id"`
	PlanCode           string   `json:"plan_code"`
	Name               string   `json:"name,omitempty"`
	Status             string   `json:"status"`
	SubscriptionAt     *string  `json:"subscription_at,omitempty"`
	StartedAt          *string  `json:"started_at,omitempty"`
	EndingAt           *string  `json:"ending_at,omitempty"`
	TerminatedAt       *string  `json:"terminated_at,omitempty"`
	CreatedAt          *string  `json:"created_at,omitempty"`
	Plan               *planRef `json:"plan,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type SubscriptionPage struct {
	Subscriptions []Subscription `json:"subscriptions"`
	Meta          Meta           `json:"meta"`
}

// CreateSubscriptionInput carries caller dates as strings; they are
// normalized before they reach the wire.
type CreateSubscriptionInput struct {
	ExternalCustomerID string
	PlanCode           string
	Name               string
	ExternalID         string
	SubscriptionAt     string
	EndingAt           string
}

type Invoice struct {
	LagoID           string `json:"lago_id"`
	Number           string `json:"number"`
	Status           string `json:"status"`
	PaymentStatus    string `json:"payment_status"`
	Currency         string `json:"currency"`
	TotalAmountCents int64  `json:"total_amount_cents"`
	IssuingDate      string `json:"issuing_date"`
}

type InvoicePage struct {
	Invoices []Invoice `json:"invoices"`
	Meta     Meta      `json:"meta"`
}

// ToRecord converts the wire shape into the reconciliation input. Dates the
// ledger sends in an unexpected layout are reported as a validation error.
func (s *Subscription) ToRecord() (*subscription.ExternalSubscriptionRecord, error) {
	rec := &subscription.ExternalSubscriptionRecord{
		ExternalID:         s.ExternalID,
		LedgerID:           s.LagoID,
		ExternalCustomerID: s.ExternalCustomerID,
		PlanCode:           s.PlanCode,
		Name:               s.Name,
		Status:             subscription.Status(s.Status),
		Raw:                s.Raw,
	}
	if rec.Status == "" {
		rec.Status = subscription.StatusPending
	}
	if s.Plan != nil {
		rec.PlanName = s.Plan.Name
	}

	fields := []struct {
		name string
		in   *string
		out  **time.Time
	}{
		{"subscription_at", s.SubscriptionAt, &rec.SubscriptionAt},
		{"started_at", s.StartedAt, &rec.StartedAt},
		{"ending_at", s.EndingAt, &rec.EndingAt},
		{"terminated_at", s.TerminatedAt, &rec.TerminatedAt},
		{"created_at", s.CreatedAt, &rec.CreatedAt},
	}
	for _, f := range fields {
		if f.in == nil || *f.in == "" {
			continue
		}
		t, err := ParseTime(*f.in)
		if err != nil {
			return rec, fmt.Errorf("subscription %s %s: %w", s.ExternalID, f.name, err)
		}
		*f.out = &t
	}
	if !rec.Status.Valid() {
		return rec, fmt.Errorf("subscription %s has unknown status %q: %w", s.ExternalID, s.Status, xerrors.ErrValidation)
	}
	return rec, nil
}

// decodeSubscriptions unmarshals each raw element and keeps the original bytes.
func decodeSubscriptions(raws []json.RawMessage) ([]Subscription, error) {
	out := make([]Subscription, 0, len(raws))
	for _, raw := range raws {
		var s Subscription
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		s.Raw = raw
		out = append(out, s)
	}
	return out, nil
}

func decodePlans(raws []json.RawMessage) ([]Plan, error) {
	out := make([]Plan, 0, len(raws))
	for _, raw := range raws {
		var p Plan
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		p.Raw = raw
		out = append(out, p)
	}
	return out, nil
}
