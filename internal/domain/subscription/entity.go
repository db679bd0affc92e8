// internal/domain/subscription/entity.go
package subscription

import (
	"database/sql"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
	StatusCanceled   Status = "canceled"
)

// LedgerStatuses is the scan order used for fleet-wide listing.
var LedgerStatuses = []Status{StatusTerminated, StatusActive, StatusPending, StatusCanceled}

// IsTerminal reports whether the status is a permanent tombstone.
func (s Status) IsTerminal() bool {
	return s == StatusTerminated || s == StatusCanceled
}

// IsLive reports whether the status can still go missing from the ledger.
func (s Status) IsLive() bool {
	return s == StatusPending || s == StatusActive
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusTerminated, StatusCanceled:
		return true
	}
	return false
}

// Subscription is the local copy of a ledger subscription owned by one tenant.
type Subscription struct {
	ID                   int64          `json:"id" db:"id"`
	TenantID             int64          `json:"tenant_id" db:"tenant_id"`
	LedgerSubscriptionID sql.NullString `json:"ledger_subscription_id,omitempty" db:"ledger_subscription_id"`
	LedgerExternalID     sql.NullString `json:"ledger_external_id,omitempty" db:"ledger_external_id"`

	PlanCode string `json:"plan_code" db:"plan_code"`
	PlanName string `json:"plan_name" db:"plan_name"`
	Status   Status `json:"status" db:"status"`

	SubscriptionAt sql.NullTime `json:"subscription_at,omitempty" db:"subscription_at"`
	StartedAt      sql.NullTime `json:"started_at,omitempty" db:"started_at"`
	EndingAt       sql.NullTime `json:"ending_at,omitempty" db:"ending_at"`
	TerminatedAt   sql.NullTime `json:"terminated_at,omitempty" db:"terminated_at"`

	// Raw ledger payload as last seen
	LedgerData json.RawMessage `json:"ledger_data,omitempty" db:"ledger_data"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ExternalID returns the correlation id or "" when unset.
func (s *Subscription) ExternalID() string {
	if !s.LedgerExternalID.Valid {
		return ""
	}
	return s.LedgerExternalID.String
}

// ExternalSubscriptionRecord is the ledger's view of a subscription. It is
// never persisted as-is.
type ExternalSubscriptionRecord struct {
	ExternalID         string
	LedgerID           string
	ExternalCustomerID string
	PlanCode           string
	Name               string
	PlanName           string
	Status             Status
	SubscriptionAt     *time.Time
	StartedAt          *time.Time
	EndingAt           *time.Time
	TerminatedAt       *time.Time
	CreatedAt          *time.Time
	Raw                json.RawMessage

	// DecodeErr is set when the ledger sent fields we could not read. The
	// record still counts as present in the ledger.
	DecodeErr error
}

// DisplayName picks the best available human name for the plan.
func (r *ExternalSubscriptionRecord) DisplayName() string {
	switch {
	case r.Name != "":
		return r.Name
	case r.PlanName != "":
		return r.PlanName
	case r.PlanCode != "":
		return r.PlanCode
	}
	return "Unknown Plan"
}

// ExternalIndex maps external_id to the ledger record.
type ExternalIndex map[string]*ExternalSubscriptionRecord

func (idx ExternalIndex) Contains(externalID string) bool {
	if externalID == "" {
		return false
	}
	_, ok := idx[externalID]
	return ok
}
