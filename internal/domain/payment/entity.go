// internal/domain/payment/entity.go
package payment

import (
	"database/sql"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

const GatewayStripe = "stripe"

type Payment struct {
	ID             int64         `json:"id" db:"id"`
	TenantID       int64         `json:"tenant_id" db:"tenant_id"`
	SubscriptionID sql.NullInt64 `json:"subscription_id,omitempty" db:"subscription_id"`

	// Gateway references
	Gateway       string         `json:"gateway" db:"gateway"`
	TransactionID sql.NullString `json:"transaction_id,omitempty" db:"transaction_id"`
	SessionID     sql.NullString `json:"session_id,omitempty" db:"session_id"`

	PlanCode    sql.NullString `json:"plan_code,omitempty" db:"plan_code"`
	Amount      float64        `json:"amount" db:"amount"`
	Currency    string         `json:"currency" db:"currency"`
	Status      Status         `json:"status" db:"status"`
	Description sql.NullString `json:"description,omitempty" db:"description"`

	Metadata map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	PaidAt   sql.NullTime           `json:"paid_at,omitempty" db:"paid_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (p *Payment) IsCompleted() bool {
	return p.Status == StatusCompleted
}

// MergeMetadata overlays extra on the existing metadata, extra winning.
func (p *Payment) MergeMetadata(extra map[string]interface{}) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{}, len(extra))
	}
	for k, v := range extra {
		p.Metadata[k] = v
	}
}
