// internal/domain/subscription/dto.go
package subscription

import "time"

// Scope selects which tenants a store call may see. Fleet scope is only used
// by the reconciliation pass.
type Scope struct {
	TenantID int64
	Fleet    bool
}

func ForTenant(tenantID int64) Scope { return Scope{TenantID: tenantID} }

func FleetWide() Scope { return Scope{Fleet: true} }

// SubscriptionResponse is the tenant-facing projection.
type SubscriptionResponse struct {
	ID                   int64      `json:"id"`
	LedgerSubscriptionID string     `json:"ledger_subscription_id,omitempty"`
	LedgerExternalID     string     `json:"ledger_external_id,omitempty"`
	PlanCode             string     `json:"plan_code"`
	PlanName             string     `json:"plan_name"`
	Status               Status     `json:"status"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	EndingAt             *time.Time `json:"ending_at,omitempty"`
	TerminatedAt         *time.Time `json:"terminated_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

func ToResponse(s *Subscription) SubscriptionResponse {
	resp := SubscriptionResponse{
		ID:        s.ID,
		PlanCode:  s.PlanCode,
		PlanName:  s.PlanName,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
	}
	if s.LedgerSubscriptionID.Valid {
		resp.LedgerSubscriptionID = s.LedgerSubscriptionID.String
	}
	if s.LedgerExternalID.Valid {
		resp.LedgerExternalID = s.LedgerExternalID.String
	}
	if s.StartedAt.Valid {
		resp.StartedAt = &s.StartedAt.Time
	}
	if s.EndingAt.Valid {
		resp.EndingAt = &s.EndingAt.Time
	}
	if s.TerminatedAt.Valid {
		resp.TerminatedAt = &s.TerminatedAt.Time
	}
	return resp
}
