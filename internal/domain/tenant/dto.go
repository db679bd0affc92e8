// internal/domain/tenant/dto.go
package tenant

// LedgerCustomerResponse is returned after pushing a tenant to the ledger.
type LedgerCustomerResponse struct {
	TenantID         int64  `json:"tenant_id"`
	LedgerCustomerID string `json:"ledger_customer_id"`
	Created          bool   `json:"created"`
}
