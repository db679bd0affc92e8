// internal/domain/tenant/entity.go
package tenant

import (
	"database/sql"
	"strconv"
	"time"
)

// Tenant is owned by the account subsystem. This service only reads it and
// back-fills LedgerCustomerID.
type Tenant struct {
	ID               int64          `json:"id" db:"id"`
	Name             string         `json:"name" db:"name"`
	Email            sql.NullString `json:"email,omitempty" db:"email"`
	Phone            sql.NullString `json:"phone,omitempty" db:"phone"`
	Address          sql.NullString `json:"address,omitempty" db:"address"`
	LedgerCustomerID sql.NullString `json:"ledger_customer_id,omitempty" db:"ledger_customer_id"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// ExternalCustomerID is the id the ledger knows this tenant by.
func (t *Tenant) ExternalCustomerID() string {
	return strconv.FormatInt(t.ID, 10)
}

func (t *Tenant) HasLedgerCustomer() bool {
	return t.LedgerCustomerID.Valid && t.LedgerCustomerID.String != ""
}
