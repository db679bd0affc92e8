// internal/repository/postgres/tenant_repo.go
package postgres

import (
	"context"
	"fmt"

	"billing-sync-service/internal/domain/tenant"
	xerrors "billing-sync-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
)

const tenantColumns = `id, name, email, phone, address, ledger_customer_id, created_at, updated_at`

type TenantRepository struct {
	db Querier
}

func NewTenantRepository(db Querier) *TenantRepository {
	return &TenantRepository{db: db}
}

func (r *TenantRepository) FindByID(ctx context.Context, id int64) (*tenant.Tenant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

// FindByEmail is an exact match served by idx_tenants_email.
func (r *TenantRepository) FindByEmail(ctx context.Context, email string) (*tenant.Tenant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE email = $1 ORDER BY id LIMIT 1`, email)
	return scanTenant(row)
}

func (r *TenantRepository) SetLedgerCustomerID(ctx context.Context, id int64, ledgerCustomerID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tenants SET ledger_customer_id = $2, updated_at = NOW()
		WHERE id = $1`, id, ledgerCustomerID)
	if err != nil {
		return fmt.Errorf("failed to set ledger customer id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

func scanTenant(row pgx.Row) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Email, &t.Phone, &t.Address, &t.LedgerCustomerID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "scan tenant")
	}
	return &t, nil
}
