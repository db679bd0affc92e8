// Package tenancy maps ledger customers to local tenants and keeps the
// tenant's ledger customer record in step.
package tenancy

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"billing-sync-service/internal/domain/tenant"
	"billing-sync-service/internal/ledger"
	xerrors "billing-sync-service/internal/pkg/errors"

	"go.uber.org/zap"
)

type TenantStore interface {
	FindByID(ctx context.Context, id int64) (*tenant.Tenant, error)
	FindByEmail(ctx context.Context, email string) (*tenant.Tenant, error)
	SetLedgerCustomerID(ctx context.Context, id int64, ledgerCustomerID string) error
}

type CustomerLookup interface {
	GetCustomer(ctx context.Context, externalID string) (*ledger.Customer, error)
}

type Resolver struct {
	tenants   TenantStore
	customers CustomerLookup
	logger    *zap.Logger
}

func NewResolver(tenants TenantStore, customers CustomerLookup, logger *zap.Logger) *Resolver {
	return &Resolver{tenants: tenants, customers: customers, logger: logger}
}

// ResolveByExternalCustomerID returns the local tenant for a ledger customer
// id, or nil. Lookup errors are logged and reported as absence.
//
// The external id is the tenant id in the common case. Otherwise the ledger
// customer's email is matched against tenants.email with one indexed query.
func (r *Resolver) ResolveByExternalCustomerID(ctx context.Context, externalID string) *tenant.Tenant {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil
	}

	if id, err := strconv.ParseInt(externalID, 10, 64); err == nil && id > 0 {
		t, err := r.tenants.FindByID(ctx, id)
		switch {
		case err == nil:
			return t
		case !errors.Is(err, xerrors.ErrNotFound):
			r.logger.Warn("tenant lookup by id failed",
				zap.String("external_customer_id", externalID), zap.Error(err))
		}
	}

	cust, err := r.customers.GetCustomer(ctx, externalID)
	if err != nil {
		r.logger.Warn("ledger customer lookup failed",
			zap.String("external_customer_id", externalID), zap.Error(err))
		return nil
	}
	if cust == nil || cust.Email == "" {
		return nil
	}

	t, err := r.tenants.FindByEmail(ctx, cust.Email)
	if err != nil {
		if !errors.Is(err, xerrors.ErrNotFound) {
			r.logger.Warn("tenant lookup by email failed",
				zap.String("external_customer_id", externalID), zap.Error(err))
		}
		return nil
	}
	r.logger.Info("tenant matched by ledger customer email",
		zap.String("external_customer_id", externalID),
		zap.Int64("tenant_id", t.ID),
	)
	return t
}
