package tenancy

import (
	"context"
	"fmt"

	"billing-sync-service/internal/domain/tenant"
	"billing-sync-service/internal/ledger"

	"go.uber.org/zap"
)

type CustomerLedger interface {
	SyncCustomer(ctx context.Context, externalID string, in ledger.CustomerInput) (*ledger.Customer, bool, error)
	GetInvoices(ctx context.Context, externalCustomerID string, page, perPage int) (*ledger.InvoicePage, error)
}

type CustomerService struct {
	tenants TenantStore
	ledger  CustomerLedger
	logger  *zap.Logger
}

func NewCustomerService(tenants TenantStore, l CustomerLedger, logger *zap.Logger) *CustomerService {
	return &CustomerService{tenants: tenants, ledger: l, logger: logger}
}

// SyncTenantCustomer pushes the tenant's contact details to the ledger and
// stores the ledger customer id on the tenant.
func (s *CustomerService) SyncTenantCustomer(ctx context.Context, tenantID int64) (*tenant.LedgerCustomerResponse, error) {
	t, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant %d: %w", tenantID, err)
	}

	cust, created, err := s.ledger.SyncCustomer(ctx, t.ExternalCustomerID(), CustomerInputFor(t, ""))
	if err != nil {
		return nil, err
	}

	ledgerID := CustomerIDOf(cust, t)
	if err := s.tenants.SetLedgerCustomerID(ctx, t.ID, ledgerID); err != nil {
		return nil, fmt.Errorf("save ledger customer id: %w", err)
	}

	s.logger.Info("tenant synced to ledger",
		zap.Int64("tenant_id", t.ID),
		zap.String("ledger_customer_id", ledgerID),
		zap.Bool("created", created),
	)
	return &tenant.LedgerCustomerResponse{TenantID: t.ID, LedgerCustomerID: ledgerID, Created: created}, nil
}

// ListInvoices proxies the ledger invoice listing for one tenant.
func (s *CustomerService) ListInvoices(ctx context.Context, tenantID int64, page, perPage int) (*ledger.InvoicePage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	t := tenant.Tenant{ID: tenantID}
	return s.ledger.GetInvoices(ctx, t.ExternalCustomerID(), page, perPage)
}

// CustomerInputFor builds the ledger payload for a tenant. fallbackEmail is
// used when the tenant has none on file.
func CustomerInputFor(t *tenant.Tenant, fallbackEmail string) ledger.CustomerInput {
	in := ledger.CustomerInput{
		ExternalID: t.ExternalCustomerID(),
		Name:       t.Name,
		Email:      fallbackEmail,
	}
	if t.Email.Valid && t.Email.String != "" {
		in.Email = t.Email.String
	}
	if t.Phone.Valid {
		in.Phone = t.Phone.String
	}
	if t.Address.Valid {
		in.Address = t.Address.String
	}
	return in
}

// CustomerIDOf picks the id to store for a ledger customer: the ledger's own
// id, then the external id, then the tenant id.
func CustomerIDOf(c *ledger.Customer, t *tenant.Tenant) string {
	switch {
	case c != nil && c.LagoID != "":
		return c.LagoID
	case c != nil && c.ExternalID != "":
		return c.ExternalID
	}
	return t.ExternalCustomerID()
}
