// internal/handlers/tenant/tenant_handler.go
package tenant

import (
	"context"
	"net/http"
	"strconv"

	"billing-sync-service/internal/domain/tenant"
	"billing-sync-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

type CustomerSyncer interface {
	SyncTenantCustomer(ctx context.Context, tenantID int64) (*tenant.LedgerCustomerResponse, error)
}

type TenantHandler struct {
	customers CustomerSyncer
}

func NewTenantHandler(customers CustomerSyncer) *TenantHandler {
	return &TenantHandler{customers: customers}
}

// SyncLedgerCustomer pushes the tenant's contact details to the ledger.
func (h *TenantHandler) SyncLedgerCustomer(c *gin.Context) {
	tenantID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || tenantID <= 0 {
		response.ValidationError(c, "invalid tenant ID", err)
		return
	}

	result, err := h.customers.SyncTenantCustomer(c.Request.Context(), tenantID)
	if err != nil {
		response.FromError(c, "failed to sync ledger customer", err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	response.Success(c, status, "ledger customer synced", result)
}
