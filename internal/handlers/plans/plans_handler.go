// internal/handlers/plans/plans_handler.go
package plans

import (
	"context"
	"net/http"

	"billing-sync-service/internal/domain/plan"
	"billing-sync-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

type Catalog interface {
	ListActive(ctx context.Context) ([]plan.PlanView, error)
	SyncFromLedger(ctx context.Context) (*plan.SyncResult, error)
}

type PlansHandler struct {
	catalog Catalog
}

func NewPlansHandler(catalog Catalog) *PlansHandler {
	return &PlansHandler{catalog: catalog}
}

// ListActive is public: it backs the pricing page.
func (h *PlansHandler) ListActive(c *gin.Context) {
	plans, err := h.catalog.ListActive(c.Request.Context())
	if err != nil {
		response.FromError(c, "failed to list plans", err)
		return
	}

	response.Success(c, http.StatusOK, "plans retrieved", plans)
}

func (h *PlansHandler) Sync(c *gin.Context) {
	result, err := h.catalog.SyncFromLedger(c.Request.Context())
	if err != nil {
		response.FromError(c, "plan sync failed", err)
		return
	}

	response.Success(c, http.StatusOK, "plans synced", result)
}
