// internal/handlers/reconcile/reconcile_handler.go
package reconcile

import (
	"context"
	"net/http"
	"strings"

	"billing-sync-service/internal/domain/subscription"
	"billing-sync-service/internal/pkg/response"
	service "billing-sync-service/internal/service/reconcile"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Reconciler interface {
	Run(ctx context.Context) (*service.Summary, error)
	Terminate(ctx context.Context, externalID string) (*subscription.Subscription, error)
}

type ReconcileHandler struct {
	engine Reconciler
	logger *zap.Logger
}

func NewReconcileHandler(engine Reconciler, logger *zap.Logger) *ReconcileHandler {
	return &ReconcileHandler{
		engine: engine,
		logger: logger,
	}
}

// Run executes one reconciliation pass on the request goroutine.
func (h *ReconcileHandler) Run(c *gin.Context) {
	summary, err := h.engine.Run(c.Request.Context())
	if err != nil {
		h.logger.Error("manual reconciliation failed", zap.Error(err))
		response.FromError(c, "reconciliation failed", err)
		return
	}

	response.Success(c, http.StatusOK, "reconciliation completed", summary)
}

// Terminate ends a subscription in the ledger and mirrors it locally.
func (h *ReconcileHandler) Terminate(c *gin.Context) {
	externalID := strings.TrimSpace(c.Param("external_id"))
	if externalID == "" {
		response.ValidationError(c, "external_id is required", nil)
		return
	}

	sub, err := h.engine.Terminate(c.Request.Context(), externalID)
	if err != nil {
		response.FromError(c, "failed to terminate subscription", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription terminated", subscription.ToResponse(sub))
}
