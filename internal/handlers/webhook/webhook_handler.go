// internal/handlers/webhook/webhook_handler.go
package webhook

import (
	"context"
	"io"
	"net/http"

	xerrors "billing-sync-service/internal/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Stripe caps event payloads well below this.
const maxPayloadBytes = 64 * 1024

type Processor interface {
	Handle(ctx context.Context, payload []byte, signature string) error
}

// WebhookHandler answers in the gateway's own shape rather than the API
// envelope.
type WebhookHandler struct {
	processor Processor
	logger    *zap.Logger
}

func NewWebhookHandler(processor Processor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		processor: processor,
		logger:    logger,
	}
}

func (h *WebhookHandler) Stripe(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if len(payload) > maxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	if err := h.processor.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		status := xerrors.HTTPStatus(err)
		h.logger.Warn("stripe webhook rejected",
			zap.Error(err),
			zap.Int("status", status),
			zap.String("ip", c.ClientIP()),
		)
		msg := err.Error()
		if status >= http.StatusInternalServerError {
			msg = xerrors.ErrInternal.Error()
		}
		// a non-2xx makes the gateway redeliver later
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
