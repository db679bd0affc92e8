// internal/handlers/payment/payment_handler.go
package payment

import (
	"context"
	"net/http"
	"strconv"

	"billing-sync-service/internal/domain/payment"
	"billing-sync-service/internal/domain/subscription"
	"billing-sync-service/internal/ledger"
	"billing-sync-service/internal/middleware"
	"billing-sync-service/internal/pkg/response"
	"billing-sync-service/internal/service/provisioning"

	"github.com/gin-gonic/gin"
)

// Checkout is the tenant-facing side of the provisioning flow.
type Checkout interface {
	Subscribe(ctx context.Context, tenantID int64, planCode string) (*payment.SubscribeResponse, error)
	CompleteCheckout(ctx context.Context, tenantID int64, sessionID string) (*provisioning.Outcome, error)
	Cancel() *provisioning.Outcome
	ListSubscriptions(ctx context.Context, tenantID int64) ([]*subscription.Subscription, error)
}

type InvoiceLister interface {
	ListInvoices(ctx context.Context, tenantID int64, page, perPage int) (*ledger.InvoicePage, error)
}

type PaymentHandler struct {
	checkout Checkout
	invoices InvoiceLister
}

func NewPaymentHandler(checkout Checkout, invoices InvoiceLister) *PaymentHandler {
	return &PaymentHandler{
		checkout: checkout,
		invoices: invoices,
	}
}

// Subscribe starts a hosted checkout and returns where to send the tenant.
func (h *PaymentHandler) Subscribe(c *gin.Context) {
	tenantID := middleware.MustGetTenantID(c)

	var req payment.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	result, err := h.checkout.Subscribe(c.Request.Context(), tenantID, req.PlanCode)
	if err != nil {
		response.FromError(c, "failed to start checkout", err)
		return
	}

	response.Success(c, http.StatusOK, "checkout session created", result)
}

// Success is the redirect target after the gateway collects payment.
func (h *PaymentHandler) Success(c *gin.Context) {
	tenantID := middleware.MustGetTenantID(c)

	var req payment.SuccessRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.ValidationError(c, "session_id is required", err)
		return
	}

	outcome, err := h.checkout.CompleteCheckout(c.Request.Context(), tenantID, req.SessionID)
	if err != nil {
		response.FromError(c, "failed to complete checkout", err)
		return
	}

	status := http.StatusOK
	if outcome.Kind == provisioning.OutcomeNotPaid {
		status = http.StatusPaymentRequired
	}
	response.Success(c, status, outcome.Message, outcome)
}

func (h *PaymentHandler) Cancel(c *gin.Context) {
	outcome := h.checkout.Cancel()
	response.Success(c, http.StatusOK, outcome.Message, outcome)
}

func (h *PaymentHandler) ListSubscriptions(c *gin.Context) {
	tenantID := middleware.MustGetTenantID(c)

	subs, err := h.checkout.ListSubscriptions(c.Request.Context(), tenantID)
	if err != nil {
		response.FromError(c, "failed to list subscriptions", err)
		return
	}

	out := make([]subscription.SubscriptionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, subscription.ToResponse(s))
	}
	response.Success(c, http.StatusOK, "subscriptions retrieved", out)
}

func (h *PaymentHandler) ListInvoices(c *gin.Context) {
	tenantID := middleware.MustGetTenantID(c)

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	result, err := h.invoices.ListInvoices(c.Request.Context(), tenantID, page, perPage)
	if err != nil {
		response.FromError(c, "failed to list invoices", err)
		return
	}

	response.Success(c, http.StatusOK, "invoices retrieved", result)
}
