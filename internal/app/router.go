// internal/app/router.go
package app

import (
	"net/http"

	paymentHandler "billing-sync-service/internal/handlers/payment"
	plansHandler "billing-sync-service/internal/handlers/plans"
	reconcileHandler "billing-sync-service/internal/handlers/reconcile"
	tenantHandler "billing-sync-service/internal/handlers/tenant"
	webhookHandler "billing-sync-service/internal/handlers/webhook"
	wsHandler "billing-sync-service/internal/handlers/websocket"
	"billing-sync-service/internal/middleware"
	"billing-sync-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handlers struct {
	PaymentHandler   *paymentHandler.PaymentHandler
	PlansHandler     *plansHandler.PlansHandler
	ReconcileHandler *reconcileHandler.ReconcileHandler
	TenantHandler    *tenantHandler.TenantHandler
	WebhookHandler   *webhookHandler.WebhookHandler
	WSHandler        *wsHandler.WebSocketHandler
	AuthMiddleware   *middleware.AuthMiddleware
	// WebhookGuard runs before the webhook body is read.
	WebhookGuard gin.HandlerFunc
	Health       *Health
}

func SetupRouter(r *gin.Engine, gatherer prometheus.Gatherer, h *Handlers) {
	// ==================== Probes ====================
	r.GET("/health", h.Health.Handle)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")

	// ==================== Public ====================
	api.GET("/plans", h.PlansHandler.ListActive)

	webhooks := api.Group("/webhooks")
	if h.WebhookGuard != nil {
		webhooks.Use(h.WebhookGuard)
	}
	webhooks.POST("/stripe", h.WebhookHandler.Stripe)

	// Authenticates itself so a failed upgrade still answers with JSON
	api.GET("/ws", h.WSHandler.HandleConnection)

	// ==================== Tenant ====================
	billing := api.Group("/billing")
	billing.Use(h.AuthMiddleware.Auth())
	{
		billing.POST("/subscribe", h.PaymentHandler.Subscribe)
		billing.GET("/payment/success", h.PaymentHandler.Success)
		billing.GET("/payment/cancel", h.PaymentHandler.Cancel)
		billing.GET("/invoices", h.PaymentHandler.ListInvoices)
		billing.GET("/subscriptions", h.PaymentHandler.ListSubscriptions)
	}

	// ==================== Admin ====================
	admin := api.Group("/admin")
	admin.Use(h.AuthMiddleware.AdminOnly()...)
	{
		admin.POST("/reconcile", h.ReconcileHandler.Run)
		admin.DELETE("/subscriptions/:external_id", h.ReconcileHandler.Terminate)
		admin.POST("/plans/sync", h.PlansHandler.Sync)
		admin.POST("/tenants/:id/ledger-customer", h.TenantHandler.SyncLedgerCustomer)
		admin.GET("/ws/stats", h.WSHandler.GetStats)
	}

	r.NoRoute(func(c *gin.Context) {
		response.Error(c, http.StatusNotFound, "route not found", nil)
	})
}
