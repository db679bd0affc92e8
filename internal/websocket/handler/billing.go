// internal/websocket/handler/billing.go
package handler

import (
	"context"
	"fmt"

	"billing-sync-service/internal/domain/subscription"
	wstypes "billing-sync-service/internal/domain/websocket"
	ws "billing-sync-service/internal/websocket"
)

// SubscriptionLister returns a tenant's own subscriptions.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, tenantID int64) ([]*subscription.Subscription, error)
}

// BillingHandler answers billing queries over an open connection.
type BillingHandler struct {
	subscriptions SubscriptionLister
}

func NewBillingHandler(subscriptions SubscriptionLister) *BillingHandler {
	return &BillingHandler{subscriptions: subscriptions}
}

func (h *BillingHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{
		wstypes.EventTypeSubscriptionsList,
	}
}

func (h *BillingHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	switch msg.Type {
	case wstypes.EventTypeSubscriptionsList:
		return h.handleList(ctx, client)
	default:
		return fmt.Errorf("unsupported event type: %s", msg.Type)
	}
}

// handleList never crosses tenants: the id comes from the token, not the message.
func (h *BillingHandler) handleList(ctx context.Context, client *ws.Client) error {
	subs, err := h.subscriptions.ListSubscriptions(ctx, client.TenantID())
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]subscription.SubscriptionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, subscription.ToResponse(s))
	}
	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeSubscriptions, map[string]interface{}{
		"subscriptions": out,
		"count":         len(out),
	}))
	return nil
}
