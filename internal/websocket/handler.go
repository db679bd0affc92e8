// internal/websocket/handler.go
package websocket

import (
	"context"
	"fmt"
	"sync"

	wstypes "billing-sync-service/internal/domain/websocket"
)

// MessageHandler serves a set of client-initiated events.
type MessageHandler interface {
	HandleMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) error
	SupportedEvents() []wstypes.EventType
}

// HandlerRegistry routes an event type to exactly one handler.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[wstypes.EventType]MessageHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[wstypes.EventType]MessageHandler),
	}
}

// Register fails when another handler already owns one of the events, or
// when a handler tries to take over a built-in event.
func (r *HandlerRegistry) Register(handler MessageHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := handler.SupportedEvents()
	for _, eventType := range events {
		if isBuiltin(eventType) {
			return fmt.Errorf("event %q is handled by the client itself", eventType)
		}
		if _, taken := r.handlers[eventType]; taken {
			return fmt.Errorf("event %q already has a handler", eventType)
		}
	}
	for _, eventType := range events {
		r.handlers[eventType] = handler
	}
	return nil
}

func (r *HandlerRegistry) GetHandler(eventType wstypes.EventType) (MessageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, exists := r.handlers[eventType]
	return handler, exists
}

func isBuiltin(eventType wstypes.EventType) bool {
	switch eventType {
	case wstypes.EventTypePing, wstypes.EventTypeSubscribe, wstypes.EventTypeUnsubscribe:
		return true
	}
	return false
}
