// internal/websocket/hub.go
package websocket

import (
	"context"
	"fmt"
	"sync"

	wstypes "billing-sync-service/internal/domain/websocket"
	"billing-sync-service/internal/pkg/jwt"

	"go.uber.org/zap"
)

// TokenVerifier validates access tokens presented on connect.
type TokenVerifier interface {
	VerifyAccessToken(token string) (*jwt.Claims, error)
}

type Hub struct {
	// Registered clients by tenant ID
	clients map[int64]map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	handlerRegistry *HandlerRegistry
	verifier        TokenVerifier
	logger          *zap.Logger
}

// BroadcastMessage targets TenantIDs, or every client when TenantIDs is nil.
type BroadcastMessage struct {
	TenantIDs []int64
	Channel   wstypes.ChannelType
	Message   *wstypes.WSMessage
}

func NewHub(verifier TokenVerifier, logger *zap.Logger) *Hub {
	return &Hub{
		clients:         make(map[int64]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client, 16),
		broadcast:       make(chan *BroadcastMessage, 256),
		done:            make(chan struct{}),
		handlerRegistry: NewHandlerRegistry(),
		verifier:        verifier,
		logger:          logger.Named("ws"),
	}
}

// AuthenticateClient validates the JWT and returns the identity it carries.
func (h *Hub) AuthenticateClient(token string) (*ClientAuth, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims, err := h.verifier.VerifyAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &ClientAuth{
		TenantID: claims.TenantID,
		TokenID:  claims.ID,
		Roles:    claims.Roles,
		IsAdmin:  claims.IsAdmin(),
	}, nil
}

// RegisterHandler must be called before Run.
func (h *Hub) RegisterHandler(handler MessageHandler) error {
	return h.handlerRegistry.Register(handler)
}

// HandleClientMessage dispatches to a registered handler. handled is false
// when no handler claims the event, leaving it to the client's built-ins.
func (h *Hub) HandleClientMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) (handled bool, err error) {
	handler, exists := h.handlerRegistry.GetHandler(msg.Type)
	if !exists {
		return false, nil
	}
	return true, handler.HandleMessage(ctx, client, msg)
}

// Register hands a connected client to the hub loop.
func (h *Hub) Register(ctx context.Context, client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drop asks the hub loop to forget the client; after shutdown the client
// is simply closed.
func (h *Hub) drop(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	if h.clients[client.tenantID] == nil {
		h.clients[client.tenantID] = make(map[*Client]bool)
	}
	h.clients[client.tenantID][client] = true
	total := h.totalClients()
	h.mu.Unlock()

	h.logger.Info("client connected",
		zap.Int64("tenant_id", client.tenantID),
		zap.Bool("admin", client.isAdmin),
		zap.Int("total", total),
	)
	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, map[string]interface{}{
		"tenant_id": client.tenantID,
		"roles":     client.roles,
		"channels":  client.Channels(),
	}))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.tenantID]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}
	delete(clients, client)
	client.Close()
	if len(clients) == 0 {
		delete(h.clients, client.tenantID)
	}
	h.logger.Info("client disconnected",
		zap.Int64("tenant_id", client.tenantID),
		zap.Int("total", h.totalClients()),
	)
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	send := func(clients map[*Client]bool) {
		for client := range clients {
			if client.IsSubscribed(msg.Channel) {
				client.SendMessage(msg.Message)
			}
		}
	}
	if msg.TenantIDs == nil {
		for _, clients := range h.clients {
			send(clients)
		}
		return
	}
	for _, id := range msg.TenantIDs {
		send(h.clients[id])
	}
}

// enqueue never blocks the caller; a full queue drops the push.
func (h *Hub) enqueue(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast queue full, dropping message", zap.String("type", string(msg.Message.Type)))
	}
}

// NotifyTenant pushes an event to every connection of one tenant.
func (h *Hub) NotifyTenant(tenantID int64, eventType string, payload interface{}) {
	h.enqueue(&BroadcastMessage{
		TenantIDs: []int64{tenantID},
		Channel:   wstypes.ChannelBilling,
		Message:   wstypes.NewMessage(wstypes.EventType(eventType), payload),
	})
}

// NotifyAdmins pushes an event to admin connections only. Non-admins can
// never join the admin channel.
func (h *Hub) NotifyAdmins(eventType string, payload interface{}) {
	h.enqueue(&BroadcastMessage{
		Channel: wstypes.ChannelAdmin,
		Message: wstypes.NewMessage(wstypes.EventType(eventType), payload),
	})
}

func (h *Hub) ConnectedClients(tenantID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[tenantID])
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalClients()
}

func (h *Hub) totalClients() int {
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.clients {
		for client := range clients {
			client.Close()
		}
	}
	h.clients = make(map[int64]map[*Client]bool)
}
