// internal/domain/websocket/types.go
package websocket

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType names a real-time event.
type EventType string

const (
	// Connection events
	EventTypePing         EventType = "ping"
	EventTypePong         EventType = "pong"
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeError        EventType = "error"

	// Client requests
	EventTypeSubscribe         EventType = "subscribe"
	EventTypeUnsubscribe       EventType = "unsubscribe"
	EventTypeSubscriptionsList EventType = "billing:subscriptions:list"

	// Server pushes
	EventTypeSubscriptions EventType = "billing:subscriptions"
)

// WSMessage is the universal message format
type WSMessage struct {
	Type      EventType              `json:"type"`
	Data      interface{}            `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id,omitempty"`
}

// ChannelType groups server pushes a client can opt in or out of.
type ChannelType string

const (
	// ChannelBilling carries a tenant's own provisioning events.
	ChannelBilling ChannelType = "billing"
	// ChannelAdmin carries fleet-wide reconciliation summaries.
	ChannelAdmin ChannelType = "admin"
)

type SubscribeRequest struct {
	Channels []ChannelType `json:"channels"`
}

type UnsubscribeRequest struct {
	Channels []ChannelType `json:"channels"`
}

// ErrorData for error events
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func NewMessage(eventType EventType, data interface{}) *WSMessage {
	return &WSMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		ID:        strings.ToLower(ulid.Make().String()),
	}
}

func (m *WSMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ParseMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	err := json.Unmarshal(data, &msg)
	return &msg, err
}
