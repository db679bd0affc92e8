package websocket

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"billing-sync-service/internal/domain/subscription"
	wstypes "billing-sync-service/internal/domain/websocket"
	"billing-sync-service/internal/pkg/jwt"
	ws "billing-sync-service/internal/websocket"
	"billing-sync-service/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubVerifier map[string]*jwt.Claims

func (s stubVerifier) VerifyAccessToken(token string) (*jwt.Claims, error) {
	if claims, ok := s[token]; ok {
		return claims, nil
	}
	return nil, errors.New("signature is invalid")
}

type stubLister map[int64][]*subscription.Subscription

func (s stubLister) ListSubscriptions(_ context.Context, tenantID int64) ([]*subscription.Subscription, error) {
	return s[tenantID], nil
}

type harness struct {
	hub    *ws.Hub
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier := stubVerifier{
		"tenant-7": {TenantID: 7},
		"tenant-8": {TenantID: 8},
		"admin":    {TenantID: 1, Roles: []string{jwt.RoleSuperAdmin}},
	}
	hub := ws.NewHub(verifier, zap.NewNop())
	require.NoError(t, hub.RegisterHandler(handler.NewBillingHandler(stubLister{
		7: {{ID: 3, TenantID: 7, PlanCode: "pro", PlanName: "Pro", Status: subscription.StatusActive,
			LedgerExternalID: sql.NullString{String: "sub_7", Valid: true}}},
		8: {{ID: 4, TenantID: 8, PlanCode: "basic", Status: subscription.StatusPending}},
	})))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	h := NewWebSocketHandler(hub, []string{"https://app.example.com"}, zap.NewNop())
	r.GET("/ws", h.HandleConnection)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &harness{hub: hub, server: srv}
}

func (h *harness) dial(t *testing.T, token string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?token=" + token
	conn, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })

	msg := read(t, conn)
	require.Equal(t, wstypes.EventTypeConnected, msg.Type)
	return conn
}

func read(t *testing.T, conn *gws.Conn) *wstypes.WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wstypes.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func TestHandleConnection_RejectsBadTokens(t *testing.T) {
	h := newHarness(t)
	base := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"

	_, resp, err := gws.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = gws.DefaultDialer.Dial(base+"?token=forged", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err = gws.DefaultDialer.Dial(base+"?token=tenant-7", header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNotifyTenant_ReachesOnlyThatTenant(t *testing.T) {
	h := newHarness(t)
	seven := h.dial(t, "tenant-7")
	eight := h.dial(t, "tenant-8")

	h.hub.NotifyTenant(7, "billing.subscription.provisioned", map[string]string{"plan_name": "Pro"})
	h.hub.NotifyTenant(8, "billing.subscription.provisioned", map[string]string{"plan_name": "Basic"})

	got := read(t, seven)
	assert.Equal(t, wstypes.EventType("billing.subscription.provisioned"), got.Type)
	assert.Equal(t, "Pro", got.Data.(map[string]interface{})["plan_name"])

	got = read(t, eight)
	assert.Equal(t, "Basic", got.Data.(map[string]interface{})["plan_name"])
}

func TestNotifyAdmins_SkipsTenants(t *testing.T) {
	h := newHarness(t)
	tenant := h.dial(t, "tenant-7")
	admin := h.dial(t, "admin")

	h.hub.NotifyAdmins("billing.reconcile.completed", map[string]int{"deleted": 2})
	h.hub.NotifyTenant(7, "billing.subscription.provisioned", nil)

	got := read(t, admin)
	assert.Equal(t, wstypes.EventType("billing.reconcile.completed"), got.Type)

	// the admin push was never queued for the tenant, so the next frame is its own
	got = read(t, tenant)
	assert.Equal(t, wstypes.EventType("billing.subscription.provisioned"), got.Type)
}

func TestClientMessages(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "tenant-7")

	require.NoError(t, conn.WriteJSON(wstypes.WSMessage{Type: wstypes.EventTypePing}))
	assert.Equal(t, wstypes.EventTypePong, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(wstypes.WSMessage{
		Type: wstypes.EventTypeSubscribe,
		Data: wstypes.SubscribeRequest{Channels: []wstypes.ChannelType{wstypes.ChannelAdmin}},
	}))
	got := read(t, conn)
	require.Equal(t, wstypes.EventTypeSubscribe, got.Type)
	data := got.Data.(map[string]interface{})
	assert.Empty(t, data["channels"])
	assert.Equal(t, []interface{}{"admin"}, data["denied"])

	require.NoError(t, conn.WriteJSON(wstypes.WSMessage{Type: wstypes.EventTypeSubscriptionsList}))
	got = read(t, conn)
	require.Equal(t, wstypes.EventTypeSubscriptions, got.Type)
	data = got.Data.(map[string]interface{})
	assert.EqualValues(t, 1, data["count"])
	first := data["subscriptions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "sub_7", first["ledger_external_id"])

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("not json")))
	got = read(t, conn)
	assert.Equal(t, wstypes.EventTypeError, got.Type)
}

func TestHubCountsClients(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "tenant-7")
	h.dial(t, "tenant-7")
	assert.Equal(t, 2, h.hub.ConnectedClients(7))

	conn.Close()
	assert.Eventually(t, func() bool { return h.hub.ConnectedClients(7) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.hub.TotalClients())
}
