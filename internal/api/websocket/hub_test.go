package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/defliez/temperature-chamber/internal/auth"
	"github.com/defliez/temperature-chamber/internal/events"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticValidator struct{}

func (staticValidator) ValidateToken(token string) (*auth.JWTClaims, []auth.Permission, error) {
	if token != "good" {
		return nil, nil, errors.New("bad token")
	}
	return &auth.JWTClaims{Username: "operator", Role: auth.RoleOperator},
		[]auth.Permission{auth.PermView, auth.PermOperate}, nil
}

type staticStatus struct{}

func (staticStatus) Snapshot() any { return map[string]string{"phase": "idle"} }

func startHub(t *testing.T) (*Hub, *events.Bus, string) {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	hub := NewHub(logger, staticValidator{})
	hub.SetStatusProvider(staticStatus{})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	go hub.Forward(ctx, bus)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readMessage(t *testing.T, conn *gws.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_AuthThenForwardsEvents(t *testing.T) {
	hub, bus, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "good"}))

	msg := readMessage(t, conn)
	assert.Equal(t, "auth_success", msg["type"])
	assert.Equal(t, "operator", msg["data"].(map[string]any)["username"])

	msg = readMessage(t, conn)
	assert.Equal(t, "snapshot", msg["type"])
	assert.Equal(t, "idle", msg["data"].(map[string]any)["phase"])

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.New(events.TypeAlert, "chamber", events.Alert{
		Level: events.AlertCritical, Code: events.AlertCheckCable, Message: "check cable",
	}))

	msg = readMessage(t, conn)
	assert.Equal(t, "alert", msg["type"])
	assert.Equal(t, "chamber", msg["source"])
	assert.Equal(t, "check_cable", msg["data"].(map[string]any)["code"])
	assert.NotEmpty(t, msg["timestamp"])
}

func TestHub_RejectsBadToken(t *testing.T) {
	hub, _, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "bad"}))

	msg := readMessage(t, conn)
	assert.Equal(t, "auth_failed", msg["type"])

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.GetClientCount())
}

func TestHub_FirstMessageMustAuthenticate(t *testing.T) {
	_, _, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	msg := readMessage(t, conn)
	assert.Equal(t, "auth_failed", msg["type"])
	assert.Equal(t, "first message must be authentication", msg["data"].(map[string]any)["reason"])
}

func TestHub_PingPong(t *testing.T) {
	hub, _, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "good"}))
	readMessage(t, conn)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub, _, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "good"}))
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
