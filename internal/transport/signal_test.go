package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mconf/bbb-webrtc-sfu/internal/adapter"
	"github.com/mconf/bbb-webrtc-sfu/internal/app"
	"github.com/mconf/bbb-webrtc-sfu/internal/backend"
	"github.com/mconf/bbb-webrtc-sfu/internal/balancer"
	"github.com/mconf/bbb-webrtc-sfu/internal/config"
	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/media"
)

func newTestServer(t *testing.T) (*httptest.Server, *app.Controller, func()) {
	t.Helper()
	bus := events.NewBus()
	bal := balancer.New(balancer.RoundRobin, time.Minute, bus)
	bal.AddHost("h1", "10.0.0.1", backend.NewLoopback("10.0.0.1"))
	driver := adapter.NewDriver(bal, bus, 5*time.Second)
	ctrl := app.NewController(app.Config{
		Bus:      bus,
		Adapters: map[domain.MediaProfile]media.Adapter{domain.ProfileAll: driver},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cfg := &config.Config{Mode: "release", ReadLimit: 65536}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, ctrl))
	return srv, ctrl, func() {
		cancel()
		srv.Close()
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, method string, params any) response {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(request{
		TransactionID: "tx-" + method,
		Method:        method,
		Params:        raw,
	}))
	var resp response
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, "tx-"+method, resp.TransactionID, "transactionId is echoed")
	return resp
}

func TestJoinOverWebSocket(t *testing.T) {
	srv, _, done := newTestServer(t)
	defer done()
	conn := dialWS(t, srv)
	defer conn.Close()

	resp := roundTrip(t, conn, "join", map[string]string{
		"roomId": "room-1",
		"type":   "SFU",
		"name":   "alice",
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	require.NotEmpty(t, result["userId"])
}

func TestUnknownMethod(t *testing.T) {
	srv, _, done := newTestServer(t)
	defer done()
	conn := dialWS(t, srv)
	defer conn.Close()

	resp := roundTrip(t, conn, "frobnicate", map[string]string{})
	require.NotNil(t, resp.Error)
	require.Equal(t, "MEDIA_INVALID_OPERATION", resp.Error.Name)
}

func TestEventSubscription(t *testing.T) {
	srv, ctrl, done := newTestServer(t)
	defer done()
	conn := dialWS(t, srv)
	defer conn.Close()

	resp := roundTrip(t, conn, "onEvent", map[string]string{
		"eventName":  string(events.UserJoined),
		"identifier": "room-1",
	})
	require.Nil(t, resp.Error)

	_, err := ctrl.Join("room-1", domain.UserSFU, "charlie")
	require.NoError(t, err)

	var ev eventMsg
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, string(events.UserJoined), ev.Event)
	require.Equal(t, "room-1", ev.Identifier)
}

func TestDisconnectTriggersLeave(t *testing.T) {
	srv, ctrl, done := newTestServer(t)
	defer done()
	conn := dialWS(t, srv)

	resp := roundTrip(t, conn, "join", map[string]string{"roomId": "room-1", "type": "SFU", "name": "dora"})
	require.Nil(t, resp.Error)

	conn.Close()
	require.Eventually(t, func() bool {
		users, err := ctrl.GetUsers("room-1")
		return err != nil || len(users) == 0
	}, 2*time.Second, 20*time.Millisecond, "ungraceful disconnect leaves the room")
}
