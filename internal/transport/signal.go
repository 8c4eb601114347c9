// Package transport binds the client API to a WebSocket JSON transport:
// request envelopes carry an opaque transactionId echoed on the response,
// and subscribed events are pushed as server-initiated messages.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/app"
	"github.com/mconf/bbb-webrtc-sfu/internal/config"
)

var ErrBackpressure = errors.New("backpressure")

// Server owns the HTTP edge and the per-connection client state.
type Server struct {
	Ctrl *app.Controller
	Cfg  *config.Config
}

func NewServer(ctrl *app.Controller, cfg *config.Config) *Server {
	return &Server{Ctrl: ctrl, Cfg: cfg}
}

// SetupRouter builds the gin engine: health, introspection and the
// signaling upgrade endpoint.
func SetupRouter(ctx context.Context, cfg *config.Config, ctrl *app.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := NewServer(ctrl, cfg)

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": ctrl.GetRooms()})
	})
	r.GET("/ws", func(c *gin.Context) {
		srv.HandleSignal(ctx, c)
	})
	return r
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientConn is one signaling connection: a bounded send queue plus the
// users and event subscriptions bound to it.
type clientConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	users map[string]string // userID -> roomID
	subs  []func()
}

func (c *clientConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *clientConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
}

func (c *clientConn) bindUser(userID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[userID] = roomID
}

func (c *clientConn) unbindUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, userID)
}

func (c *clientConn) boundUsers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.users))
	for u, r := range c.users {
		out[u] = r
	}
	return out
}

func (c *clientConn) addSub(cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, cancel)
}

// HandleSignal upgrades the request and runs the connection pumps.
func (s *Server) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "transport").Msg("ws upgrade")
		return
	}
	conn := &clientConn{
		conn:  ws,
		send:  make(chan []byte, 64),
		users: make(map[string]string),
	}
	log.Info().Str("module", "transport").Str("remote", ws.RemoteAddr().String()).Msg("new signaling connection")

	connCtx, cancel := context.WithCancel(ctx)
	go s.writePump(connCtx, conn)
	go s.readPump(connCtx, cancel, conn)
}
