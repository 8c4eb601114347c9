package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mconf/bbb-webrtc-sfu/internal/errs"
)

const writeDeadline = 5 * time.Second

// request is the client envelope; transactionId is opaque and echoed back.
type request struct {
	TransactionID string          `json:"transactionId"`
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params"`
}

type response struct {
	TransactionID string      `json:"transactionId"`
	Result        any         `json:"result,omitempty"`
	Error         *errs.Error `json:"error,omitempty"`
}

// eventMsg is a server-initiated push for a subscribed event.
type eventMsg struct {
	Event      string `json:"event"`
	Identifier string `json:"identifier"`
	Data       any    `json:"data"`
}

// writePump drains the send queue onto the socket until the context ends,
// the queue closes, or a write fails. Each frame gets a fresh deadline so a
// stalled peer cannot wedge the queue forever.
func (s *Server) writePump(ctx context.Context, c *clientConn) {
	for {
		var frame []byte
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			frame = data
		}

		if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			log.Error().Err(err).Str("module", "transport").Msg("cannot arm write deadline, closing writer")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Warn().Err(err).Str("module", "transport").Msg("outbound frame failed, stopping writer")
			return
		}
	}
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, c *clientConn) {
	defer func() {
		s.cleanupConnection(c)
		cancel()
		c.Close()
		log.Info().Str("module", "transport").Msg("signaling connection closed")
	}()

	if s.Cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(s.Cfg.ReadLimit)
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "transport").Msg("readPump read error")
			}
			return
		}
		s.handleMessage(ctx, c, data)
	}
}

// cleanupConnection is the ungraceful-disconnect path: every user bound to
// the transport leaves, which cancels its in-flight work.
func (s *Server) cleanupConnection(c *clientConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for userID, roomID := range c.boundUsers() {
		if err := s.Ctrl.Leave(ctx, userID, roomID); err != nil {
			log.Warn().Err(err).Str("module", "transport").Str("user", userID).Msg("disconnect cleanup leave failed")
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, c *clientConn, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("bad request envelope")
		return
	}
	result, err := s.dispatch(ctx, c, &req)
	resp := response{TransactionID: req.TransactionID}
	if err != nil {
		resp.Error = errs.AsError(err)
	} else {
		resp.Result = result
	}
	s.sendJSON(c, resp)
}

func (s *Server) sendJSON(c *clientConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "transport").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("send dropped")
	}
}
