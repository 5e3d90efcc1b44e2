package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/protocol"
)

type frame struct {
	messageType int
	data        []byte
}

// session is one agent websocket connection.
type session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan frame
	done chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	format protocol.Format
	// agent is the one agent announced on this connection.
	agent uuid.UUID
}

func newSession(h *Hub, conn *websocket.Conn) *session {
	return &session{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan frame, 256),
		done:   make(chan struct{}),
		format: protocol.FormatJSON,
	}
}

// claim binds id to the session. It fails when another agent already
// announced itself on the same connection.
func (s *session) claim(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent != uuid.Nil && s.agent != id {
		return false
	}
	s.agent = id
	return true
}

func (s *session) agentID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// enqueue encodes req in the format the agent last used and queues it.
func (s *session) enqueue(ctx context.Context, req protocol.Request) error {
	s.mu.Lock()
	format := s.format
	s.mu.Unlock()

	data, err := protocol.Marshal(format, req)
	if err != nil {
		return err
	}
	f := frame{messageType: websocket.TextMessage, data: data}
	if format == protocol.FormatCBOR {
		f.messageType = websocket.BinaryMessage
	}

	select {
	case s.send <- f:
		return nil
	case <-s.done:
		return fmt.Errorf("%s: %w", req.UUID, ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump reads agent messages until the connection fails.
func (s *session) readPump() {
	h := s.hub
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.stopCh:
		}
		s.close()
	}()

	s.conn.SetReadLimit(h.maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Info("Agent read error", zap.String("transport", s.id), zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(h.pongWait))

		format := protocol.FormatJSON
		if messageType == websocket.BinaryMessage {
			format = protocol.FormatCBOR
		}
		var resp protocol.Response
		if err := protocol.Unmarshal(format, message, &resp); err != nil {
			h.log.Warn("Invalid agent message", zap.String("transport", s.id), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.format = format
		s.mu.Unlock()

		h.handleInbound(s, resp)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (s *session) writePump() {
	h := s.hub
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case f := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := s.conn.WriteMessage(f.messageType, f.data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
