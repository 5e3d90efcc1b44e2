package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/protocol"
)

var (
	ErrNotConnected = errors.New("agent not connected")
	ErrDisconnected = errors.New("agent disconnected before replying")
	ErrClosed       = errors.New("gateway closed")
)

// RemoteError is an EXECUTE_RESPONSE that carried an error.
type RemoteError struct {
	AgentID uuid.UUID
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent %s: %s: %s", e.AgentID, e.Action, e.Message)
}

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultCallTimeout    = 30 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	CallTimeout    time.Duration
	MaxMessageSize int64
	Logger         *zap.Logger
}

type pendingCall struct {
	agentID uuid.UUID
	ch      chan protocol.Response
}

// Hub is the communication gateway between the control plane and agents.
// Every websocket connection is one transport session; its id is handed to
// listeners as the transport id of the messages it carries.
type Hub struct {
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	callTimeout    time.Duration
	maxMessageSize int64
	log            *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	byAgent  map[uuid.UUID]*session

	lmu       sync.Mutex
	listeners []protocol.ResponseListener

	pmu     sync.Mutex
	pending map[string]*pendingCall

	register   chan *session
	unregister chan *session
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func NewHub(opts Options) *Hub {
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Hub{
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     (opts.PongWait * 9) / 10,
		callTimeout:    opts.CallTimeout,
		maxMessageSize: opts.MaxMessageSize,
		log:            opts.Logger.Named("gateway"),
		sessions:       make(map[string]*session),
		byAgent:        make(map[uuid.UUID]*session),
		pending:        make(map[string]*pendingCall),
		register:       make(chan *session),
		unregister:     make(chan *session),
		stopCh:         make(chan struct{}),
	}
}

// Run is the hub's main event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopCh:
			h.closeAll()
			return

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s.id] = s
			n := len(h.sessions)
			h.mu.Unlock()
			h.log.Info("Agent connection opened", zap.String("transport", s.id), zap.Int("total", n))

		case s := <-h.unregister:
			h.drop(s)
		}
	}
}

// Stop closes every session. Sessions closed this way are not reported as
// disconnects.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// ServeWS upgrades an agent connection and starts its pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s := newSession(h, conn)
	select {
	case h.register <- s:
	case <-h.stopCh:
		conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

func (h *Hub) AddResponseListener(l protocol.ResponseListener) {
	h.lmu.Lock()
	defer h.lmu.Unlock()
	for _, existing := range h.listeners {
		if existing == l {
			return
		}
	}
	h.listeners = append(h.listeners, l)
}

func (h *Hub) RemoveResponseListener(l protocol.ResponseListener) {
	h.lmu.Lock()
	defer h.lmu.Unlock()
	for i, existing := range h.listeners {
		if existing == l {
			h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
			return
		}
	}
}

// SendRequest queues req for the agent named by req.UUID.
func (h *Hub) SendRequest(ctx context.Context, req protocol.Request) error {
	h.mu.RLock()
	s, ok := h.byAgent[req.UUID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", req.UUID, ErrNotConnected)
	}
	return s.enqueue(ctx, req)
}

// Call sends an EXECUTE_REQUEST and waits for the matching response. The
// wait ends at the first of ctx, the call timeout or the agent going away.
func (h *Hub) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	req.Type = protocol.TypeExecuteRequest
	req.RequestID = uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	pc := &pendingCall{agentID: req.UUID, ch: make(chan protocol.Response, 1)}
	h.pmu.Lock()
	h.pending[req.RequestID] = pc
	h.pmu.Unlock()
	defer func() {
		h.pmu.Lock()
		delete(h.pending, req.RequestID)
		h.pmu.Unlock()
	}()

	if err := h.SendRequest(ctx, req); err != nil {
		return protocol.Response{}, err
	}

	select {
	case resp, ok := <-pc.ch:
		if !ok {
			return protocol.Response{}, fmt.Errorf("%s %s: %w", req.UUID, req.Action, ErrDisconnected)
		}
		if resp.Error != "" {
			return resp, &RemoteError{AgentID: req.UUID, Action: req.Action, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("%s %s: %w", req.UUID, req.Action, ctx.Err())
	}
}

// Connected reports whether an agent currently has a session.
func (h *Hub) Connected(id uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byAgent[id]
	return ok
}

// Sessions is the number of open transport sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// handleInbound runs on the session's read goroutine, so messages of one
// session reach listeners in arrival order.
func (h *Hub) handleInbound(s *session, resp protocol.Response) {
	resp.TransportID = s.id

	switch m := resp.Message().(type) {
	case protocol.Registration:
		if m.ID != uuid.Nil && !h.bindAgent(s, m.ID) {
			h.log.Warn("Ignoring registration of a second agent on one connection",
				zap.String("transport", s.id),
				zap.Stringer("bound", s.agentID()),
				zap.Stringer("agent", m.ID))
			return
		}
	case protocol.ExecuteResult:
		h.resolve(m.RequestID, resp)
	case protocol.Disconnect:
		// only the hub may report a session as gone
		h.log.Warn("Ignoring disconnect sent by agent", zap.String("transport", s.id))
		return
	case protocol.Heartbeat, protocol.Unknown:
	}

	h.dispatch(resp)
}

// bindAgent routes requests for id to s. A session carries a single agent,
// since the registry reports a closed connection as one disconnect.
func (h *Hub) bindAgent(s *session, id uuid.UUID) bool {
	if !s.claim(id) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.byAgent[id]; ok && prev != s {
		h.log.Info("Agent moved to a new session",
			zap.Stringer("agent", id),
			zap.String("from", prev.id),
			zap.String("to", s.id))
	}
	h.byAgent[id] = s
	return true
}

func (h *Hub) resolve(requestID string, resp protocol.Response) {
	if requestID == "" {
		return
	}
	h.pmu.Lock()
	pc, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	h.pmu.Unlock()
	if ok {
		pc.ch <- resp
	}
}

func (h *Hub) dispatch(resp protocol.Response) {
	h.lmu.Lock()
	listeners := append([]protocol.ResponseListener(nil), h.listeners...)
	h.lmu.Unlock()

	for _, l := range listeners {
		h.deliver(l, resp)
	}
}

func (h *Hub) deliver(l protocol.ResponseListener, resp protocol.Response) {
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("Response listener panicked", zap.Any("panic", p), zap.String("type", string(resp.Type)))
		}
	}()
	l.OnResponse(resp)
}

// drop forgets a closed session, fails its pending calls and reports the
// disconnect to listeners.
func (h *Hub) drop(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	var agents []uuid.UUID
	if id := s.agentID(); id != uuid.Nil {
		agents = append(agents, id)
		if h.byAgent[id] == s {
			delete(h.byAgent, id)
		}
	}
	n := len(h.sessions)
	h.mu.Unlock()
	s.close()

	h.failPending(agents)
	h.log.Info("Agent connection closed", zap.String("transport", s.id), zap.Int("total", n))
	h.dispatch(protocol.Response{Type: protocol.TypeAgentDisconnect, TransportID: s.id})
}

func (h *Hub) failPending(agents []uuid.UUID) {
	if len(agents) == 0 {
		return
	}
	gone := make(map[uuid.UUID]bool, len(agents))
	for _, id := range agents {
		gone[id] = true
	}
	h.mu.RLock()
	for id := range gone {
		if _, reconnected := h.byAgent[id]; reconnected {
			delete(gone, id)
		}
	}
	h.mu.RUnlock()

	h.pmu.Lock()
	defer h.pmu.Unlock()
	for reqID, pc := range h.pending {
		if gone[pc.agentID] {
			delete(h.pending, reqID)
			close(pc.ch)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session)
	h.byAgent = make(map[uuid.UUID]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}

	h.pmu.Lock()
	for reqID, pc := range h.pending {
		delete(h.pending, reqID)
		close(pc.ch)
	}
	h.pmu.Unlock()
}
