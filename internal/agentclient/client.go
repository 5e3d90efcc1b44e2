package agentclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/protocol"
)

const (
	writeWait           = 10 * time.Second
	defaultRetry        = 5 * time.Second
	defaultHeartbeat    = 20 * time.Second
	defaultReconnectMax = 30 * time.Second
)

var errDecode = errors.New("decoding message")

// Executor runs the commands a control plane sends to this agent.
type Executor interface {
	Execute(ctx context.Context, action string, args map[string]string) (map[string]string, error)
}

type Config struct {
	URL         string
	ID          uuid.UUID
	Hostname    string
	IsContainer bool
	IPs         []string
	// Format selects JSON text frames or CBOR binary frames.
	Format            protocol.Format
	RegisterRetry     time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// Client is the agent side of the control plane protocol: it announces
// itself until acknowledged, answers commands and sends heartbeats.
type Client struct {
	cfg  Config
	exec Executor
	log  *zap.Logger

	mu         sync.Mutex
	registered chan struct{}
}

func New(cfg Config, exec Executor) *Client {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	if cfg.RegisterRetry <= 0 {
		cfg.RegisterRetry = defaultRetry
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		exec:       exec,
		log:        cfg.Logger.Named("agent").With(zap.Stringer("agent", cfg.ID)),
		registered: make(chan struct{}),
	}
}

func (c *Client) ID() uuid.UUID { return c.cfg.ID }

// Registered is closed once the current connection has been acknowledged.
func (c *Client) Registered() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// RunForever keeps the agent connected, reconnecting with backoff until ctx
// is done.
func (c *Client) RunForever(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("Connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > defaultReconnectMax {
			backoff = defaultReconnectMax
		}
	}
}

// Run holds one connection until it fails or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	c.mu.Lock()
	select {
	case <-c.registered:
		c.registered = make(chan struct{})
	default:
	}
	registered := c.registered
	c.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := &writer{conn: conn, format: c.cfg.Format}

	go func() {
		<-connCtx.Done()
		w.close()
	}()

	if err := w.write(c.registration()); err != nil {
		return err
	}
	go c.announce(connCtx, w, registered)

	var (
		wg      sync.WaitGroup
		readErr error
	)
	defer wg.Wait()
	for {
		var req protocol.Request
		if err := w.read(&req); err != nil {
			if errors.Is(err, errDecode) {
				c.log.Warn("Invalid control plane message", zap.Error(err))
				continue
			}
			readErr = err
			break
		}
		switch req.Type {
		case protocol.TypeRegistrationRequestDone:
			if req.UUID != c.cfg.ID {
				continue
			}
			c.mu.Lock()
			select {
			case <-registered:
			default:
				close(registered)
				c.log.Info("Registration acknowledged")
			}
			c.mu.Unlock()
		case protocol.TypeExecuteRequest:
			wg.Add(1)
			go func(req protocol.Request) {
				defer wg.Done()
				c.execute(connCtx, w, req)
			}(req)
		default:
			c.log.Debug("Ignoring request", zap.String("type", string(req.Type)))
		}
	}
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return readErr
}

// announce re-sends the registration until acknowledged, then sends
// heartbeats.
func (c *Client) announce(ctx context.Context, w *writer, registered chan struct{}) {
	retry := time.NewTicker(c.cfg.RegisterRetry)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-registered:
			c.heartbeat(ctx, w)
			return
		case <-retry.C:
			if err := w.write(c.registration()); err != nil {
				return
			}
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, w *writer) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.write(protocol.Response{Type: protocol.TypeHeartbeat, UUID: c.cfg.ID}); err != nil {
				return
			}
		}
	}
}

func (c *Client) execute(ctx context.Context, w *writer, req protocol.Request) {
	resp := protocol.Response{
		Type:      protocol.TypeExecuteResponse,
		UUID:      c.cfg.ID,
		RequestID: req.RequestID,
	}
	result, err := c.exec.Execute(ctx, req.Action, req.Args)
	if ctx.Err() != nil {
		// connection is closing; the control plane fails the call itself
		return
	}
	if err != nil {
		resp.Error = err.Error()
		c.log.Warn("Command failed", zap.String("action", req.Action), zap.Error(err))
	} else {
		resp.Result = result
	}
	if err := w.write(resp); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug("Failed to send command result", zap.Error(err))
	}
}

func (c *Client) registration() protocol.Response {
	return protocol.Response{
		Type:     protocol.TypeRegistrationRequest,
		UUID:     c.cfg.ID,
		IsLxc:    c.cfg.IsContainer,
		Hostname: c.cfg.Hostname,
		IPs:      c.cfg.IPs,
	}
}

// writer serializes frames onto one connection.
type writer struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	format protocol.Format
}

func (w *writer) write(v any) error {
	data, err := protocol.Marshal(w.format, v)
	if err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if w.format == protocol.FormatCBOR {
		messageType = websocket.BinaryMessage
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(messageType, data)
}

func (w *writer) read(v any) error {
	messageType, data, err := w.conn.ReadMessage()
	if err != nil {
		return err
	}
	format := protocol.FormatJSON
	if messageType == websocket.BinaryMessage {
		format = protocol.FormatCBOR
	}
	if err := protocol.Unmarshal(format, data, v); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	return nil
}

func (w *writer) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.conn.Close()
}
