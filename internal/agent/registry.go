package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/protocol"
)

const defaultAckTimeout = 10 * time.Second

// snapshot is never modified once published.
type snapshot struct {
	byID        map[uuid.UUID]Agent
	byTransport map[string]uuid.UUID
}

var emptySnapshot = &snapshot{
	byID:        map[uuid.UUID]Agent{},
	byTransport: map[string]uuid.UUID{},
}

// Options configures a Registry.
type Options struct {
	// Separator splits a container hostname into parent and suffix.
	Separator  string
	AckTimeout time.Duration
	Logger     *zap.Logger
}

// Registry is the live directory of agents, rebuilt entirely from
// registration traffic. Reads work on an immutable snapshot and never wait
// for writers.
type Registry struct {
	gateway    Gateway
	sep        string
	ackTimeout time.Duration
	log        *zap.Logger

	// mu serializes mutation and the notification that follows it.
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]

	lmu       sync.Mutex
	listeners []Listener

	now func() time.Time
}

func NewRegistry(gw Gateway, opts Options) *Registry {
	if opts.Separator == "" {
		opts.Separator = protocol.DefaultSeparator
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Registry{
		gateway:    gw,
		sep:        opts.Separator,
		ackTimeout: opts.AckTimeout,
		log:        opts.Logger.Named("registry"),
		now:        time.Now,
	}
	r.snap.Store(emptySnapshot)
	return r
}

// Start subscribes the registry to the gateway.
func (r *Registry) Start() {
	r.gateway.AddResponseListener(r)
}

// Close unsubscribes from the gateway. Registry state is not persisted.
func (r *Registry) Close() {
	r.gateway.RemoveResponseListener(r)
}

// OnResponse is the only entry point that mutates the registry from the wire.
func (r *Registry) OnResponse(resp protocol.Response) {
	switch m := resp.Message().(type) {
	case protocol.Registration:
		r.register(m)
	case protocol.Disconnect:
		r.disconnect(m)
	case protocol.ExecuteResult, protocol.Heartbeat, protocol.Unknown:
		// not registry traffic
	}
}

func (r *Registry) register(m protocol.Registration) {
	// Nobody to report back to without an id.
	if m.ID == uuid.Nil {
		return
	}

	a := Agent{
		ID:           m.ID,
		Hostname:     m.Hostname,
		IsContainer:  m.IsContainer,
		TransportID:  m.TransportID,
		IPs:          m.IPs,
		RegisteredAt: r.now(),
	}
	if a.Hostname == "" {
		a.Hostname = m.ID.String()
	}
	if a.IsContainer {
		if parent, ok := protocol.ParentHostname(a.Hostname, r.sep); ok {
			a.ParentHostname = parent
		}
	}

	r.mu.Lock()
	next := r.snap.Load().clone()
	if prev, ok := next.byID[a.ID]; ok && prev.TransportID != "" {
		delete(next.byTransport, prev.TransportID)
	}
	next.byID[a.ID] = a
	if a.TransportID != "" {
		next.byTransport[a.TransportID] = a.ID
	}
	r.snap.Store(next)
	r.notify(Event{Type: EventRegistered, Agents: []Agent{a.copy()}})
	r.mu.Unlock()

	r.log.Info("Agent registered",
		zap.Stringer("agent", a.ID),
		zap.String("hostname", a.Hostname),
		zap.Bool("container", a.IsContainer))

	ctx, cancel := context.WithTimeout(context.Background(), r.ackTimeout)
	defer cancel()
	if err := r.gateway.SendRequest(ctx, protocol.NewAck(a.ID)); err != nil {
		// The registration stands; the agent will re-announce if it never
		// sees the ack.
		r.log.Warn("Failed to acknowledge registration", zap.Stringer("agent", a.ID), zap.Error(err))
	}
}

func (r *Registry) disconnect(m protocol.Disconnect) {
	if m.TransportID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	id, ok := cur.byTransport[m.TransportID]
	if !ok {
		return
	}
	a := cur.byID[id]
	next := cur.clone()
	delete(next.byTransport, m.TransportID)
	delete(next.byID, id)
	r.snap.Store(next)
	r.notify(Event{Type: EventRemoved, Agents: []Agent{a.copy()}})

	r.log.Info("Agent disconnected", zap.Stringer("agent", id), zap.String("hostname", a.Hostname))
}

// Evict removes an agent on behalf of the orchestrator. It reports whether
// the agent was present. Listeners must not call Evict from OnAgents.
func (r *Registry) Evict(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	a, ok := cur.byID[id]
	if !ok {
		return false
	}
	next := cur.clone()
	delete(next.byID, id)
	if a.TransportID != "" && next.byTransport[a.TransportID] == id {
		delete(next.byTransport, a.TransportID)
	}
	r.snap.Store(next)
	r.notify(Event{Type: EventRemoved, Agents: []Agent{a.copy()}})

	r.log.Info("Agent evicted", zap.Stringer("agent", id))
	return true
}

func (r *Registry) Agents() []Agent {
	return r.filter(func(Agent) bool { return true })
}

func (r *Registry) PhysicalAgents() []Agent {
	return r.filter(func(a Agent) bool { return !a.IsContainer })
}

func (r *Registry) ContainerAgents() []Agent {
	return r.filter(func(a Agent) bool { return a.IsContainer })
}

func (r *Registry) ContainerAgentsByParentHostname(parent string) []Agent {
	return r.filter(func(a Agent) bool {
		return a.IsContainer && a.ParentHostname != "" && a.ParentHostname == parent
	})
}

func (r *Registry) AgentByUUID(id uuid.UUID) (Agent, bool) {
	a, ok := r.snap.Load().byID[id]
	if !ok {
		return Agent{}, false
	}
	return a.copy(), true
}

func (r *Registry) AgentByHostname(hostname string) (Agent, bool) {
	for _, a := range r.snap.Load().byID {
		if a.Hostname == hostname {
			return a.copy(), true
		}
	}
	return Agent{}, false
}

// Contains reports whether id is currently live.
func (r *Registry) Contains(id uuid.UUID) bool {
	_, ok := r.snap.Load().byID[id]
	return ok
}

func (r *Registry) AddListener(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	for _, existing := range r.listeners {
		if existing == l {
			return
		}
	}
	r.listeners = append(r.listeners, l)
}

func (r *Registry) RemoveListener(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Listeners returns the registered listeners in registration order.
func (r *Registry) Listeners() []Listener {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	return append([]Listener(nil), r.listeners...)
}

// notify delivers ev to a copy of the listener list, so listeners added or
// removed from inside a callback only see later events.
func (r *Registry) notify(ev Event) {
	for _, l := range r.Listeners() {
		r.deliver(l, ev)
	}
}

func (r *Registry) deliver(l Listener, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Agent listener panicked", zap.Any("panic", p), zap.String("event", string(ev.Type)))
		}
	}()
	l.OnAgents(ev)
}

func (r *Registry) filter(keep func(Agent) bool) []Agent {
	cur := r.snap.Load()
	result := make([]Agent, 0, len(cur.byID))
	for _, a := range cur.byID {
		if keep(a) {
			result = append(result, a.copy())
		}
	}
	return result
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byID:        make(map[uuid.UUID]Agent, len(s.byID)+1),
		byTransport: make(map[string]uuid.UUID, len(s.byTransport)+1),
	}
	for k, v := range s.byID {
		next.byID[k] = v
	}
	for k, v := range s.byTransport {
		next.byTransport[k] = v
	}
	return next
}

func (a Agent) copy() Agent {
	if a.IPs != nil {
		a.IPs = append([]string(nil), a.IPs...)
	}
	return a
}
