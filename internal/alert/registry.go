package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrHandlerNotFound = errors.New("alert handler not found")

// Priority orders handlers during dispatch; lower values run first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(s) {
	case "HIGH":
		return PriorityHigh, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown alert priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Alert is a condition raised against a container of an environment.
type Alert struct {
	EnvironmentID string            `json:"environmentId"`
	ContainerID   string            `json:"containerId,omitempty"`
	Kind          string            `json:"kind"`
	Values        map[string]string `json:"values,omitempty"`
	RaisedAt      time.Time         `json:"raisedAt"`
}

// Handler reacts to alerts of the environments it monitors.
type Handler interface {
	ID() string
	Priority() Priority
	Handle(ctx context.Context, a Alert) error
}

// Key identifies a handler registration.
type Key struct {
	HandlerID string   `json:"handlerId"`
	Priority  Priority `json:"priority"`
}

func KeyOf(h Handler) Key {
	return Key{HandlerID: h.ID(), Priority: h.Priority()}
}

// Registry tracks the known handlers and which of them monitor each
// environment.
type Registry struct {
	log *zap.Logger

	mu        sync.RWMutex
	handlers  map[Key]Handler
	monitored map[string]map[Key]struct{}
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:       log.Named("alerts"),
		handlers:  make(map[Key]Handler),
		monitored: make(map[string]map[Key]struct{}),
	}
}

func (r *Registry) AddHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[KeyOf(h)] = h
}

// RemoveHandler forgets h. Environments that monitored it stop receiving
// its callbacks but keep the registration in case it is added again.
func (r *Registry) RemoveHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, KeyOf(h))
}

// Handlers returns the known handlers in dispatch order.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	result := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		result = append(result, h)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return less(KeyOf(result[i]), KeyOf(result[j])) })
	return result
}

// StartMonitoring subscribes envID to the handler. Repeating it is a no-op.
func (r *Registry) StartMonitoring(handlerID string, p Priority, envID string) error {
	key := Key{HandlerID: handlerID, Priority: p}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; !ok {
		return fmt.Errorf("%s/%s: %w", handlerID, p, ErrHandlerNotFound)
	}
	set, ok := r.monitored[envID]
	if !ok {
		set = make(map[Key]struct{})
		r.monitored[envID] = set
	}
	set[key] = struct{}{}
	return nil
}

// StopMonitoring removes the subscription if present.
func (r *Registry) StopMonitoring(handlerID string, p Priority, envID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.monitored[envID]
	if !ok {
		return
	}
	delete(set, Key{HandlerID: handlerID, Priority: p})
	if len(set) == 0 {
		delete(r.monitored, envID)
	}
}

// EnvironmentHandlers lists the registrations of envID in dispatch order.
func (r *Registry) EnvironmentHandlers(envID string) []Key {
	r.mu.RLock()
	set := r.monitored[envID]
	keys := make([]Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}

// RemoveEnvironment drops every registration of a destroyed environment.
func (r *Registry) RemoveEnvironment(envID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.monitored, envID)
}

// Dispatch hands a to the environment's handlers by priority. A failing
// handler does not stop the others; their errors are combined.
func (r *Registry) Dispatch(ctx context.Context, a Alert) error {
	var targets []Handler
	r.mu.RLock()
	for k := range r.monitored[a.EnvironmentID] {
		if h, ok := r.handlers[k]; ok {
			targets = append(targets, h)
		}
	}
	r.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return less(KeyOf(targets[i]), KeyOf(targets[j])) })

	var errs error
	for _, h := range targets {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := h.Handle(ctx, a); err != nil {
			r.log.Warn("Alert handler failed",
				zap.String("handler", h.ID()),
				zap.String("environment", a.EnvironmentID),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("handler %s: %w", h.ID(), err))
		}
	}
	return errs
}

func less(a, b Key) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.HandlerID < b.HandlerID
}
