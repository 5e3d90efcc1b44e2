package tunnel

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultConnectWindow = 30 * time.Second
	DefaultIdleTimeout   = 30 * time.Second
)

// Tunnel is an externally reachable port forwarded to a container's ssh
// daemon.
type Tunnel struct {
	ContainerID   string    `json:"containerId"`
	EnvironmentID string    `json:"environmentId"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	OpenedAt      time.Time `json:"openedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type entry struct {
	tunnel Tunnel
	timer  *time.Timer
}

// Manager keeps the bookkeeping of open tunnels, one per container. A tunnel
// must see a connection within the connect window and then expires after
// the idle timeout without activity. Expired tunnels are handed to the
// expiry callback.
type Manager struct {
	connectWindow time.Duration
	idleTimeout   time.Duration
	onExpire      func(Tunnel)
	log           *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

type Options struct {
	ConnectWindow time.Duration
	IdleTimeout   time.Duration
	// OnExpire runs on its own goroutine after the tunnel is dropped.
	OnExpire func(Tunnel)
	Logger   *zap.Logger
}

func NewManager(opts Options) *Manager {
	if opts.ConnectWindow <= 0 {
		opts.ConnectWindow = DefaultConnectWindow
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		connectWindow: opts.ConnectWindow,
		idleTimeout:   opts.IdleTimeout,
		onExpire:      opts.OnExpire,
		log:           opts.Logger.Named("tunnel"),
		entries:       make(map[string]*entry),
		now:           time.Now,
	}
}

// ConnectWindow is how long a fresh tunnel waits for its first connection.
func (m *Manager) ConnectWindow() time.Duration { return m.connectWindow }

// Lifetime is the longest a tunnel can stay open without activity.
func (m *Manager) Lifetime() time.Duration { return m.connectWindow + m.idleTimeout }

// Get returns the live tunnel of a container.
func (m *Manager) Get(containerID string) (Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[containerID]
	if !ok {
		return Tunnel{}, false
	}
	return e.tunnel, true
}

// Put records a newly opened tunnel, replacing any previous one for the
// same container. The replaced tunnel is returned so the caller can close it.
func (m *Manager) Put(t Tunnel) (Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, hadPrev := m.entries[t.ContainerID]
	if hadPrev {
		prev.timer.Stop()
	}

	now := m.now()
	if t.OpenedAt.IsZero() {
		t.OpenedAt = now
	}
	t.ExpiresAt = now.Add(m.connectWindow)
	e := &entry{tunnel: t}
	e.timer = time.AfterFunc(m.connectWindow, func() { m.expire(t.ContainerID, e) })
	m.entries[t.ContainerID] = e

	m.log.Info("Tunnel opened",
		zap.String("container", t.ContainerID),
		zap.String("environment", t.EnvironmentID),
		zap.Int("port", t.Port))
	if hadPrev {
		return prev.tunnel, true
	}
	return Tunnel{}, false
}

// Touch records activity on a tunnel and pushes its expiry out by the idle
// timeout. It reports false when the tunnel is gone.
func (m *Manager) Touch(containerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[containerID]
	if !ok {
		return false
	}
	e.timer.Reset(m.idleTimeout)
	e.tunnel.ExpiresAt = m.now().Add(m.idleTimeout)
	return true
}

// Remove drops the tunnel of a container without running the expiry
// callback.
func (m *Manager) Remove(containerID string) (Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[containerID]
	if !ok {
		return Tunnel{}, false
	}
	e.timer.Stop()
	delete(m.entries, containerID)
	return e.tunnel, true
}

// RemoveEnvironment drops every tunnel of an environment.
func (m *Manager) RemoveEnvironment(envID string) []Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []Tunnel
	for id, e := range m.entries {
		if e.tunnel.EnvironmentID != envID {
			continue
		}
		e.timer.Stop()
		delete(m.entries, id)
		removed = append(removed, e.tunnel)
	}
	return removed
}

// List returns the open tunnels ordered by container id.
func (m *Manager) List() []Tunnel {
	m.mu.Lock()
	result := make([]Tunnel, 0, len(m.entries))
	for _, e := range m.entries {
		result = append(result, e.tunnel)
	}
	m.mu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ContainerID < result[j].ContainerID })
	return result
}

// Close stops every timer without running callbacks.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		e.timer.Stop()
		delete(m.entries, id)
	}
}

func (m *Manager) expire(containerID string, e *entry) {
	m.mu.Lock()
	cur, ok := m.entries[containerID]
	if !ok || cur != e {
		m.mu.Unlock()
		return
	}
	delete(m.entries, containerID)
	t := e.tunnel
	m.mu.Unlock()

	m.log.Info("Tunnel expired", zap.String("container", containerID), zap.Int("port", t.Port))
	if m.onExpire != nil {
		m.onExpire(t)
	}
}
