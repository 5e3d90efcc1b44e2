package agentcmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mateo/fleet/internal/environment"
)

// MockRuntime implements Runtime in memory for testing.
type MockRuntime struct {
	// CreateFn, when set, runs before a container is recorded. Returning an
	// error fails the create.
	CreateFn  func(ctx context.Context, hostID uuid.UUID, c environment.Container) error
	DestroyFn func(ctx context.Context, hostID uuid.UUID, containerID string) error
	SSHKeyFn  func(ctx context.Context, hostID uuid.UUID, containerID, key string) error
	ResizeErr error
	TunnelErr error

	mu         sync.Mutex
	containers map[string]environment.Container
	keys       map[string][]string
	secrets    map[string]string
	tunnels    map[string]int
	nextPort   int
	calls      []string
}

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		containers: make(map[string]environment.Container),
		keys:       make(map[string][]string),
		secrets:    make(map[string]string),
		tunnels:    make(map[string]int),
		nextPort:   2200,
	}
}

func (m *MockRuntime) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

// Calls lists the operations performed so far, as "action:containerID".
func (m *MockRuntime) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockRuntime) CreateContainer(ctx context.Context, hostID uuid.UUID, c environment.Container) (environment.Container, error) {
	m.record("create:" + c.ID)
	if m.CreateFn != nil {
		if err := m.CreateFn(ctx, hostID, c); err != nil {
			return environment.Container{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return environment.Container{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.containers[c.ID]; exists {
		return environment.Container{}, fmt.Errorf("container %s already exists", c.ID)
	}
	c.HostID = hostID
	c.IP = fmt.Sprintf("10.0.3.%d", len(m.containers)+2)
	m.containers[c.ID] = c
	return c, nil
}

func (m *MockRuntime) DestroyContainer(ctx context.Context, hostID uuid.UUID, containerID string) error {
	m.record("destroy:" + containerID)
	if m.DestroyFn != nil {
		if err := m.DestroyFn(ctx, hostID, containerID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, containerID)
	delete(m.keys, containerID)
	delete(m.tunnels, containerID)
	return nil
}

func (m *MockRuntime) ResizeContainer(ctx context.Context, hostID uuid.UUID, containerID string, size environment.ContainerSize) error {
	m.record("resize:" + containerID)
	if m.ResizeErr != nil {
		return m.ResizeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[containerID]
	if !ok {
		return fmt.Errorf("container %q not found", containerID)
	}
	c.Size = size
	m.containers[containerID] = c
	return nil
}

func (m *MockRuntime) SetHostname(ctx context.Context, hostID uuid.UUID, containerID, hostname string) error {
	m.record("hostname:" + containerID)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[containerID]
	if !ok {
		return fmt.Errorf("container %q not found", containerID)
	}
	c.Hostname = hostname
	m.containers[containerID] = c
	return nil
}

func (m *MockRuntime) AddSSHKey(ctx context.Context, hostID uuid.UUID, containerID, key string) error {
	m.record("addKey:" + containerID)
	if m.SSHKeyFn != nil {
		if err := m.SSHKeyFn(ctx, hostID, containerID, key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[containerID]; !ok {
		return fmt.Errorf("container %q not found", containerID)
	}
	for _, k := range m.keys[containerID] {
		if k == key {
			return nil
		}
	}
	m.keys[containerID] = append(m.keys[containerID], key)
	return nil
}

func (m *MockRuntime) RemoveSSHKey(ctx context.Context, hostID uuid.UUID, containerID, key string) error {
	m.record("removeKey:" + containerID)
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []string
	for _, k := range m.keys[containerID] {
		if k != key {
			kept = append(kept, k)
		}
	}
	m.keys[containerID] = kept
	return nil
}

func (m *MockRuntime) ResetP2PSecret(ctx context.Context, hostID uuid.UUID, containerID, secret string, ttl time.Duration) error {
	m.record("secret:" + containerID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[containerID] = secret
	return nil
}

func (m *MockRuntime) OpenTunnel(ctx context.Context, hostID uuid.UUID, containerID string) (string, int, error) {
	m.record("openTunnel:" + containerID)
	if m.TunnelErr != nil {
		return "", 0, m.TunnelErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	port := m.nextPort
	m.nextPort++
	m.tunnels[containerID] = port
	return "127.0.0.1", port, nil
}

func (m *MockRuntime) CloseTunnel(ctx context.Context, hostID uuid.UUID, containerID string) error {
	m.record("closeTunnel:" + containerID)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tunnels, containerID)
	return nil
}

// Container returns a created container that has not been destroyed.
func (m *MockRuntime) Container(id string) (environment.Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	return c, ok
}

func (m *MockRuntime) ContainerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.containers)
}

// Keys returns the ssh keys installed on a container.
func (m *MockRuntime) Keys(containerID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys[containerID]...)
}

func (m *MockRuntime) Secret(containerID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secrets[containerID]
}

// OpenTunnels is the number of tunnels currently open.
func (m *MockRuntime) OpenTunnels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}
