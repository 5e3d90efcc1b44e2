package agentclient

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/mateo/fleet/internal/protocol"
)

// SimContainer is a container held by a SimulatedHost.
type SimContainer struct {
	ID       string
	Name     string
	Hostname string
	Template string
	Size     string
	IP       string
	SSHKeys  []string
}

// SimulatedHost is an Executor that keeps containers in memory. It lets a
// control plane be exercised without a container runtime.
type SimulatedHost struct {
	// OnCreate and OnDestroy are called outside the lock after the change.
	OnCreate  func(c SimContainer)
	OnDestroy func(c SimContainer)

	mu         sync.Mutex
	containers map[string]*SimContainer
	secrets    map[string]string
	tunnels    map[string]int
	nextIP     int
	nextPort   int
}

func NewSimulatedHost() *SimulatedHost {
	return &SimulatedHost{
		containers: make(map[string]*SimContainer),
		secrets:    make(map[string]string),
		tunnels:    make(map[string]int),
		nextIP:     2,
		nextPort:   40000,
	}
}

func (h *SimulatedHost) Execute(ctx context.Context, action string, args map[string]string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch action {
	case protocol.ActionCreateContainer:
		return h.create(args)
	case protocol.ActionDestroyContainer:
		return nil, h.destroy(args[protocol.ArgContainerID])
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.containers[args[protocol.ArgContainerID]]
	if !ok {
		return nil, fmt.Errorf("container %q not found", args[protocol.ArgContainerID])
	}

	switch action {
	case protocol.ActionResizeContainer:
		c.Size = args[protocol.ArgSize]
	case protocol.ActionSetHostname:
		if args[protocol.ArgHostname] == "" {
			return nil, fmt.Errorf("hostname is required")
		}
		c.Hostname = args[protocol.ArgHostname]
	case protocol.ActionAddSSHKey:
		for _, k := range c.SSHKeys {
			if k == args[protocol.ArgKey] {
				return nil, nil
			}
		}
		c.SSHKeys = append(c.SSHKeys, args[protocol.ArgKey])
	case protocol.ActionRemoveSSHKey:
		kept := c.SSHKeys[:0]
		for _, k := range c.SSHKeys {
			if k != args[protocol.ArgKey] {
				kept = append(kept, k)
			}
		}
		c.SSHKeys = kept
	case protocol.ActionResetP2PSecret:
		h.secrets[c.ID] = args[protocol.ArgSecret]
	case protocol.ActionOpenTunnel:
		port := h.nextPort
		h.nextPort++
		h.tunnels[c.ID] = port
		return map[string]string{
			protocol.ArgHost: "127.0.0.1",
			protocol.ArgPort: strconv.Itoa(port),
		}, nil
	case protocol.ActionCloseTunnel:
		delete(h.tunnels, c.ID)
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}
	return nil, nil
}

func (h *SimulatedHost) create(args map[string]string) (map[string]string, error) {
	if args[protocol.ArgName] == "" || args[protocol.ArgTemplate] == "" {
		return nil, fmt.Errorf("name and template are required")
	}
	h.mu.Lock()
	id := args[protocol.ArgContainerID]
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := h.containers[id]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("container %s already exists", id)
	}
	c := &SimContainer{
		ID:       id,
		Name:     args[protocol.ArgName],
		Hostname: args[protocol.ArgHostname],
		Template: args[protocol.ArgTemplate],
		Size:     args[protocol.ArgSize],
		IP:       fmt.Sprintf("10.0.3.%d", h.nextIP),
	}
	h.nextIP++
	h.containers[id] = c
	created := *c
	h.mu.Unlock()

	if h.OnCreate != nil {
		h.OnCreate(created)
	}
	return map[string]string{
		protocol.ArgContainerID: created.ID,
		protocol.ArgIP:          created.IP,
		protocol.ArgHostname:    created.Hostname,
	}, nil
}

// destroy succeeds for unknown containers so retries are harmless.
func (h *SimulatedHost) destroy(id string) error {
	h.mu.Lock()
	c, ok := h.containers[id]
	if ok {
		delete(h.containers, id)
		delete(h.tunnels, id)
		delete(h.secrets, id)
	}
	h.mu.Unlock()

	if ok && h.OnDestroy != nil {
		h.OnDestroy(*c)
	}
	return nil
}

// Containers returns copies of the current containers ordered by name.
func (h *SimulatedHost) Containers() []SimContainer {
	h.mu.Lock()
	defer h.mu.Unlock()
	result := make([]SimContainer, 0, len(h.containers))
	for _, c := range h.containers {
		cp := *c
		cp.SSHKeys = append([]string(nil), c.SSHKeys...)
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
