package environment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusEmpty             Status = "EMPTY"
	StatusHealthy           Status = "HEALTHY"
	StatusUnhealthy         Status = "UNHEALTHY"
	StatusUnderModification Status = "UNDER_MODIFICATION"
)

// ContainerSize is the resource class of a container.
type ContainerSize string

const (
	SizeTiny   ContainerSize = "TINY"
	SizeSmall  ContainerSize = "SMALL"
	SizeMedium ContainerSize = "MEDIUM"
	SizeLarge  ContainerSize = "LARGE"
	SizeHuge   ContainerSize = "HUGE"
)

func ParseSize(s string) (ContainerSize, error) {
	switch size := ContainerSize(strings.ToUpper(s)); size {
	case SizeTiny, SizeSmall, SizeMedium, SizeLarge, SizeHuge:
		return size, nil
	case "":
		return SizeSmall, nil
	}
	return "", fmt.Errorf("unknown container size %q", s)
}

// ProxyStrategy selects how the reverse proxy spreads traffic over the
// containers of a domain.
type ProxyStrategy string

const (
	StrategyNone          ProxyStrategy = "NONE"
	StrategyLoadBalance   ProxyStrategy = "LOAD_BALANCE"
	StrategyStickySession ProxyStrategy = "STICKY_SESSION"
)

func ParseStrategy(s string) (ProxyStrategy, error) {
	switch st := ProxyStrategy(strings.ToUpper(s)); st {
	case StrategyNone, StrategyLoadBalance, StrategyStickySession:
		return st, nil
	case "":
		return StrategyNone, nil
	}
	return "", fmt.Errorf("unknown proxy strategy %q", s)
}

type Domain struct {
	Name     string        `json:"name"`
	Strategy ProxyStrategy `json:"strategy"`
	CertPath string        `json:"certPath,omitempty"`
}

type Container struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Hostname string        `json:"hostname"`
	HostID   uuid.UUID     `json:"hostId"`
	Template string        `json:"template"`
	Size     ContainerSize `json:"size"`
	IP       string        `json:"ip,omitempty"`
	InDomain bool          `json:"inDomain,omitempty"`
	// AgentID is the container's own agent once it has registered.
	AgentID   uuid.UUID `json:"agentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Environment struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Status       Status      `json:"status"`
	Containers   []Container `json:"containers"`
	SSHKeys      []string    `json:"sshKeys,omitempty"`
	Domain       *Domain     `json:"domain,omitempty"`
	P2PSecret    string      `json:"p2pSecret,omitempty"`
	P2PSecretTTL int64       `json:"p2pSecretTtl,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy.
func (e *Environment) Clone() *Environment {
	c := *e
	c.Containers = append([]Container(nil), e.Containers...)
	c.SSHKeys = append([]string(nil), e.SSHKeys...)
	if e.Domain != nil {
		d := *e.Domain
		c.Domain = &d
	}
	return &c
}

func (e *Environment) Container(id string) (Container, bool) {
	for _, c := range e.Containers {
		if c.ID == id {
			return c, true
		}
	}
	return Container{}, false
}

// ReplaceContainer swaps in c by id and reports whether it was found.
func (e *Environment) ReplaceContainer(c Container) bool {
	for i := range e.Containers {
		if e.Containers[i].ID == c.ID {
			e.Containers[i] = c
			return true
		}
	}
	return false
}

func (e *Environment) RemoveContainer(id string) bool {
	for i := range e.Containers {
		if e.Containers[i].ID == id {
			e.Containers = append(e.Containers[:i], e.Containers[i+1:]...)
			return true
		}
	}
	return false
}

// Peers lists the distinct physical hosts the environment spans.
func (e *Environment) Peers() []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var peers []uuid.UUID
	for _, c := range e.Containers {
		if !seen[c.HostID] {
			seen[c.HostID] = true
			peers = append(peers, c.HostID)
		}
	}
	return peers
}

// DomainMembers returns the containers currently bound to the domain.
func (e *Environment) DomainMembers() []Container {
	var members []Container
	for _, c := range e.Containers {
		if c.InDomain {
			members = append(members, c)
		}
	}
	return members
}

func (e *Environment) HasSSHKey(key string) bool {
	for _, k := range e.SSHKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Node is one requested container of a topology.
type Node struct {
	Name     string        `json:"name"`
	Template string        `json:"template"`
	Size     ContainerSize `json:"size,omitempty"`
	// Host optionally pins the node to a physical host by hostname.
	Host string `json:"host,omitempty"`
}

// Topology describes the containers to add to an environment.
type Topology struct {
	Name    string   `json:"name"`
	Nodes   []Node   `json:"nodes"`
	SSHKeys []string `json:"sshKeys,omitempty"`
}

func (t Topology) Validate() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("topology has no nodes")
	}
	names := make(map[string]bool, len(t.Nodes))
	for i, n := range t.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node %d: name is required", i)
		}
		if names[n.Name] {
			return fmt.Errorf("node %q: duplicate name", n.Name)
		}
		names[n.Name] = true
		if n.Template == "" {
			return fmt.Errorf("node %q: template is required", n.Name)
		}
		if n.Size != "" {
			if _, err := ParseSize(string(n.Size)); err != nil {
				return fmt.Errorf("node %q: %w", n.Name, err)
			}
		}
	}
	return nil
}
