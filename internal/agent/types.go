package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mateo/fleet/internal/protocol"
)

// Agent is a registered physical host or container.
type Agent struct {
	ID             uuid.UUID `json:"id"`
	Hostname       string    `json:"hostname"`
	IsContainer    bool      `json:"isContainer"`
	ParentHostname string    `json:"parentHostname,omitempty"`
	TransportID    string    `json:"transportId,omitempty"`
	IPs            []string  `json:"ips,omitempty"`
	RegisteredAt   time.Time `json:"registeredAt"`
}

// EventType identifies the kind of registry change.
type EventType string

const (
	EventRegistered EventType = "agent.registered"
	EventRemoved    EventType = "agent.removed"
)

// Event carries only the agents that changed in one batch.
type Event struct {
	Type   EventType `json:"type"`
	Agents []Agent   `json:"agents"`
}

// Listener observes registry changes. Implementations must be comparable so
// they can be removed again; pointer receivers are the usual choice.
type Listener interface {
	OnAgents(ev Event)
}

// Gateway is the part of the communication gateway the registry depends on.
type Gateway interface {
	AddResponseListener(l protocol.ResponseListener)
	RemoveResponseListener(l protocol.ResponseListener)
	SendRequest(ctx context.Context, req protocol.Request) error
}
