package placement

import (
	"time"

	"github.com/google/uuid"
)

type SlotState string

const (
	SlotReserved SlotState = "reserved"
	SlotActive   SlotState = "active"
)

// Slot is one unit of container capacity on a physical host.
type Slot struct {
	HostID      uuid.UUID `json:"hostId"`
	Hostname    string    `json:"hostname"`
	State       SlotState `json:"state"`
	WorkflowID  string    `json:"workflowId,omitempty"`
	ContainerID string    `json:"containerId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	BoundAt     time.Time `json:"boundAt,omitempty"`
}

type Config struct {
	MaxPerHost int `json:"maxPerHost"`
}

// Host is a physical host eligible for placement.
type Host struct {
	ID       uuid.UUID
	Hostname string
}

// Request asks for room for one container, optionally on a named host.
type Request struct {
	Name string
	Host string
}

// Assignment is the host chosen for a request.
type Assignment struct {
	Name     string
	HostID   uuid.UUID
	Hostname string
}

type HostLoad struct {
	HostID   uuid.UUID `json:"hostId"`
	Hostname string    `json:"hostname"`
	Reserved int       `json:"reserved"`
	Active   int       `json:"active"`
}
