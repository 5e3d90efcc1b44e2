package placement

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	stateFile    = "placement-state.json"
	stateVersion = 1
)

// snapshot is the on-disk form of the slot table, grouped by host.
type snapshot struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"savedAt"`
	Hosts   []hostRecord `json:"hosts"`
}

type hostRecord struct {
	HostID       uuid.UUID     `json:"hostId"`
	Hostname     string        `json:"hostname"`
	Containers   []allocation  `json:"containers,omitempty"`
	Reservations []reservation `json:"reservations,omitempty"`
}

type allocation struct {
	ContainerID string    `json:"containerId"`
	CreatedAt   time.Time `json:"createdAt"`
	BoundAt     time.Time `json:"boundAt"`
}

type reservation struct {
	WorkflowID string    `json:"workflowId"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newSnapshot(slots []Slot, now time.Time) snapshot {
	byHost := make(map[uuid.UUID]*hostRecord)
	for _, s := range slots {
		h, ok := byHost[s.HostID]
		if !ok {
			h = &hostRecord{HostID: s.HostID, Hostname: s.Hostname}
			byHost[s.HostID] = h
		}
		switch s.State {
		case SlotActive:
			h.Containers = append(h.Containers, allocation{ContainerID: s.ContainerID, CreatedAt: s.CreatedAt, BoundAt: s.BoundAt})
		case SlotReserved:
			h.Reservations = append(h.Reservations, reservation{WorkflowID: s.WorkflowID, CreatedAt: s.CreatedAt})
		}
	}
	snap := snapshot{Version: stateVersion, SavedAt: now, Hosts: make([]hostRecord, 0, len(byHost))}
	for _, h := range byHost {
		snap.Hosts = append(snap.Hosts, *h)
	}
	sort.Slice(snap.Hosts, func(i, j int) bool { return snap.Hosts[i].Hostname < snap.Hosts[j].Hostname })
	return snap
}

// slots flattens the snapshot back into the slot table.
func (s snapshot) slots() []Slot {
	var out []Slot
	for _, h := range s.Hosts {
		for _, a := range h.Containers {
			out = append(out, Slot{
				HostID:      h.HostID,
				Hostname:    h.Hostname,
				State:       SlotActive,
				ContainerID: a.ContainerID,
				CreatedAt:   a.CreatedAt,
				BoundAt:     a.BoundAt,
			})
		}
		for _, r := range h.Reservations {
			out = append(out, Slot{
				HostID:     h.HostID,
				Hostname:   h.Hostname,
				State:      SlotReserved,
				WorkflowID: r.WorkflowID,
				CreatedAt:  r.CreatedAt,
			})
		}
	}
	return out
}

func (s snapshot) reservations() int {
	n := 0
	for _, h := range s.Hosts {
		n += len(h.Reservations)
	}
	return n
}

func loadSnapshot(path string) (snapshot, error) {
	var snap snapshot
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("reading placement state: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parsing placement state: %w", err)
	}
	if snap.Version != stateVersion {
		return snap, fmt.Errorf("placement state %s: unsupported version %d", path, snap.Version)
	}
	return snap, nil
}

// writeSnapshot replaces the state file through a rename so a crash never
// leaves a truncated table.
func writeSnapshot(path string, snap snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
