package placement

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNoCapacity = errors.New("no host capacity available")

const defaultMaxPerHost = 8

// Manager tracks container capacity per physical host. Workflows reserve
// slots before creating containers and bind them once a container exists;
// reservations left at the end of a workflow are released.
type Manager struct {
	cfg  Config
	path string
	log  *zap.Logger

	mu    sync.Mutex
	slots []Slot
	now   func() time.Time
}

// NewManager loads persisted slots from baseDir. An empty baseDir keeps
// state in memory only.
func NewManager(cfg Config, baseDir string, log *zap.Logger) (*Manager, error) {
	if cfg.MaxPerHost <= 0 {
		cfg.MaxPerHost = defaultMaxPerHost
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg: cfg,
		log: log.Named("placement"),
		now: time.Now,
	}
	if baseDir == "" {
		return m, nil
	}
	m.path = filepath.Join(baseDir, stateFile)
	snap, err := loadSnapshot(m.path)
	if err != nil {
		return nil, err
	}
	m.slots = snap.slots()
	if n := snap.reservations(); n > 0 {
		m.log.Info("Loaded reservations of a previous run; Reconcile drops them", zap.Int("reservations", n))
	}
	return m, nil
}

// Reserve picks a host for every request, least loaded first, and holds a
// slot on it for workflowID. Either all requests are placed or none are.
func (m *Manager) Reserve(workflowID string, hosts []Host, reqs []Request) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	load := make(map[uuid.UUID]int, len(hosts))
	for _, s := range m.slots {
		load[s.HostID]++
	}
	byName := make(map[string]Host, len(hosts))
	for _, h := range hosts {
		byName[h.Hostname] = h
	}

	var (
		assignments []Assignment
		reserved    []Slot
	)
	for _, req := range reqs {
		var (
			chosen Host
			found  bool
		)
		if req.Host != "" {
			h, ok := byName[req.Host]
			if ok && load[h.ID] < m.cfg.MaxPerHost {
				chosen, found = h, true
			}
		} else {
			chosen, found = m.leastLoaded(hosts, load)
		}
		if !found {
			return nil, fmt.Errorf("placing %s: %w", req.Name, ErrNoCapacity)
		}
		load[chosen.ID]++
		assignments = append(assignments, Assignment{Name: req.Name, HostID: chosen.ID, Hostname: chosen.Hostname})
		reserved = append(reserved, Slot{
			HostID:     chosen.ID,
			Hostname:   chosen.Hostname,
			State:      SlotReserved,
			WorkflowID: workflowID,
			CreatedAt:  m.now(),
		})
	}

	m.slots = append(m.slots, reserved...)
	m.persist()
	m.log.Debug("Reserved capacity", zap.String("workflow", workflowID), zap.Int("slots", len(reserved)))
	return assignments, nil
}

func (m *Manager) leastLoaded(hosts []Host, load map[uuid.UUID]int) (Host, bool) {
	var (
		best  Host
		found bool
	)
	for _, h := range hosts {
		if load[h.ID] >= m.cfg.MaxPerHost {
			continue
		}
		if !found || load[h.ID] < load[best.ID] ||
			(load[h.ID] == load[best.ID] && h.Hostname < best.Hostname) {
			best, found = h, true
		}
	}
	return best, found
}

// Bind turns one of workflowID's reservations on hostID into an allocation
// for containerID.
func (m *Manager) Bind(workflowID string, hostID uuid.UUID, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.slots {
		s := &m.slots[i]
		if s.State == SlotReserved && s.WorkflowID == workflowID && s.HostID == hostID {
			s.State = SlotActive
			s.WorkflowID = ""
			s.ContainerID = containerID
			s.BoundAt = m.now()
			m.persist()
			return nil
		}
	}
	return fmt.Errorf("no reservation for workflow %s on host %s", workflowID, hostID)
}

// Release drops the reservations still held by workflowID and returns how
// many were dropped.
func (m *Manager) Release(workflowID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeWhere(func(s Slot) bool {
		return s.State == SlotReserved && s.WorkflowID == workflowID
	})
}

// Free returns the capacity used by containerID.
func (m *Manager) Free(containerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeWhere(func(s Slot) bool {
		return s.State == SlotActive && s.ContainerID == containerID
	}) > 0
}

// Forget drops every slot of a host that left the fleet.
func (m *Manager) Forget(hostID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.removeWhere(func(s Slot) bool { return s.HostID == hostID })
	if n > 0 {
		m.log.Info("Forgot host capacity", zap.Stringer("host", hostID), zap.Int("slots", n))
	}
	return n
}

// Reconcile aligns slots with the containers that actually exist, keyed by
// container id. Reservations from a previous run are dropped, stale
// allocations removed and untracked containers adopted.
func (m *Manager) Reconcile(containers map[string]Host) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []Slot
	tracked := make(map[string]bool)
	for _, s := range m.slots {
		if s.State != SlotActive {
			continue
		}
		if _, exists := containers[s.ContainerID]; !exists {
			m.log.Info("Reconcile: removing stale slot", zap.String("container", s.ContainerID))
			continue
		}
		tracked[s.ContainerID] = true
		kept = append(kept, s)
	}
	for id, h := range containers {
		if tracked[id] {
			continue
		}
		kept = append(kept, Slot{
			HostID:      h.ID,
			Hostname:    h.Hostname,
			State:       SlotActive,
			ContainerID: id,
			CreatedAt:   m.now(),
			BoundAt:     m.now(),
		})
	}
	m.slots = kept
	m.persist()
}

// Status reports reserved and active slots per host, ordered by hostname.
func (m *Manager) Status() []HostLoad {
	m.mu.Lock()
	defer m.mu.Unlock()

	byHost := make(map[uuid.UUID]*HostLoad)
	for _, s := range m.slots {
		hl, ok := byHost[s.HostID]
		if !ok {
			hl = &HostLoad{HostID: s.HostID, Hostname: s.Hostname}
			byHost[s.HostID] = hl
		}
		switch s.State {
		case SlotReserved:
			hl.Reserved++
		case SlotActive:
			hl.Active++
		}
	}

	result := make([]HostLoad, 0, len(byHost))
	for _, hl := range byHost {
		result = append(result, *hl)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Hostname < result[j].Hostname })
	return result
}

// Load is the number of slots in use on hostID.
func (m *Manager) Load(hostID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s.HostID == hostID {
			n++
		}
	}
	return n
}

func (m *Manager) removeWhere(match func(Slot) bool) int {
	kept := m.slots[:0]
	removed := 0
	for _, s := range m.slots {
		if match(s) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.slots = kept
	if removed > 0 {
		m.persist()
	}
	return removed
}

func (m *Manager) persist() {
	if m.path == "" {
		return
	}
	if err := writeSnapshot(m.path, newSnapshot(m.slots, m.now())); err != nil {
		m.log.Warn("Failed to persist placement state", zap.Error(err))
	}
}
