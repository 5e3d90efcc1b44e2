package workflow

import (
	"fmt"
	"sort"
	"sync"
)

const defaultHistory = 256

// Registry holds the single active workflow of each environment and a short
// history of finished ones for polling.
type Registry struct {
	mu      sync.Mutex
	active  map[string]*Workflow
	byID    map[string]*Workflow
	history []string
	keep    int
}

// NewRegistry keeps up to keep finished workflows addressable by id; zero
// selects the default.
func NewRegistry(keep int) *Registry {
	if keep <= 0 {
		keep = defaultHistory
	}
	return &Registry{
		active: make(map[string]*Workflow),
		byID:   make(map[string]*Workflow),
		keep:   keep,
	}
}

// Register claims the environment for wf. It fails with ErrConflict when
// another workflow is active for the same environment. The claim is released
// automatically when wf reaches a terminal state, before its Done channel
// closes.
func (r *Registry) Register(wf *Workflow) error {
	r.mu.Lock()
	if cur, ok := r.active[wf.EnvironmentID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("environment %s: %w (%s %s)", wf.EnvironmentID, ErrConflict, cur.Kind, cur.ID)
	}
	r.active[wf.EnvironmentID] = wf
	r.byID[wf.ID] = wf
	r.mu.Unlock()

	wf.addFinishHook(func() { r.Unregister(wf) })
	return nil
}

// Unregister releases the environment if wf still holds it.
func (r *Registry) Unregister(wf *Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[wf.EnvironmentID]; !ok || cur != wf {
		return
	}
	delete(r.active, wf.EnvironmentID)

	r.history = append(r.history, wf.ID)
	for len(r.history) > r.keep {
		delete(r.byID, r.history[0])
		r.history = r.history[1:]
	}
}

// Cancel signals the active workflow of envID. It is a no-op returning false
// when none is active.
func (r *Registry) Cancel(envID string) bool {
	r.mu.Lock()
	wf, ok := r.active[envID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return wf.Cancel()
}

// ActiveFor returns the workflow currently holding envID.
func (r *Registry) ActiveFor(envID string) (*Workflow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.active[envID]
	return wf, ok
}

// Lookup finds an active or recently finished workflow by id.
func (r *Registry) Lookup(id string) (*Workflow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.byID[id]
	return wf, ok
}

// Active returns the running workflows ordered by start time.
func (r *Registry) Active() []*Workflow {
	r.mu.Lock()
	result := make([]*Workflow, 0, len(r.active))
	for _, wf := range r.active {
		result = append(result, wf)
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}
