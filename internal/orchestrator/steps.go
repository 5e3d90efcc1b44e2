package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/placement"
	"github.com/mateo/fleet/internal/protocol"
	"github.com/mateo/fleet/internal/proxy"
	"github.com/mateo/fleet/internal/workflow"
)

func hostGone(id uuid.UUID) error {
	return fmt.Errorf("host %s: %w", id, ErrAgentUnavailable)
}

// reportErr returns the workflow's partial-failure report as an error, or
// nil when nothing failed.
func reportErr(w *workflow.Workflow) error {
	if r := w.Report(); r != nil {
		return r
	}
	return nil
}

func noContainers(w *workflow.Workflow) error {
	if r := w.Report(); r != nil {
		return fmt.Errorf("%w: %w", ErrNoContainers, r)
	}
	return ErrNoContainers
}

// markUnderModification persists env as under modification. Its
// compensation settles the working copy, so a rolled back workflow leaves
// the record matching whatever its other compensations could not undo.
func (m *Manager) markUnderModification(w *workflow.Workflow, env *environment.Environment) error {
	env.Status = environment.StatusUnderModification
	return w.Step("mark environment", func(ctx context.Context) error {
		return m.save(env)
	}, func(ctx context.Context) error {
		_, err := m.settle(ctx, nil, env)
		return err
	})
}

// finish settles env at the end of a successful workflow and publishes the
// result. It reports whether the environment was removed.
func (m *Manager) finish(w *workflow.Workflow, env *environment.Environment) (bool, error) {
	removed, err := m.settle(context.WithoutCancel(w.Context()), w, env)
	if err != nil {
		return false, err
	}
	if removed {
		w.SetResult(nil)
	} else {
		w.SetResult(env.Clone())
	}
	return removed, nil
}

// settle persists env after a membership change. Containers whose host left
// the registry are dropped first; an environment left without containers is
// removed, otherwise it is saved and its proxy entry follows the current
// domain members.
func (m *Manager) settle(ctx context.Context, w *workflow.Workflow, env *environment.Environment) (bool, error) {
	for _, c := range slices.Clone(env.Containers) {
		if m.live(c.HostID) {
			continue
		}
		env.RemoveContainer(c.ID)
		m.NotifyOnContainerDestroyed(env.ID, c.ID)
		if w != nil {
			w.Fail("prune container", c.Name, hostGone(c.HostID))
		} else {
			m.log.Warn("Pruned container of departed host",
				zap.String("environment", env.ID), zap.String("container", c.ID))
		}
	}

	if len(env.Containers) == 0 {
		if err := m.store.Delete(env.ID); err != nil && !environment.IsNotFound(err) {
			return false, fmt.Errorf("removing environment %s: %w", env.ID, err)
		}
		if env.Domain != nil {
			if err := m.proxy.Unbind(ctx, env.ID); err != nil {
				m.log.Warn("Failed to unbind domain", zap.String("environment", env.ID), zap.Error(err))
			}
		}
		m.NotifyOnEnvironmentDestroyed(env.ID)
		m.log.Info("Environment removed", zap.String("environment", env.ID))
		return true, nil
	}

	env.Status = m.health(env)
	if err := m.save(env); err != nil {
		return false, err
	}
	if env.Domain != nil {
		if err := m.proxy.Bind(ctx, routeFor(env)); err != nil {
			if w != nil {
				w.Fail("bind domain", env.Domain.Name, err)
			} else {
				m.log.Warn("Failed to bind domain", zap.String("environment", env.ID), zap.Error(err))
			}
		}
	}
	return false, nil
}

// health derives the status of env from the registry.
func (m *Manager) health(env *environment.Environment) environment.Status {
	if len(env.Containers) == 0 {
		return environment.StatusEmpty
	}
	for _, c := range env.Containers {
		if !m.live(c.HostID) || (c.AgentID != uuid.Nil && !m.live(c.AgentID)) {
			return environment.StatusUnhealthy
		}
	}
	return environment.StatusHealthy
}

func routeFor(env *environment.Environment) proxy.Route {
	r := proxy.Route{
		EnvironmentID: env.ID,
		Domain:        env.Domain.Name,
		Strategy:      env.Domain.Strategy,
		CertPath:      env.Domain.CertPath,
	}
	for _, c := range env.DomainMembers() {
		if c.IP == "" {
			continue
		}
		r.Backends = append(r.Backends, proxy.Backend{ContainerID: c.ID, Address: c.IP})
	}
	return r
}

// fanOut runs fn for every container in parallel, bounded by the configured
// parallelism. A container whose host is gone, or whose call fails, is
// recorded as a partial failure and skipped. It returns the containers fn
// succeeded on, and ErrCancelled when the workflow was cancelled.
func (m *Manager) fanOut(w *workflow.Workflow, op string, cs []environment.Container,
	fn func(ctx context.Context, c environment.Container) error) ([]environment.Container, error) {

	ok := make([]bool, len(cs))
	g, ctx := errgroup.WithContext(w.Context())
	g.SetLimit(m.cfg.Parallelism)
	for i, c := range cs {
		g.Go(func() error {
			if err := w.Checkpoint(); err != nil {
				return err
			}
			if !m.live(c.HostID) {
				w.Fail(op, c.Name, hostGone(c.HostID))
				return nil
			}
			sctx, cancel := m.stepContext(ctx)
			defer cancel()
			if err := fn(sctx, c); err != nil {
				if w.Cancelled() {
					return workflow.ErrCancelled
				}
				w.Fail(op, c.Name, err)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	err := g.Wait()

	var done []environment.Container
	for i, c := range cs {
		if ok[i] {
			done = append(done, c)
		}
	}
	return done, err
}

func (m *Manager) physicalHosts() []placement.Host {
	agents := m.agents.PhysicalAgents()
	hosts := make([]placement.Host, 0, len(agents))
	for _, a := range agents {
		hosts = append(hosts, placement.Host{ID: a.ID, Hostname: a.Hostname})
	}
	return hosts
}

// addContainers places and creates one container per node and appends the
// ones created to env. Failed creations are partial failures; the error is
// reserved for missing capacity and cancellation.
func (m *Manager) addContainers(w *workflow.Workflow, env *environment.Environment, nodes []environment.Node) (int, error) {
	reqs := make([]placement.Request, len(nodes))
	for i, n := range nodes {
		reqs[i] = placement.Request{Name: n.Name, Host: n.Host}
	}
	assignments, err := m.placement.Reserve(w.ID, m.physicalHosts(), reqs)
	if err != nil {
		return 0, err
	}
	defer m.placement.Release(w.ID)

	planned := make([]environment.Container, len(nodes))
	for i, n := range nodes {
		a := assignments[i]
		size := n.Size
		if size == "" {
			size = environment.SizeSmall
		}
		planned[i] = environment.Container{
			ID:        uuid.NewString(),
			Name:      n.Name,
			Hostname:  protocol.ContainerHostname(a.Hostname, m.cfg.Separator, n.Name),
			HostID:    a.HostID,
			Template:  n.Template,
			Size:      size,
			InDomain:  env.Domain != nil,
			CreatedAt: time.Now(),
		}
	}

	var (
		mu      sync.Mutex
		created = make(map[string]environment.Container)
	)
	_, err = m.fanOut(w, "create container", planned, func(ctx context.Context, c environment.Container) error {
		res, err := m.runtime.CreateContainer(ctx, c.HostID, c)
		if err != nil {
			if w.Cancelled() {
				// the agent may still have created it; destroy by id is idempotent
				w.OnRollback("create container "+c.Name, func(ctx context.Context) error {
					return m.undoCreate(ctx, env, c)
				})
			}
			return err
		}
		if err := m.placement.Bind(w.ID, c.HostID, res.ID); err != nil {
			w.Logger().Warn("Failed to bind placement", zap.String("container", res.ID), zap.Error(err))
		}
		w.OnRollback("create container "+c.Name, func(ctx context.Context) error {
			return m.undoCreate(ctx, env, res)
		})
		mu.Lock()
		created[c.ID] = res
		mu.Unlock()
		return nil
	})

	// keep declared order in the record
	for _, c := range planned {
		if res, ok := created[c.ID]; ok {
			env.Containers = append(env.Containers, res)
		}
	}
	return len(created), err
}

func (m *Manager) undoCreate(ctx context.Context, env *environment.Environment, c environment.Container) error {
	if !m.live(c.HostID) {
		return hostGone(c.HostID)
	}
	if err := m.runtime.DestroyContainer(ctx, c.HostID, c.ID); err != nil {
		return err
	}
	env.RemoveContainer(c.ID)
	m.NotifyOnContainerDestroyed(env.ID, c.ID)
	return nil
}

// removeContainers destroys cs and drops them from env. A container whose
// host already left is dropped without a remote call, with a partial
// failure noting that its removal was not confirmed.
func (m *Manager) removeContainers(w *workflow.Workflow, env *environment.Environment, cs []environment.Container) error {
	removed := make([]bool, len(cs))
	g, ctx := errgroup.WithContext(w.Context())
	g.SetLimit(m.cfg.Parallelism)
	for i, c := range cs {
		g.Go(func() error {
			if err := w.Checkpoint(); err != nil {
				return err
			}
			if !m.live(c.HostID) {
				w.Fail("destroy container", c.Name, hostGone(c.HostID))
				removed[i] = true
				return nil
			}
			sctx, cancel := m.stepContext(ctx)
			defer cancel()
			if err := m.runtime.DestroyContainer(sctx, c.HostID, c.ID); err != nil {
				if w.Cancelled() {
					return workflow.ErrCancelled
				}
				w.Fail("destroy container", c.Name, err)
				return nil
			}
			removed[i] = true
			return nil
		})
	}
	err := g.Wait()

	for i, c := range cs {
		if !removed[i] {
			continue
		}
		env.RemoveContainer(c.ID)
		m.evictContainerAgent(c)
		m.NotifyOnContainerDestroyed(env.ID, c.ID)
	}
	return err
}

// evictContainerAgent drops the registry entry of a destroyed container's
// own agent.
func (m *Manager) evictContainerAgent(c environment.Container) {
	id := c.AgentID
	if id == uuid.Nil {
		a, ok := m.agents.AgentByHostname(c.Hostname)
		if !ok || !a.IsContainer {
			return
		}
		id = a.ID
	}
	m.agents.Evict(id)
}

// pushKeys installs keys on the given containers.
func (m *Manager) pushKeys(w *workflow.Workflow, cs []environment.Container, keys []string) error {
	for _, key := range keys {
		_, err := m.fanOut(w, "add ssh key", cs, func(ctx context.Context, c environment.Container) error {
			return m.runtime.AddSSHKey(ctx, c.HostID, c.ID, key)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func mergeKeys(sets ...[]string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, set := range sets {
		for _, k := range set {
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}
