package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/workflow"
)

// CreateEnvironment places and creates the topology's containers on the
// registered hosts, records the environment and installs the default ssh
// keys. It fails with ErrEnvironmentCreation when capacity is missing, when
// no container could be created or when cancelled; containers created up to
// that point are destroyed first.
func (m *Manager) CreateEnvironment(ctx context.Context, topology environment.Topology, async bool) (*workflow.Workflow, error) {
	if err := topology.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvironmentCreation, err)
	}
	now := time.Now()
	env := &environment.Environment{
		ID:        uuid.NewString(),
		Name:      topology.Name,
		Status:    environment.StatusEmpty,
		SSHKeys:   mergeKeys(m.cfg.DefaultSSHKeys, topology.SSHKeys),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if env.Name == "" {
		env.Name = env.ID
	}

	wf, err := m.begin(env.ID, workflow.KindCreate, ErrEnvironmentCreation)
	if err != nil {
		return nil, err
	}
	return m.execute(ctx, wf, async, func(w *workflow.Workflow) error {
		if err := m.markUnderModification(w, env); err != nil {
			return err
		}
		n, err := m.addContainers(w, env, topology.Nodes)
		if err != nil {
			return err
		}
		if n == 0 {
			return noContainers(w)
		}
		if err := m.pushKeys(w, env.Containers, env.SSHKeys); err != nil {
			return err
		}
		removed, err := m.finish(w, env)
		if err != nil {
			return err
		}
		if removed {
			return noContainers(w)
		}
		return nil
	})
}

// GrowEnvironment adds the topology's containers to an environment.
func (m *Manager) GrowEnvironment(ctx context.Context, envID string, topology environment.Topology, async bool) (*workflow.Workflow, error) {
	if err := topology.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvironmentModification, err)
	}
	return m.modify(ctx, envID, workflow.KindGrow, modification{add: topology.Nodes}, async)
}

// ModifyEnvironment adds the topology's nodes, resizes and removes
// containers, in that order. Removing every container removes the
// environment.
func (m *Manager) ModifyEnvironment(ctx context.Context, envID string, topology environment.Topology,
	removed []string, resized map[string]environment.ContainerSize, async bool) (*workflow.Workflow, error) {

	mod := modification{add: topology.Nodes, remove: removed, resize: resized}
	if len(mod.add) > 0 {
		if err := topology.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEnvironmentModification, err)
		}
	}
	if len(mod.add) == 0 && len(mod.remove) == 0 && len(mod.resize) == 0 {
		return nil, fmt.Errorf("%w: nothing to modify", ErrEnvironmentModification)
	}
	for id, size := range resized {
		if _, err := environment.ParseSize(string(size)); err != nil || size == "" {
			return nil, fmt.Errorf("%w: container %s: invalid size %q", ErrEnvironmentModification, id, size)
		}
		if slices.Contains(removed, id) {
			return nil, fmt.Errorf("%w: container %s is both resized and removed", ErrEnvironmentModification, id)
		}
	}
	return m.modify(ctx, envID, workflow.KindModify, mod, async)
}

type modification struct {
	add    []environment.Node
	remove []string
	resize map[string]environment.ContainerSize
}

// check validates mod against the current record.
func (mod modification) check(env *environment.Environment) error {
	for _, n := range mod.add {
		for _, c := range env.Containers {
			if c.Name == n.Name {
				return fmt.Errorf("%w: container %q already exists", ErrEnvironmentModification, n.Name)
			}
		}
	}
	for _, id := range mod.remove {
		if _, ok := env.Container(id); !ok {
			return fmt.Errorf("container %s: %w", id, ErrContainerNotFound)
		}
	}
	for id := range mod.resize {
		if _, ok := env.Container(id); !ok {
			return fmt.Errorf("container %s: %w", id, ErrContainerNotFound)
		}
	}
	return nil
}

func (m *Manager) modify(ctx context.Context, envID string, kind workflow.Kind, mod modification, async bool) (*workflow.Workflow, error) {
	env, err := m.LoadEnvironment(envID)
	if err != nil {
		return nil, err
	}
	if err := mod.check(env); err != nil {
		return nil, err
	}

	wf, err := m.begin(envID, kind, ErrEnvironmentModification)
	if err != nil {
		return nil, err
	}
	return m.execute(ctx, wf, async, func(w *workflow.Workflow) error {
		env, err := m.LoadEnvironment(envID)
		if err != nil {
			return err
		}
		if err := mod.check(env); err != nil {
			return err
		}
		if err := m.markUnderModification(w, env); err != nil {
			return err
		}

		if len(mod.add) > 0 {
			before := len(env.Containers)
			n, err := m.addContainers(w, env, mod.add)
			if err != nil {
				return err
			}
			if n == 0 {
				return noContainers(w)
			}
			added := slices.Clone(env.Containers[before:])
			if err := m.pushKeys(w, added, env.SSHKeys); err != nil {
				return err
			}
		}

		if len(mod.resize) > 0 {
			if err := m.resizeContainers(w, env, mod.resize); err != nil {
				return err
			}
		}

		if len(mod.remove) > 0 {
			var targets []environment.Container
			for _, id := range mod.remove {
				c, _ := env.Container(id)
				targets = append(targets, c)
			}
			if err := m.removeContainers(w, env, targets); err != nil {
				return err
			}
		}

		_, err = m.finish(w, env)
		return err
	})
}

func (m *Manager) resizeContainers(w *workflow.Workflow, env *environment.Environment, sizes map[string]environment.ContainerSize) error {
	var targets []environment.Container
	for _, c := range env.Containers {
		if _, ok := sizes[c.ID]; ok {
			targets = append(targets, c)
		}
	}
	done, err := m.fanOut(w, "resize container", targets, func(ctx context.Context, c environment.Container) error {
		return m.runtime.ResizeContainer(ctx, c.HostID, c.ID, sizes[c.ID])
	})
	for _, c := range done {
		prev := c
		resized := c
		resized.Size = sizes[c.ID]
		env.ReplaceContainer(resized)
		w.OnRollback("resize container "+c.Name, func(ctx context.Context) error {
			if err := m.runtime.ResizeContainer(ctx, prev.HostID, prev.ID, prev.Size); err != nil {
				return err
			}
			env.ReplaceContainer(prev)
			return nil
		})
	}
	return err
}

// DestroyEnvironment destroys every container and removes the environment.
// Containers that could not be destroyed stay recorded and the workflow
// fails with ErrEnvironmentDestruction.
func (m *Manager) DestroyEnvironment(ctx context.Context, envID string, async bool) (*workflow.Workflow, error) {
	if _, err := m.LoadEnvironment(envID); err != nil {
		return nil, err
	}
	wf, err := m.begin(envID, workflow.KindDestroy, ErrEnvironmentDestruction)
	if err != nil {
		return nil, err
	}
	return m.execute(ctx, wf, async, func(w *workflow.Workflow) error {
		env, err := m.LoadEnvironment(envID)
		if err != nil {
			return err
		}
		if err := m.markUnderModification(w, env); err != nil {
			return err
		}
		if err := m.removeContainers(w, env, slices.Clone(env.Containers)); err != nil {
			return err
		}
		removed, err := m.finish(w, env)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%d containers remain: %w", len(env.Containers), reportErr(w))
		}
		return nil
	})
}

// DestroyContainer destroys one container. Destroying the last container
// removes the environment.
func (m *Manager) DestroyContainer(ctx context.Context, envID, containerID string, async bool) (*workflow.Workflow, error) {
	return m.destroyMatching(ctx, envID, workflow.KindDestroyContainer, async, func(env *environment.Environment) ([]environment.Container, error) {
		c, ok := env.Container(containerID)
		if !ok {
			return nil, fmt.Errorf("container %s: %w", containerID, ErrContainerNotFound)
		}
		return []environment.Container{c}, nil
	})
}

// ExcludePeerFromEnvironment destroys every container the environment has
// on the given physical host.
func (m *Manager) ExcludePeerFromEnvironment(ctx context.Context, envID string, peerID uuid.UUID, async bool) (*workflow.Workflow, error) {
	return m.destroyMatching(ctx, envID, workflow.KindExcludePeer, async, func(env *environment.Environment) ([]environment.Container, error) {
		var targets []environment.Container
		for _, c := range env.Containers {
			if c.HostID == peerID {
				targets = append(targets, c)
			}
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("peer %s: %w", peerID, ErrPeerNotFound)
		}
		return targets, nil
	})
}

func (m *Manager) destroyMatching(ctx context.Context, envID string, kind workflow.Kind, async bool,
	match func(env *environment.Environment) ([]environment.Container, error)) (*workflow.Workflow, error) {

	env, err := m.LoadEnvironment(envID)
	if err != nil {
		return nil, err
	}
	if _, err := match(env); err != nil {
		return nil, err
	}
	wf, err := m.begin(envID, kind, ErrEnvironmentModification)
	if err != nil {
		return nil, err
	}
	return m.execute(ctx, wf, async, func(w *workflow.Workflow) error {
		env, err := m.LoadEnvironment(envID)
		if err != nil {
			return err
		}
		targets, err := match(env)
		if err != nil {
			return err
		}
		if err := m.markUnderModification(w, env); err != nil {
			return err
		}
		if err := m.removeContainers(w, env, targets); err != nil {
			return err
		}
		for _, c := range targets {
			if _, still := env.Container(c.ID); still {
				return fmt.Errorf("container %s: %w", c.ID, reportErr(w))
			}
		}
		_, err = m.finish(w, env)
		return err
	})
}

// ChangeContainerHostname renames a container on its host and in the record.
func (m *Manager) ChangeContainerHostname(ctx context.Context, containerID, envID, hostname string, async bool) (*workflow.Workflow, error) {
	if hostname == "" {
		return nil, fmt.Errorf("%w: hostname is required", ErrEnvironmentModification)
	}
	env, err := m.LoadEnvironment(envID)
	if err != nil {
		return nil, err
	}
	if _, ok := env.Container(containerID); !ok {
		return nil, fmt.Errorf("container %s: %w", containerID, ErrContainerNotFound)
	}
	wf, err := m.begin(envID, workflow.KindChangeHostname, ErrEnvironmentModification)
	if err != nil {
		return nil, err
	}
	return m.execute(ctx, wf, async, func(w *workflow.Workflow) error {
		env, err := m.LoadEnvironment(envID)
		if err != nil {
			return err
		}
		prev, ok := env.Container(containerID)
		if !ok {
			return fmt.Errorf("container %s: %w", containerID, ErrContainerNotFound)
		}
		if err := m.markUnderModification(w, env); err != nil {
			return err
		}
		if !m.live(prev.HostID) {
			return hostGone(prev.HostID)
		}
		err = w.Step("set hostname", func(ctx context.Context) error {
			sctx, cancel := m.stepContext(ctx)
			defer cancel()
			return m.runtime.SetHostname(sctx, prev.HostID, prev.ID, hostname)
		}, func(ctx context.Context) error {
			if err := m.runtime.SetHostname(ctx, prev.HostID, prev.ID, prev.Hostname); err != nil {
				return err
			}
			env.ReplaceContainer(prev)
			return nil
		})
		if err != nil {
			return err
		}
		renamed := prev
		renamed.Hostname = hostname
		env.ReplaceContainer(renamed)
		_, err = m.finish(w, env)
		return err
	})
}
