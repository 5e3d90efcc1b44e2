package orchestrator

import (
	"context"
	"fmt"

	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/workflow"
)

// AssignEnvironmentDomain binds domain to every container of the
// environment through the reverse proxy. A non-empty certPath serves the
// domain over TLS.
func (m *Manager) AssignEnvironmentDomain(ctx context.Context, envID, domain string,
	strategy environment.ProxyStrategy, certPath string, async bool) (*workflow.Workflow, error) {

	if domain == "" {
		return nil, fmt.Errorf("%w: domain is required", ErrEnvironmentModification)
	}
	strategy, err := environment.ParseStrategy(string(strategy))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvironmentModification, err)
	}
	return m.onContainers(ctx, envID, workflow.KindAssignDomain, async, func(w *workflow.Workflow, env *environment.Environment) error {
		prev := env.Clone()
		next := env.Clone()
		next.Domain = &environment.Domain{Name: domain, Strategy: strategy, CertPath: certPath}
		for i := range next.Containers {
			next.Containers[i].InDomain = true
		}
		err := w.Step("bind domain", func(ctx context.Context) error {
			return m.proxy.Bind(ctx, routeFor(next))
		}, func(ctx context.Context) error {
			restoreDomain(env, prev)
			if env.Domain == nil {
				return m.proxy.Unbind(ctx, env.ID)
			}
			return m.proxy.Bind(ctx, routeFor(env))
		})
		if err != nil {
			return err
		}
		restoreDomain(env, next)
		return nil
	})
}

// RemoveEnvironmentDomain unbinds the environment's domain.
func (m *Manager) RemoveEnvironmentDomain(ctx context.Context, envID string, async bool) (*workflow.Workflow, error) {
	if _, err := m.EnvironmentDomain(envID); err != nil {
		return nil, err
	}
	return m.onContainers(ctx, envID, workflow.KindRemoveDomain, async, func(w *workflow.Workflow, env *environment.Environment) error {
		if env.Domain == nil {
			return fmt.Errorf("environment %s: %w", envID, ErrNoDomain)
		}
		prev := env.Clone()
		err := w.Step("unbind domain", func(ctx context.Context) error {
			return m.proxy.Unbind(ctx, env.ID)
		}, func(ctx context.Context) error {
			restoreDomain(env, prev)
			return m.proxy.Bind(ctx, routeFor(env))
		})
		if err != nil {
			return err
		}
		env.Domain = nil
		for i := range env.Containers {
			env.Containers[i].InDomain = false
		}
		return nil
	})
}

// AddContainerToEnvironmentDomain makes the container a backend of the
// environment's domain.
func (m *Manager) AddContainerToEnvironmentDomain(ctx context.Context, containerID, envID string, async bool) (*workflow.Workflow, error) {
	return m.setDomainMembership(ctx, containerID, envID, true, workflow.KindAddToDomain, async)
}

// RemoveContainerFromEnvironmentDomain stops routing domain traffic to the
// container.
func (m *Manager) RemoveContainerFromEnvironmentDomain(ctx context.Context, containerID, envID string, async bool) (*workflow.Workflow, error) {
	return m.setDomainMembership(ctx, containerID, envID, false, workflow.KindRemoveFromDomain, async)
}

func (m *Manager) setDomainMembership(ctx context.Context, containerID, envID string, member bool, kind workflow.Kind, async bool) (*workflow.Workflow, error) {
	if _, err := m.IsContainerInEnvironmentDomain(containerID, envID); err != nil {
		return nil, err
	}
	return m.onContainers(ctx, envID, kind, async, func(w *workflow.Workflow, env *environment.Environment) error {
		if env.Domain == nil {
			return fmt.Errorf("environment %s: %w", envID, ErrNoDomain)
		}
		prev, ok := env.Container(containerID)
		if !ok {
			return fmt.Errorf("container %s: %w", containerID, ErrContainerNotFound)
		}
		if prev.InDomain == member {
			return nil
		}
		if !m.live(prev.HostID) {
			return hostGone(prev.HostID)
		}
		next := prev
		next.InDomain = member
		proposed := env.Clone()
		proposed.ReplaceContainer(next)
		err := w.Step("bind domain", func(ctx context.Context) error {
			return m.proxy.Bind(ctx, routeFor(proposed))
		}, func(ctx context.Context) error {
			env.ReplaceContainer(prev)
			return m.proxy.Bind(ctx, routeFor(env))
		})
		if err != nil {
			return err
		}
		env.ReplaceContainer(next)
		return nil
	})
}

// EnvironmentDomain returns the domain bound to the environment, or an
// error matching ErrNoDomain.
func (m *Manager) EnvironmentDomain(envID string) (*environment.Domain, error) {
	env, err := m.LoadEnvironment(envID)
	if err != nil {
		return nil, err
	}
	if env.Domain == nil {
		return nil, fmt.Errorf("environment %s: %w", envID, ErrNoDomain)
	}
	return env.Domain, nil
}

func (m *Manager) IsContainerInEnvironmentDomain(containerID, envID string) (bool, error) {
	env, err := m.LoadEnvironment(envID)
	if err != nil {
		return false, err
	}
	if env.Domain == nil {
		return false, fmt.Errorf("environment %s: %w", envID, ErrNoDomain)
	}
	c, ok := env.Container(containerID)
	if !ok {
		return false, fmt.Errorf("container %s: %w", containerID, ErrContainerNotFound)
	}
	return c.InDomain, nil
}

// restoreDomain copies the domain and membership flags of src onto env,
// keeping the container set of env.
func restoreDomain(env, src *environment.Environment) {
	env.Domain = src.Domain
	for i, c := range env.Containers {
		if p, ok := src.Container(c.ID); ok {
			env.Containers[i].InDomain = p.InDomain
		}
	}
}
