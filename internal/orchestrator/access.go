package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/tunnel"
	"github.com/mateo/fleet/internal/workflow"
)

// AddSshKey authorizes key on every container of the environment. Containers
// that could not be reached are listed in the workflow's report; the key is
// recorded once at least one container accepted it.
func (m *Manager) AddSshKey(ctx context.Context, envID, key string, async bool) (*workflow.Workflow, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: ssh key is required", ErrEnvironmentModification)
	}
	return m.onContainers(ctx, envID, workflow.KindAddSshKey, async, func(w *workflow.Workflow, env *environment.Environment) error {
		known := env.HasSSHKey(key)
		done, err := m.fanOut(w, "add ssh key", env.Containers, func(ctx context.Context, c environment.Container) error {
			return m.runtime.AddSSHKey(ctx, c.HostID, c.ID, key)
		})
		if !known {
			for _, c := range done {
				w.OnRollback("add ssh key to "+c.Name, func(ctx context.Context) error {
					return m.runtime.RemoveSSHKey(ctx, c.HostID, c.ID, key)
				})
			}
		}
		if err != nil {
			return err
		}
		if len(done) == 0 && len(env.Containers) > 0 {
			return reportErr(w)
		}
		if !known {
			env.SSHKeys = append(env.SSHKeys, key)
		}
		return nil
	})
}

// RemoveSshKey revokes key from every container of the environment.
func (m *Manager) RemoveSshKey(ctx context.Context, envID, key string, async bool) (*workflow.Workflow, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: ssh key is required", ErrEnvironmentModification)
	}
	return m.onContainers(ctx, envID, workflow.KindRemoveSshKey, async, func(w *workflow.Workflow, env *environment.Environment) error {
		done, err := m.fanOut(w, "remove ssh key", env.Containers, func(ctx context.Context, c environment.Container) error {
			return m.runtime.RemoveSSHKey(ctx, c.HostID, c.ID, key)
		})
		if env.HasSSHKey(key) {
			for _, c := range done {
				w.OnRollback("remove ssh key from "+c.Name, func(ctx context.Context) error {
					return m.runtime.AddSSHKey(ctx, c.HostID, c.ID, key)
				})
			}
		}
		if err != nil {
			return err
		}
		if len(done) == 0 && len(env.Containers) > 0 {
			return reportErr(w)
		}
		env.SSHKeys = slices.DeleteFunc(env.SSHKeys, func(k string) bool { return k == key })
		return nil
	})
}

// ResetP2PSecretKey rotates the environment's shared network secret. ttl
// bounds how long agents accept it.
func (m *Manager) ResetP2PSecretKey(ctx context.Context, envID, secret string, ttl time.Duration, async bool) (*workflow.Workflow, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: secret is required", ErrEnvironmentModification)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrEnvironmentModification)
	}
	return m.onContainers(ctx, envID, workflow.KindResetP2PSecret, async, func(w *workflow.Workflow, env *environment.Environment) error {
		prev, prevTTL := env.P2PSecret, time.Duration(env.P2PSecretTTL)*time.Second
		done, err := m.fanOut(w, "reset p2p secret", env.Containers, func(ctx context.Context, c environment.Container) error {
			return m.runtime.ResetP2PSecret(ctx, c.HostID, c.ID, secret, ttl)
		})
		if prev != "" {
			for _, c := range done {
				w.OnRollback("reset p2p secret on "+c.Name, func(ctx context.Context) error {
					return m.runtime.ResetP2PSecret(ctx, c.HostID, c.ID, prev, prevTTL)
				})
			}
		}
		if err != nil {
			return err
		}
		if len(done) == 0 && len(env.Containers) > 0 {
			return reportErr(w)
		}
		env.P2PSecret = secret
		env.P2PSecretTTL = int64(ttl / time.Second)
		return nil
	})
}

// onContainers runs fn in a workflow over the current record and settles
// the record afterwards.
func (m *Manager) onContainers(ctx context.Context, envID string, kind workflow.Kind, async bool,
	fn func(w *workflow.Workflow, env *environment.Environment) error) (*workflow.Workflow, error) {

	if _, err := m.LoadEnvironment(envID); err != nil {
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
		if err := m.markUnderModification(w, env); err != nil {
			return err
		}
		if err := fn(w, env); err != nil {
			return err
		}
		_, err = m.finish(w, env)
		return err
	})
}

// SshKeys returns the keys recorded for the environment.
func (m *Manager) SshKeys(envID string) ([]string, error) {
	env, err := m.LoadEnvironment(envID)
	if err != nil {
		return nil, err
	}
	return env.SSHKeys, nil
}

// AddSshKeyToEnvironmentEntity records key without pushing it to the
// containers, for keys installed out of band.
func (m *Manager) AddSshKeyToEnvironmentEntity(envID, key string) error {
	if key == "" {
		return fmt.Errorf("%w: ssh key is required", ErrEnvironmentModification)
	}
	if _, err := m.LoadEnvironment(envID); err != nil {
		return err
	}
	wf, err := m.begin(envID, workflow.KindAddSshKey, ErrEnvironmentModification)
	if err != nil {
		return err
	}
	_, err = m.execute(context.Background(), wf, false, func(w *workflow.Workflow) error {
		env, err := m.LoadEnvironment(envID)
		if err != nil {
			return err
		}
		if env.HasSSHKey(key) {
			return nil
		}
		env.SSHKeys = append(env.SSHKeys, key)
		return m.save(env)
	})
	return err
}

// SetupSshTunnelForContainer opens an ssh tunnel to the container, or
// extends the one already open, and returns it. The tunnel closes if no
// connection arrives within the connect window or after the idle timeout.
func (m *Manager) SetupSshTunnelForContainer(ctx context.Context, containerID, envID string) (tunnel.Tunnel, error) {
	env, err := m.LoadEnvironment(envID)
	if err != nil {
		return tunnel.Tunnel{}, err
	}
	c, ok := env.Container(containerID)
	if !ok {
		return tunnel.Tunnel{}, fmt.Errorf("container %s: %w", containerID, ErrContainerNotFound)
	}
	if t, ok := m.tunnels.Get(containerID); ok && t.EnvironmentID == envID && m.tunnels.Touch(containerID) {
		if t, ok := m.tunnels.Get(containerID); ok {
			return t, nil
		}
	}
	if !m.live(c.HostID) {
		return tunnel.Tunnel{}, hostGone(c.HostID)
	}

	sctx, cancel := m.stepContext(ctx)
	defer cancel()
	host, port, err := m.runtime.OpenTunnel(sctx, c.HostID, c.ID)
	if err != nil {
		return tunnel.Tunnel{}, fmt.Errorf("opening tunnel to %s: %w", c.Name, err)
	}
	t := tunnel.Tunnel{ContainerID: c.ID, EnvironmentID: envID, Host: host, Port: port}
	if prev, replaced := m.tunnels.Put(t); replaced {
		m.goBackground(func() { m.closeTunnel(prev) })
	}
	if cur, ok := m.tunnels.Get(containerID); ok {
		t = cur
	}
	return t, nil
}

func (m *Manager) closeExpiredTunnel(t tunnel.Tunnel) {
	m.goBackground(func() { m.closeTunnel(t) })
}

func (m *Manager) closeTunnel(t tunnel.Tunnel) {
	env, err := m.store.Load(t.EnvironmentID)
	if err != nil {
		return
	}
	c, ok := env.Container(t.ContainerID)
	if !ok || !m.live(c.HostID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StepTimeout)
	defer cancel()
	if err := m.runtime.CloseTunnel(ctx, c.HostID, c.ID); err != nil {
		m.log.Warn("Failed to close tunnel", zap.String("container", c.ID), zap.Error(err))
	}
}
