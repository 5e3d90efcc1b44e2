package orchestrator

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/agent"
	"github.com/mateo/fleet/internal/workflow"
)

// OnAgents reacts to registry changes. A departed host takes its containers
// with it: every environment using it is shrunk, and removed when nothing is
// left. The work runs in the background since the registry delivers events
// while holding its lock.
func (m *Manager) OnAgents(ev agent.Event) {
	if ev.Type != agent.EventRemoved {
		return
	}
	for _, a := range ev.Agents {
		if a.IsContainer {
			m.goBackground(func() { m.monitor.check() })
			continue
		}
		m.placement.Forget(a.ID)
		hostID := a.ID
		m.goBackground(func() { m.cleanupHost(hostID) })
	}
}

func (m *Manager) cleanupHost(hostID uuid.UUID) {
	envs, err := m.store.List()
	if err != nil {
		m.log.Error("Failed to list environments for host cleanup", zap.Error(err))
		return
	}
	for _, env := range envs {
		uses := false
		for _, peer := range env.Peers() {
			if peer == hostID {
				uses = true
				break
			}
		}
		if !uses {
			continue
		}

		envID := env.ID
		err := m.withEnvironment(envID, func(w *workflow.Workflow) error {
			cur, err := m.LoadEnvironment(envID)
			if err != nil {
				if IsNotFound(err) {
					return nil
				}
				return err
			}
			_, err = m.finish(w, cur)
			return err
		})
		if err != nil {
			m.log.Warn("Host cleanup failed",
				zap.Stringer("host", hostID), zap.String("environment", envID), zap.Error(err))
			continue
		}
		m.log.Info("Cleaned up environment after host left",
			zap.Stringer("host", hostID), zap.String("environment", envID))
	}
}

// NotifyOnContainerDestroyed drops the bookkeeping held for a container.
func (m *Manager) NotifyOnContainerDestroyed(envID, containerID string) {
	m.tunnels.Remove(containerID)
	m.placement.Free(containerID)
}

// NotifyOnEnvironmentDestroyed drops the bookkeeping held for an
// environment.
func (m *Manager) NotifyOnEnvironmentDestroyed(envID string) {
	m.tunnels.RemoveEnvironment(envID)
	m.alerts.RemoveEnvironment(envID)
}
