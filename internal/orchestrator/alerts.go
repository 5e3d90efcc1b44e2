package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/alert"
)

// Alert kinds raised by the orchestrator itself.
const (
	AlertContainerUnreachable = "container.unreachable"
)

func (m *Manager) AddAlertHandler(h alert.Handler) {
	m.alerts.AddHandler(h)
}

func (m *Manager) RemoveAlertHandler(h alert.Handler) {
	m.alerts.RemoveHandler(h)
}

func (m *Manager) AlertHandlers() []alert.Handler {
	return m.alerts.Handlers()
}

// StartMonitoring subscribes the environment to a registered handler.
// Subscribing twice is a no-op.
func (m *Manager) StartMonitoring(handlerID string, p alert.Priority, envID string) error {
	if _, err := m.LoadEnvironment(envID); err != nil {
		return err
	}
	if err := m.alerts.StartMonitoring(handlerID, p, envID); err != nil {
		return err
	}
	m.log.Info("Monitoring started",
		zap.String("environment", envID), zap.String("handler", handlerID), zap.Stringer("priority", p))
	return nil
}

func (m *Manager) StopMonitoring(handlerID string, p alert.Priority, envID string) {
	m.alerts.StopMonitoring(handlerID, p, envID)
}

func (m *Manager) EnvironmentAlertHandlers(envID string) []alert.Key {
	return m.alerts.EnvironmentHandlers(envID)
}

// RaiseAlert hands a to the handlers monitoring its environment.
func (m *Manager) RaiseAlert(ctx context.Context, a alert.Alert) error {
	if _, err := m.LoadEnvironment(a.EnvironmentID); err != nil {
		return err
	}
	return m.alerts.Dispatch(ctx, a)
}
