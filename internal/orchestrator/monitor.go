package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/alert"
	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/workflow"
)

// Monitor periodically derives environment health from the registry. It
// links containers to their own agents once those register, marks
// environments unhealthy when a container agent is gone and raises an alert
// for it.
type Monitor struct {
	m        *Manager
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

func NewMonitor(m *Manager, interval time.Duration) *Monitor {
	return &Monitor{
		m:        m,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (mon *Monitor) Start(ctx context.Context) {
	go mon.loop(ctx)
}

func (mon *Monitor) Stop() {
	mon.stopOnce.Do(func() { close(mon.stopCh) })
}

func (mon *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mon.stopCh:
			return
		case <-ticker.C:
			mon.check()
		}
	}
}

// check runs one pass over every environment. Environments held by a
// workflow are skipped until the next pass.
func (mon *Monitor) check() {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	envs, err := mon.m.store.List()
	if err != nil {
		mon.m.log.Warn("Monitor: listing environments failed", zap.Error(err))
		return
	}
	for _, env := range envs {
		if _, busy := mon.m.workflows.ActiveFor(env.ID); busy {
			continue
		}
		if !mon.needsUpdate(env) {
			continue
		}
		mon.update(env.ID)
	}
}

// needsUpdate checks env without claiming it.
func (mon *Monitor) needsUpdate(env *environment.Environment) bool {
	for _, c := range env.Containers {
		if c.AgentID == uuid.Nil {
			if _, ok := mon.containerAgent(c); ok {
				return true
			}
		}
	}
	return mon.m.health(env) != env.Status
}

func (mon *Monitor) containerAgent(c environment.Container) (uuid.UUID, bool) {
	a, ok := mon.m.agents.AgentByHostname(c.Hostname)
	if !ok || !a.IsContainer {
		return uuid.Nil, false
	}
	return a.ID, true
}

func (mon *Monitor) update(envID string) {
	wf, err := mon.m.begin(envID, workflow.KindReconcile, nil)
	if err != nil {
		return
	}

	var lost []environment.Container
	wf.Run(func(w *workflow.Workflow) error {
		env, err := mon.m.LoadEnvironment(envID)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		for i, c := range env.Containers {
			if c.AgentID == uuid.Nil {
				if id, ok := mon.containerAgent(c); ok {
					env.Containers[i].AgentID = id
				}
				continue
			}
			if !mon.m.live(c.AgentID) {
				lost = append(lost, c)
			}
		}
		prev := env.Status
		if _, err := mon.m.finish(w, env); err != nil {
			return err
		}
		if prev == environment.StatusUnhealthy || env.Status != environment.StatusUnhealthy {
			lost = nil
		}
		return nil
	})
	if err := wf.Err(); err != nil {
		mon.m.log.Warn("Monitor: updating environment failed", zap.String("environment", envID), zap.Error(err))
		return
	}

	for _, c := range lost {
		a := alert.Alert{
			EnvironmentID: envID,
			ContainerID:   c.ID,
			Kind:          AlertContainerUnreachable,
			Values:        map[string]string{"hostname": c.Hostname},
			RaisedAt:      time.Now(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), mon.m.cfg.StepTimeout)
		if err := mon.m.alerts.Dispatch(ctx, a); err != nil {
			mon.m.log.Warn("Monitor: alert dispatch failed", zap.String("environment", envID), zap.Error(err))
		}
		cancel()
	}
}
