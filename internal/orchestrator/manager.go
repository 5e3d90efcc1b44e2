package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mateo/fleet/internal/agent"
	"github.com/mateo/fleet/internal/agentcmd"
	"github.com/mateo/fleet/internal/alert"
	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/placement"
	"github.com/mateo/fleet/internal/protocol"
	"github.com/mateo/fleet/internal/proxy"
	"github.com/mateo/fleet/internal/tunnel"
	"github.com/mateo/fleet/internal/workflow"
)

const (
	defaultParallelism  = 8
	defaultStepTimeout  = time.Minute
	defaultConflictWait = 5 * time.Minute
)

type Config struct {
	// Separator joins a host's hostname and a container name.
	Separator      string
	DefaultSSHKeys []string
	// Parallelism bounds concurrent remote calls within one workflow.
	Parallelism     int
	StepTimeout     time.Duration
	RollbackTimeout time.Duration
	// HealthInterval is the period of the environment health check; zero
	// disables it.
	HealthInterval      time.Duration
	TunnelConnectWindow time.Duration
	TunnelIdleTimeout   time.Duration
}

// Binder publishes the reverse proxy entry of an environment's domain.
type Binder interface {
	Bind(ctx context.Context, r proxy.Route) error
	Unbind(ctx context.Context, envID string) error
}

type Deps struct {
	Agents    *agent.Registry
	Store     environment.Store
	Runtime   agentcmd.Runtime
	Placement *placement.Manager
	Proxy     Binder
	Alerts    *alert.Registry
	Workflows *workflow.Registry
	Logger    *zap.Logger
}

// Manager runs environment workflows. Each operation that changes an
// environment claims it in the workflow registry, so at most one of them
// mutates a given environment at a time.
type Manager struct {
	cfg       Config
	agents    *agent.Registry
	store     environment.Store
	runtime   agentcmd.Runtime
	placement *placement.Manager
	proxy     Binder
	alerts    *alert.Registry
	workflows *workflow.Registry
	tunnels   *tunnel.Manager
	monitor   *Monitor
	log       *zap.Logger

	stopCh    chan struct{}
	closeOnce sync.Once
	bg        sync.WaitGroup
}

func New(cfg Config, deps Deps) *Manager {
	if cfg.Separator == "" {
		cfg.Separator = protocol.DefaultSeparator
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Proxy == nil {
		deps.Proxy = nopBinder{}
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.NewRegistry(log)
	}
	if deps.Workflows == nil {
		deps.Workflows = workflow.NewRegistry(0)
	}

	m := &Manager{
		cfg:       cfg,
		agents:    deps.Agents,
		store:     deps.Store,
		runtime:   deps.Runtime,
		placement: deps.Placement,
		proxy:     deps.Proxy,
		alerts:    deps.Alerts,
		workflows: deps.Workflows,
		log:       log.Named("orchestrator"),
		stopCh:    make(chan struct{}),
	}
	m.tunnels = tunnel.NewManager(tunnel.Options{
		ConnectWindow: cfg.TunnelConnectWindow,
		IdleTimeout:   cfg.TunnelIdleTimeout,
		OnExpire:      m.closeExpiredTunnel,
		Logger:        log,
	})
	m.monitor = NewMonitor(m, cfg.HealthInterval)
	return m
}

// Start seeds placement from the stored environments, subscribes to
// registry changes and starts the health monitor.
func (m *Manager) Start(ctx context.Context) error {
	envs, err := m.store.List()
	if err != nil {
		return fmt.Errorf("listing environments: %w", err)
	}
	existing := make(map[string]placement.Host)
	for _, env := range envs {
		for _, c := range env.Containers {
			existing[c.ID] = placement.Host{ID: c.HostID, Hostname: hostOf(c.Hostname, m.cfg.Separator)}
		}
	}
	m.placement.Reconcile(existing)

	m.agents.AddListener(m)
	if m.cfg.HealthInterval > 0 {
		m.monitor.Start(ctx)
	}
	m.log.Info("Orchestrator started", zap.Int("environments", len(envs)))
	return nil
}

// Close stops background work and waits for cleanup already under way.
// Running workflows are left to finish on their own.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.agents.RemoveListener(m)
		close(m.stopCh)
		m.monitor.Stop()
		m.bg.Wait()
		m.tunnels.Close()
	})
}

// Environments returns every stored environment.
func (m *Manager) Environments() ([]*environment.Environment, error) {
	return m.store.List()
}

// LoadEnvironment returns the environment or an error matching
// ErrEnvironmentNotFound.
func (m *Manager) LoadEnvironment(envID string) (*environment.Environment, error) {
	env, err := m.store.Load(envID)
	if err != nil {
		if environment.IsNotFound(err) {
			return nil, fmt.Errorf("environment %s: %w", envID, ErrEnvironmentNotFound)
		}
		return nil, fmt.Errorf("loading environment %s: %w", envID, err)
	}
	return env, nil
}

// ActiveWorkflows describes the running workflows, oldest first.
func (m *Manager) ActiveWorkflows() []workflow.Info {
	active := m.workflows.Active()
	result := make([]workflow.Info, 0, len(active))
	for _, wf := range active {
		result = append(result, wf.Info())
	}
	return result
}

// Workflow finds a running or recently finished workflow.
func (m *Manager) Workflow(id string) (*workflow.Workflow, bool) {
	return m.workflows.Lookup(id)
}

// CancelEnvironmentWorkflow cancels the workflow holding envID. It reports
// false when none is running.
func (m *Manager) CancelEnvironmentWorkflow(envID string) bool {
	return m.workflows.Cancel(envID)
}

// Tunnels lists the open ssh tunnels.
func (m *Manager) Tunnels() []tunnel.Tunnel {
	return m.tunnels.List()
}

// Capacity reports the container slots in use per host.
func (m *Manager) Capacity() []placement.HostLoad {
	return m.placement.Status()
}

// begin claims envID for a new workflow of the given kind.
func (m *Manager) begin(envID string, kind workflow.Kind, category error) (*workflow.Workflow, error) {
	wf := workflow.New(envID, kind, workflow.Options{
		Category:        category,
		RollbackTimeout: m.cfg.RollbackTimeout,
		Logger:          m.log,
	})
	if err := m.workflows.Register(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// execute runs fn on wf. In async mode the handle is returned at once;
// otherwise the call waits for the terminal state and returns its error. An
// expiring ctx stops the wait without cancelling the workflow.
func (m *Manager) execute(ctx context.Context, wf *workflow.Workflow, async bool, fn workflow.Func) (*workflow.Workflow, error) {
	wf.Start(fn)
	if async {
		return wf, nil
	}
	return wf, wf.Wait(ctx)
}

func (m *Manager) save(env *environment.Environment) error {
	env.UpdatedAt = time.Now()
	if err := m.store.Save(env); err != nil {
		return fmt.Errorf("saving environment %s: %w", env.ID, err)
	}
	return nil
}

// live reports whether the agent of a host is registered. Every step that
// needs an agent checks it right before the remote call.
func (m *Manager) live(hostID uuid.UUID) bool {
	return m.agents.Contains(hostID)
}

func (m *Manager) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StepTimeout)
}

// goBackground runs fn until done unless the manager is closing.
func (m *Manager) goBackground(fn func()) {
	select {
	case <-m.stopCh:
		return
	default:
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		fn()
	}()
}

// withEnvironment runs fn as a workflow on envID, waiting for any workflow
// already holding it. Used by internal maintenance that must not be lost to
// a conflict.
func (m *Manager) withEnvironment(envID string, fn workflow.Func) error {
	deadline := time.NewTimer(defaultConflictWait)
	defer deadline.Stop()
	for {
		wf, err := m.begin(envID, workflow.KindReconcile, nil)
		if err == nil {
			wf.Run(fn)
			return wf.Err()
		}
		cur, ok := m.workflows.ActiveFor(envID)
		if !ok {
			continue
		}
		select {
		case <-cur.Done():
		case <-m.stopCh:
			return fmt.Errorf("environment %s: orchestrator closing", envID)
		case <-deadline.C:
			return fmt.Errorf("environment %s: %w", envID, err)
		}
	}
}

func hostOf(hostname, sep string) string {
	parent, _ := protocol.ParentHostname(hostname, sep)
	return parent
}

type nopBinder struct{}

func (nopBinder) Bind(context.Context, proxy.Route) error { return nil }
func (nopBinder) Unbind(context.Context, string) error    { return nil }
