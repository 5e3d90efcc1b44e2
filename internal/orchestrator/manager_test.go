package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mateo/fleet/internal/agent"
	"github.com/mateo/fleet/internal/agentcmd"
	"github.com/mateo/fleet/internal/alert"
	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/placement"
	"github.com/mateo/fleet/internal/protocol"
	"github.com/mateo/fleet/internal/proxy"
	"github.com/mateo/fleet/internal/workflow"
)

type fakeGateway struct{}

func (fakeGateway) AddResponseListener(protocol.ResponseListener)              {}
func (fakeGateway) RemoveResponseListener(protocol.ResponseListener)           {}
func (fakeGateway) SendRequest(ctx context.Context, req protocol.Request) error { return nil }

type fakeBinder struct {
	mu        sync.Mutex
	routes    map[string]proxy.Route
	bindErr   error
	unbindErr error
}

func (b *fakeBinder) fail(bindErr, unbindErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindErr, b.unbindErr = bindErr, unbindErr
}

func (b *fakeBinder) route(envID string) (proxy.Route, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.routes[envID]
	return r, ok
}

func (b *fakeBinder) Bind(ctx context.Context, r proxy.Route) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindErr != nil {
		return b.bindErr
	}
	if len(r.Backends) == 0 {
		delete(b.routes, r.EnvironmentID)
		return nil
	}
	b.routes[r.EnvironmentID] = r
	return nil
}

func (b *fakeBinder) Unbind(ctx context.Context, envID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unbindErr != nil {
		return b.unbindErr
	}
	delete(b.routes, envID)
	return nil
}

// backends returns the sorted container ids routed for envID.
func (b *fakeBinder) backends(envID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.routes[envID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(r.Backends))
	for _, be := range r.Backends {
		ids = append(ids, be.ContainerID)
	}
	slices.Sort(ids)
	return ids
}

type recordingHandler struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (h *recordingHandler) ID() string               { return "recorder" }
func (h *recordingHandler) Priority() alert.Priority { return alert.PriorityHigh }

func (h *recordingHandler) Handle(ctx context.Context, a alert.Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, a)
	return nil
}

func (h *recordingHandler) received() []alert.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]alert.Alert(nil), h.alerts...)
}

type harness struct {
	m         *Manager
	reg       *agent.Registry
	rt        *agentcmd.MockRuntime
	store     *environment.MemoryStore
	placement *placement.Manager
	proxy     *fakeBinder
	hosts     map[string]uuid.UUID
}

func setup(t *testing.T, cfg Config, hosts ...string) *harness {
	t.Helper()
	reg := agent.NewRegistry(fakeGateway{}, agent.Options{})
	reg.Start()
	t.Cleanup(reg.Close)

	pm, err := placement.NewManager(placement.Config{MaxPerHost: 4}, "", nil)
	require.NoError(t, err)

	h := &harness{
		reg:       reg,
		rt:        agentcmd.NewMockRuntime(),
		store:     environment.NewMemoryStore(),
		placement: pm,
		proxy:     &fakeBinder{routes: make(map[string]proxy.Route)},
		hosts:     make(map[string]uuid.UUID),
	}
	h.m = New(cfg, Deps{
		Agents:    reg,
		Store:     h.store,
		Runtime:   h.rt,
		Placement: pm,
		Proxy:     h.proxy,
	})
	require.NoError(t, h.m.Start(context.Background()))
	t.Cleanup(h.m.Close)

	for _, name := range hosts {
		h.addHost(name)
	}
	return h
}

func (h *harness) addHost(name string) uuid.UUID {
	id := uuid.New()
	h.hosts[name] = id
	h.reg.OnResponse(protocol.Response{
		Type:        protocol.TypeRegistrationRequest,
		UUID:        id,
		Hostname:    name,
		TransportID: "t-" + name,
	})
	return id
}

func (h *harness) dropAgent(transportID string) {
	h.reg.OnResponse(protocol.Response{Type: protocol.TypeAgentDisconnect, TransportID: transportID})
}

func (h *harness) create(t *testing.T, nodes ...environment.Node) *environment.Environment {
	t.Helper()
	wf, err := h.m.CreateEnvironment(context.Background(), environment.Topology{Name: "env", Nodes: nodes}, false)
	require.NoError(t, err)
	require.Equal(t, workflow.StateCompleted, wf.State())
	env, err := h.m.LoadEnvironment(wf.EnvironmentID)
	require.NoError(t, err)
	return env
}

func (h *harness) load(t *testing.T, envID string) *environment.Environment {
	t.Helper()
	env, err := h.m.LoadEnvironment(envID)
	require.NoError(t, err)
	return env
}

func node(name string) environment.Node {
	return environment.Node{Name: name, Template: "ubuntu"}
}

func pinned(name, host string) environment.Node {
	return environment.Node{Name: name, Template: "ubuntu", Host: host}
}

func byName(env *environment.Environment, name string) environment.Container {
	for _, c := range env.Containers {
		if c.Name == name {
			return c
		}
	}
	return environment.Container{}
}

func activeSlots(pm *placement.Manager) int {
	n := 0
	for _, l := range pm.Status() {
		n += l.Active + l.Reserved
	}
	return n
}

func TestCreateEnvironment(t *testing.T) {
	h := setup(t, Config{DefaultSSHKeys: []string{"ssh-ed25519 default"}}, "h1", "h2")

	wf, err := h.m.CreateEnvironment(context.Background(), environment.Topology{
		Name:    "shop",
		Nodes:   []environment.Node{pinned("web", "h1"), pinned("db", "h2"), node("cache")},
		SSHKeys: []string{"ssh-ed25519 user"},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, wf.State())
	assert.Nil(t, wf.Report())

	result, ok := wf.Result().(*environment.Environment)
	require.True(t, ok)
	env := h.load(t, result.ID)

	assert.Equal(t, "shop", env.Name)
	assert.Equal(t, environment.StatusHealthy, env.Status)
	require.Len(t, env.Containers, 3)
	assert.Equal(t, []string{"web", "db", "cache"}, []string{env.Containers[0].Name, env.Containers[1].Name, env.Containers[2].Name})
	assert.Equal(t, h.hosts["h1"], byName(env, "web").HostID)
	assert.Equal(t, "h1-lxc-web", byName(env, "web").Hostname)
	assert.Equal(t, "h2-lxc-db", byName(env, "db").Hostname)
	assert.Equal(t, environment.SizeSmall, byName(env, "web").Size)
	assert.ElementsMatch(t, []string{"ssh-ed25519 default", "ssh-ed25519 user"}, env.SSHKeys)

	for _, c := range env.Containers {
		assert.NotEmpty(t, c.IP)
		assert.ElementsMatch(t, env.SSHKeys, h.rt.Keys(c.ID), "keys on %s", c.Name)
	}
	assert.Equal(t, 3, h.rt.ContainerCount())
	assert.Equal(t, 3, activeSlots(h.placement))
	assert.Empty(t, h.m.ActiveWorkflows())
}

func TestCreateEnvironment_InvalidTopology(t *testing.T) {
	h := setup(t, Config{}, "h1")

	_, err := h.m.CreateEnvironment(context.Background(), environment.Topology{Name: "empty"}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironmentCreation)

	_, err = h.m.CreateEnvironment(context.Background(), environment.Topology{
		Nodes: []environment.Node{node("a"), node("a")},
	}, false)
	assert.ErrorIs(t, err, ErrEnvironmentCreation)
}

func TestCreateEnvironment_NoHosts(t *testing.T) {
	h := setup(t, Config{})

	wf, err := h.m.CreateEnvironment(context.Background(), environment.Topology{Nodes: []environment.Node{node("a")}}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironmentCreation)
	assert.ErrorIs(t, err, placement.ErrNoCapacity)
	assert.Equal(t, workflow.StateFailed, wf.State())

	envs, err := h.m.Environments()
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestCreateEnvironment_AllCreatesFail(t *testing.T) {
	h := setup(t, Config{}, "h1")
	h.rt.CreateFn = func(ctx context.Context, hostID uuid.UUID, c environment.Container) error {
		return errors.New("template missing")
	}

	wf, err := h.m.CreateEnvironment(context.Background(), environment.Topology{Nodes: []environment.Node{node("a"), node("b")}}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironmentCreation)
	assert.ErrorIs(t, err, ErrNoContainers)
	assert.Equal(t, workflow.StateFailed, wf.State())

	var report *workflow.PartialFailure
	require.ErrorAs(t, err, &report)
	assert.ElementsMatch(t, []string{"a", "b"}, report.Targets())

	envs, err := h.m.Environments()
	require.NoError(t, err)
	assert.Empty(t, envs)
	assert.Zero(t, activeSlots(h.placement))
}

func TestCreateEnvironment_PartialFailureCompletesWithReport(t *testing.T) {
	h := setup(t, Config{}, "h1")
	h.rt.CreateFn = func(ctx context.Context, hostID uuid.UUID, c environment.Container) error {
		if c.Name == "db" {
			return errors.New("disk full")
		}
		return nil
	}

	wf, err := h.m.CreateEnvironment(context.Background(), environment.Topology{Nodes: []environment.Node{node("web"), node("db")}}, false)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, wf.State())

	report := wf.Report()
	require.NotNil(t, report)
	assert.Equal(t, []string{"db"}, report.Targets())

	env := h.load(t, wf.EnvironmentID)
	require.Len(t, env.Containers, 1)
	assert.Equal(t, "web", env.Containers[0].Name)
	assert.Equal(t, 1, activeSlots(h.placement))
}

func TestCreateEnvironment_CancelTearsDown(t *testing.T) {
	h := setup(t, Config{}, "h1")
	started := make(chan struct{})
	h.rt.CreateFn = func(ctx context.Context, hostID uuid.UUID, c environment.Container) error {
		if c.Name != "slow" {
			return nil
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	wf, err := h.m.CreateEnvironment(context.Background(), environment.Topology{Nodes: []environment.Node{node("fast"), node("slow")}}, true)
	require.NoError(t, err)
	<-started

	require.True(t, h.m.CancelEnvironmentWorkflow(wf.EnvironmentID))
	select {
	case <-wf.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not stop after cancel")
	}

	assert.Equal(t, workflow.StateCancelled, wf.State())
	assert.ErrorIs(t, wf.Err(), workflow.ErrCancelled)
	assert.ErrorIs(t, wf.Err(), ErrEnvironmentCreation)
	assert.Zero(t, h.rt.ContainerCount())
	assert.Zero(t, activeSlots(h.placement))

	_, err = h.m.LoadEnvironment(wf.EnvironmentID)
	assert.True(t, IsNotFound(err))
	assert.False(t, h.m.CancelEnvironmentWorkflow(wf.EnvironmentID))
}

func TestOneWorkflowPerEnvironment(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.rt.SSHKeyFn = func(ctx context.Context, hostID uuid.UUID, containerID, key string) error {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	wf, err := h.m.AddSshKey(context.Background(), env.ID, "ssh-ed25519 extra", true)
	require.NoError(t, err)
	<-started

	active, ok := h.m.workflows.ActiveFor(env.ID)
	require.True(t, ok)
	assert.Equal(t, wf.ID, active.ID)

	_, err = h.m.DestroyEnvironment(context.Background(), env.ID, false)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = h.m.DestroyEnvironment(context.Background(), env.ID, true)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = h.m.GrowEnvironment(context.Background(), env.ID, environment.Topology{Nodes: []environment.Node{node("b")}}, false)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, environment.StatusUnderModification, h.load(t, env.ID).Status)

	close(release)
	require.NoError(t, wf.Wait(context.Background()))
	assert.Contains(t, h.load(t, env.ID).SSHKeys, "ssh-ed25519 extra")

	_, err = h.m.DestroyEnvironment(context.Background(), env.ID, false)
	require.NoError(t, err)
}

func TestSyncCallerContextStopsWaitingOnly(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"))
	h.rt.CreateFn = func(ctx context.Context, hostID uuid.UUID, c environment.Container) error {
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	wf, err := h.m.GrowEnvironment(ctx, env.ID, environment.Topology{Nodes: []environment.Node{node("b")}}, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, workflow.StateRunning, wf.State())

	require.True(t, h.m.CancelEnvironmentWorkflow(env.ID))
	<-wf.Done()
	assert.Equal(t, workflow.StateCancelled, wf.State())
}

func TestGrowEnvironment_CancelRestoresEnvironment(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"))

	started := make(chan struct{})
	h.rt.CreateFn = func(ctx context.Context, hostID uuid.UUID, c environment.Container) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	wf, err := h.m.GrowEnvironment(context.Background(), env.ID, environment.Topology{Nodes: []environment.Node{node("b")}}, true)
	require.NoError(t, err)
	<-started
	require.True(t, h.m.CancelEnvironmentWorkflow(env.ID))

	select {
	case <-wf.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not stop after cancel")
	}
	assert.Equal(t, workflow.StateCancelled, wf.State())
	assert.ErrorIs(t, wf.Err(), ErrEnvironmentModification)

	after := h.load(t, env.ID)
	require.Len(t, after.Containers, 1)
	assert.Equal(t, environment.StatusHealthy, after.Status)
	assert.Equal(t, 1, h.rt.ContainerCount())
	assert.Equal(t, 1, activeSlots(h.placement))
}

func TestGrowEnvironment_PartialFailureWhenHostLeaves(t *testing.T) {
	h := setup(t, Config{Parallelism: 1}, "h1", "h2")
	env := h.create(t, pinned("a", "h1"))

	h.rt.CreateFn = func(ctx context.Context, hostID uuid.UUID, c environment.Container) error {
		if c.Name == "x" {
			h.dropAgent("t-h2")
		}
		return nil
	}

	wf, err := h.m.GrowEnvironment(context.Background(), env.ID, environment.Topology{
		Nodes: []environment.Node{pinned("x", "h1"), pinned("y", "h2")},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, wf.State())

	report := wf.Report()
	require.NotNil(t, report)
	assert.Equal(t, []string{"y"}, report.Targets())
	assert.ErrorIs(t, report, ErrAgentUnavailable)

	after := h.load(t, env.ID)
	require.Len(t, after.Containers, 2)
	assert.Equal(t, "x", after.Containers[1].Name)
	assert.Equal(t, environment.StatusHealthy, after.Status)
}

func TestGrowEnvironment_RejectsDuplicateNames(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"))

	_, err := h.m.GrowEnvironment(context.Background(), env.ID, environment.Topology{Nodes: []environment.Node{node("a")}}, false)
	assert.ErrorIs(t, err, ErrEnvironmentModification)

	_, err = h.m.GrowEnvironment(context.Background(), "missing", environment.Topology{Nodes: []environment.Node{node("b")}}, false)
	assert.True(t, IsNotFound(err))
}

func TestModifyEnvironment(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"), node("b"), node("c"))
	a, b, c := byName(env, "a"), byName(env, "b"), byName(env, "c")

	_, err := h.m.ModifyEnvironment(context.Background(), env.ID, environment.Topology{}, nil, nil, false)
	assert.ErrorIs(t, err, ErrEnvironmentModification)
	_, err = h.m.ModifyEnvironment(context.Background(), env.ID, environment.Topology{}, []string{"nope"}, nil, false)
	assert.True(t, IsNotFound(err))
	_, err = h.m.ModifyEnvironment(context.Background(), env.ID, environment.Topology{}, []string{a.ID},
		map[string]environment.ContainerSize{a.ID: environment.SizeLarge}, false)
	assert.ErrorIs(t, err, ErrEnvironmentModification)

	wf, err := h.m.ModifyEnvironment(context.Background(), env.ID,
		environment.Topology{Nodes: []environment.Node{node("d")}},
		[]string{a.ID},
		map[string]environment.ContainerSize{b.ID: environment.SizeLarge}, false)
	require.NoError(t, err)
	assert.Nil(t, wf.Report())

	after := h.load(t, env.ID)
	require.Len(t, after.Containers, 3)
	_, ok := after.Container(a.ID)
	assert.False(t, ok)
	assert.Equal(t, environment.SizeLarge, byName(after, "b").Size)
	assert.NotEmpty(t, byName(after, "d").ID)

	rb, ok := h.rt.Container(b.ID)
	require.True(t, ok)
	assert.Equal(t, environment.SizeLarge, rb.Size)
	_, ok = h.rt.Container(a.ID)
	assert.False(t, ok)

	_, err = h.m.ModifyEnvironment(context.Background(), env.ID, environment.Topology{},
		[]string{b.ID, c.ID, byName(after, "d").ID}, nil, false)
	require.NoError(t, err)
	_, err = h.m.LoadEnvironment(env.ID)
	assert.True(t, IsNotFound(err))
	assert.Zero(t, h.rt.ContainerCount())
}

func TestModifyEnvironment_ResizeFailureIsReported(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"))
	a := env.Containers[0]
	h.rt.ResizeErr = errors.New("not enough memory")

	wf, err := h.m.ModifyEnvironment(context.Background(), env.ID, environment.Topology{}, nil,
		map[string]environment.ContainerSize{a.ID: environment.SizeHuge}, false)
	require.NoError(t, err)
	require.NotNil(t, wf.Report())
	assert.Equal(t, []string{"a"}, wf.Report().Targets())
	assert.Equal(t, environment.SizeSmall, byName(h.load(t, env.ID), "a").Size)
}

func TestDestroyContainer_LastOneRemovesEnvironment(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"), node("b"))
	a, b := byName(env, "a"), byName(env, "b")

	_, err := h.m.DestroyContainer(context.Background(), env.ID, a.ID, false)
	require.NoError(t, err)
	after := h.load(t, env.ID)
	require.Len(t, after.Containers, 1)
	assert.Equal(t, b.ID, after.Containers[0].ID)

	_, err = h.m.DestroyContainer(context.Background(), env.ID, a.ID, false)
	assert.True(t, IsNotFound(err))

	_, err = h.m.DestroyContainer(context.Background(), env.ID, b.ID, false)
	require.NoError(t, err)
	_, err = h.m.LoadEnvironment(env.ID)
	assert.True(t, IsNotFound(err))

	_, err = h.m.DestroyEnvironment(context.Background(), env.ID, false)
	assert.True(t, IsNotFound(err))
	assert.Zero(t, activeSlots(h.placement))
}

func TestDestroyEnvironment(t *testing.T) {
	h := setup(t, Config{}, "h1", "h2")
	env := h.create(t, pinned("a", "h1"), pinned("b", "h2"))
	_, err := h.m.AssignEnvironmentDomain(context.Background(), env.ID, "shop.example.com", environment.StrategyLoadBalance, "", false)
	require.NoError(t, err)
	_, err = h.m.SetupSshTunnelForContainer(context.Background(), env.Containers[0].ID, env.ID)
	require.NoError(t, err)

	wf, err := h.m.DestroyEnvironment(context.Background(), env.ID, false)
	require.NoError(t, err)
	assert.Nil(t, wf.Result())

	_, err = h.m.LoadEnvironment(env.ID)
	assert.True(t, IsNotFound(err))
	assert.Zero(t, h.rt.ContainerCount())
	assert.Empty(t, h.proxy.backends(env.ID))
	assert.Empty(t, h.m.Tunnels())
	assert.Zero(t, activeSlots(h.placement))
}

func TestDestroyEnvironment_FailureKeepsRemaining(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"), node("b"))
	b := byName(env, "b")
	h.rt.DestroyFn = func(ctx context.Context, hostID uuid.UUID, containerID string) error {
		if containerID == b.ID {
			return errors.New("busy")
		}
		return nil
	}

	_, err := h.m.DestroyEnvironment(context.Background(), env.ID, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironmentDestruction)

	after := h.load(t, env.ID)
	require.Len(t, after.Containers, 1)
	assert.Equal(t, b.ID, after.Containers[0].ID)
	assert.Equal(t, environment.StatusHealthy, after.Status)
}

func TestExcludePeerFromEnvironment(t *testing.T) {
	h := setup(t, Config{}, "h1", "h2")
	env := h.create(t, pinned("a", "h1"), pinned("b", "h2"), pinned("c", "h2"))

	_, err := h.m.ExcludePeerFromEnvironment(context.Background(), env.ID, uuid.New(), false)
	assert.True(t, IsNotFound(err))

	_, err = h.m.ExcludePeerFromEnvironment(context.Background(), env.ID, h.hosts["h2"], false)
	require.NoError(t, err)

	after := h.load(t, env.ID)
	require.Len(t, after.Containers, 1)
	assert.Equal(t, "a", after.Containers[0].Name)
	assert.Equal(t, []uuid.UUID{h.hosts["h1"]}, after.Peers())
	assert.Equal(t, 1, h.rt.ContainerCount())
}

func TestChangeContainerHostname(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"))
	a := env.Containers[0]

	_, err := h.m.ChangeContainerHostname(context.Background(), a.ID, env.ID, "frontend", false)
	require.NoError(t, err)
	assert.Equal(t, "frontend", h.load(t, env.ID).Containers[0].Hostname)
	rc, ok := h.rt.Container(a.ID)
	require.True(t, ok)
	assert.Equal(t, "frontend", rc.Hostname)

	_, err = h.m.ChangeContainerHostname(context.Background(), "missing", env.ID, "x", false)
	assert.True(t, IsNotFound(err))
}

func TestDomainBackendsFollowMembership(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"), node("b"))
	a, b := byName(env, "a"), byName(env, "b")

	_, err := h.m.EnvironmentDomain(env.ID)
	assert.ErrorIs(t, err, ErrNoDomain)

	_, err = h.m.AssignEnvironmentDomain(context.Background(), env.ID, "shop.example.com", environment.StrategyLoadBalance, "", false)
	require.NoError(t, err)
	assert.Equal(t, sorted(a.ID, b.ID), h.proxy.backends(env.ID))

	d, err := h.m.EnvironmentDomain(env.ID)
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", d.Name)

	_, err = h.m.RemoveContainerFromEnvironmentDomain(context.Background(), a.ID, env.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, h.proxy.backends(env.ID))
	in, err := h.m.IsContainerInEnvironmentDomain(a.ID, env.ID)
	require.NoError(t, err)
	assert.False(t, in)

	wf, err := h.m.GrowEnvironment(context.Background(), env.ID, environment.Topology{Nodes: []environment.Node{node("c")}}, false)
	require.NoError(t, err)
	grown := wf.Result().(*environment.Environment)
	c := byName(grown, "c")
	assert.True(t, c.InDomain)
	assert.Equal(t, sorted(b.ID, c.ID), h.proxy.backends(env.ID))

	_, err = h.m.DestroyContainer(context.Background(), env.ID, b.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, h.proxy.backends(env.ID))

	_, err = h.m.AddContainerToEnvironmentDomain(context.Background(), a.ID, env.ID, false)
	require.NoError(t, err)
	assert.Equal(t, sorted(a.ID, c.ID), h.proxy.backends(env.ID))

	_, err = h.m.RemoveEnvironmentDomain(context.Background(), env.ID, false)
	require.NoError(t, err)
	assert.Empty(t, h.proxy.backends(env.ID))
	_, err = h.m.EnvironmentDomain(env.ID)
	assert.ErrorIs(t, err, ErrNoDomain)
	for _, ct := range h.load(t, env.ID).Containers {
		assert.False(t, ct.InDomain)
	}
}

func TestAssignEnvironmentDomain_BindFailureRollsBack(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"))
	h.proxy.fail(errors.New("proxy unavailable"), nil)

	_, err := h.m.AssignEnvironmentDomain(context.Background(), env.ID, "shop.example.com", environment.StrategyStickySession, "", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironmentModification)

	after := h.load(t, env.ID)
	assert.Nil(t, after.Domain)
	assert.False(t, after.Containers[0].InDomain)
	assert.Equal(t, environment.StatusHealthy, after.Status)

	_, err = h.m.AssignEnvironmentDomain(context.Background(), env.ID, "", environment.StrategyLoadBalance, "", false)
	assert.ErrorIs(t, err, ErrEnvironmentModification)
}

func TestRemoveEnvironmentDomain_UnbindFailureKeepsDomain(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"), node("b"))
	_, err := h.m.AssignEnvironmentDomain(context.Background(), env.ID, "shop.example.com", environment.StrategyLoadBalance, "", false)
	require.NoError(t, err)
	before := h.proxy.backends(env.ID)
	require.Len(t, before, 2)

	h.proxy.fail(nil, errors.New("proxy down"))
	_, err = h.m.RemoveEnvironmentDomain(context.Background(), env.ID, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironmentModification)

	after := h.load(t, env.ID)
	require.NotNil(t, after.Domain)
	assert.Equal(t, "shop.example.com", after.Domain.Name)
	for _, c := range after.Containers {
		assert.True(t, c.InDomain, c.Name)
	}
	r, ok := h.proxy.route(env.ID)
	require.True(t, ok)
	assert.Equal(t, "shop.example.com", r.Domain)
	assert.Equal(t, before, h.proxy.backends(env.ID))
}

func TestDomainMembership_BindFailureKeepsMembership(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"), node("b"))
	a, b := byName(env, "a"), byName(env, "b")
	_, err := h.m.AssignEnvironmentDomain(context.Background(), env.ID, "shop.example.com", environment.StrategyLoadBalance, "", false)
	require.NoError(t, err)
	_, err = h.m.RemoveContainerFromEnvironmentDomain(context.Background(), b.ID, env.ID, false)
	require.NoError(t, err)
	require.Equal(t, []string{a.ID}, h.proxy.backends(env.ID))

	h.proxy.fail(errors.New("proxy down"), nil)

	_, err = h.m.RemoveContainerFromEnvironmentDomain(context.Background(), a.ID, env.ID, false)
	require.Error(t, err)
	in, err := h.m.IsContainerInEnvironmentDomain(a.ID, env.ID)
	require.NoError(t, err)
	assert.True(t, in)
	assert.Equal(t, []string{a.ID}, h.proxy.backends(env.ID))

	_, err = h.m.AddContainerToEnvironmentDomain(context.Background(), b.ID, env.ID, false)
	require.Error(t, err)
	in, err = h.m.IsContainerInEnvironmentDomain(b.ID, env.ID)
	require.NoError(t, err)
	assert.False(t, in)
	assert.Equal(t, []string{a.ID}, h.proxy.backends(env.ID))

	h.proxy.fail(nil, nil)
	_, err = h.m.AddContainerToEnvironmentDomain(context.Background(), b.ID, env.ID, false)
	require.NoError(t, err)
	assert.Equal(t, sorted(a.ID, b.ID), h.proxy.backends(env.ID))
}

func TestSshKeys(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"), node("b"))
	key := "ssh-ed25519 AAAA laptop"

	_, err := h.m.AddSshKey(context.Background(), env.ID, key, false)
	require.NoError(t, err)
	keys, err := h.m.SshKeys(env.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
	for _, c := range env.Containers {
		assert.Contains(t, h.rt.Keys(c.ID), key)
	}

	_, err = h.m.RemoveSshKey(context.Background(), env.ID, key, false)
	require.NoError(t, err)
	keys, err = h.m.SshKeys(env.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)
	for _, c := range env.Containers {
		assert.NotContains(t, h.rt.Keys(c.ID), key)
	}

	require.NoError(t, h.m.AddSshKeyToEnvironmentEntity(env.ID, "ssh-rsa recorded"))
	keys, err = h.m.SshKeys(env.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ssh-rsa recorded"}, keys)
	assert.NotContains(t, h.rt.Keys(env.Containers[0].ID), "ssh-rsa recorded")

	_, err = h.m.SshKeys("missing")
	assert.True(t, IsNotFound(err))
}

func TestAddSshKey_AllContainersFail(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"))
	h.rt.SSHKeyFn = func(ctx context.Context, hostID uuid.UUID, containerID, key string) error {
		return errors.New("read-only filesystem")
	}

	wf, err := h.m.AddSshKey(context.Background(), env.ID, "ssh-ed25519 k", false)
	require.Error(t, err)
	assert.Equal(t, workflow.StateFailed, wf.State())
	assert.Empty(t, h.load(t, env.ID).SSHKeys)
}

func TestResetP2PSecretKey(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"), node("b"))

	_, err := h.m.ResetP2PSecretKey(context.Background(), env.ID, "s3cret", 0, false)
	assert.ErrorIs(t, err, ErrEnvironmentModification)

	_, err = h.m.ResetP2PSecretKey(context.Background(), env.ID, "s3cret", time.Hour, false)
	require.NoError(t, err)

	after := h.load(t, env.ID)
	assert.Equal(t, "s3cret", after.P2PSecret)
	assert.Equal(t, int64(3600), after.P2PSecretTTL)
	for _, c := range env.Containers {
		assert.Equal(t, "s3cret", h.rt.Secret(c.ID))
	}
}

func TestSetupSshTunnelForContainer(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"), node("b"))
	a := byName(env, "a")

	first, err := h.m.SetupSshTunnelForContainer(context.Background(), a.ID, env.ID)
	require.NoError(t, err)
	assert.Equal(t, 2200, first.Port)

	again, err := h.m.SetupSshTunnelForContainer(context.Background(), a.ID, env.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Port, again.Port)
	assert.Equal(t, 1, h.rt.OpenTunnels())
	require.Len(t, h.m.Tunnels(), 1)

	_, err = h.m.SetupSshTunnelForContainer(context.Background(), "missing", env.ID)
	assert.True(t, IsNotFound(err))

	_, err = h.m.DestroyContainer(context.Background(), env.ID, a.ID, false)
	require.NoError(t, err)
	assert.Empty(t, h.m.Tunnels())
}

func TestHostDisconnectShrinksAndRemovesEnvironments(t *testing.T) {
	h := setup(t, Config{}, "h1", "h2")
	env := h.create(t, pinned("a", "h1"), pinned("b", "h2"))
	a := byName(env, "a")
	_, err := h.m.AssignEnvironmentDomain(context.Background(), env.ID, "shop.example.com", environment.StrategyLoadBalance, "", false)
	require.NoError(t, err)

	h.dropAgent("t-h2")
	assert.Eventually(t, func() bool {
		cur, err := h.m.LoadEnvironment(env.ID)
		return err == nil && len(cur.Containers) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{a.ID}, h.proxy.backends(env.ID))
	assert.Equal(t, environment.StatusHealthy, h.load(t, env.ID).Status)

	h.dropAgent("t-h1")
	assert.Eventually(t, func() bool {
		_, err := h.m.LoadEnvironment(env.ID)
		return IsNotFound(err)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.proxy.backends(env.ID))
	assert.Zero(t, activeSlots(h.placement))
}

func TestStartReconcilesPlacement(t *testing.T) {
	h := setup(t, Config{}, "h1")
	hostID := h.hosts["h1"]
	require.NoError(t, h.store.Save(&environment.Environment{
		ID:     "stored",
		Status: environment.StatusHealthy,
		Containers: []environment.Container{
			{ID: "c1", Name: "a", Hostname: "h1-lxc-a", HostID: hostID},
			{ID: "c2", Name: "b", Hostname: "h1-lxc-b", HostID: hostID},
		},
	}))

	m := New(Config{}, Deps{Agents: h.reg, Store: h.store, Runtime: h.rt, Placement: h.placement})
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	assert.Equal(t, 2, h.placement.Load(hostID))
}

func TestAlertMonitoring(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"))
	handler := &recordingHandler{}
	h.m.AddAlertHandler(handler)

	err := h.m.StartMonitoring(handler.ID(), alert.PriorityHigh, "missing")
	assert.True(t, IsNotFound(err))

	require.NoError(t, h.m.StartMonitoring(handler.ID(), alert.PriorityHigh, env.ID))
	require.NoError(t, h.m.StartMonitoring(handler.ID(), alert.PriorityHigh, env.ID))
	assert.Len(t, h.m.EnvironmentAlertHandlers(env.ID), 1)

	require.NoError(t, h.m.RaiseAlert(context.Background(), alert.Alert{EnvironmentID: env.ID, Kind: "cpu.high"}))
	require.Len(t, handler.received(), 1)

	h.m.StopMonitoring(handler.ID(), alert.PriorityHigh, env.ID)
	assert.Empty(t, h.m.EnvironmentAlertHandlers(env.ID))

	require.NoError(t, h.m.StartMonitoring(handler.ID(), alert.PriorityHigh, env.ID))
	_, err = h.m.DestroyEnvironment(context.Background(), env.ID, false)
	require.NoError(t, err)
	assert.Empty(t, h.m.EnvironmentAlertHandlers(env.ID))
}

func TestMonitorTracksContainerAgents(t *testing.T) {
	h := setup(t, Config{}, "h1")
	env := h.create(t, node("a"))
	a := env.Containers[0]
	handler := &recordingHandler{}
	h.m.AddAlertHandler(handler)
	require.NoError(t, h.m.StartMonitoring(handler.ID(), alert.PriorityHigh, env.ID))

	agentID := uuid.New()
	h.reg.OnResponse(protocol.Response{
		Type:        protocol.TypeRegistrationRequest,
		UUID:        agentID,
		IsLxc:       true,
		Hostname:    a.Hostname,
		TransportID: "t-a",
	})
	h.m.monitor.check()
	assert.Equal(t, agentID, h.load(t, env.ID).Containers[0].AgentID)

	h.dropAgent("t-a")
	h.m.monitor.check()
	assert.Eventually(t, func() bool {
		return h.load(t, env.ID).Status == environment.StatusUnhealthy
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(handler.received()) == 1 }, 5*time.Second, 10*time.Millisecond)

	got := handler.received()[0]
	assert.Equal(t, AlertContainerUnreachable, got.Kind)
	assert.Equal(t, a.ID, got.ContainerID)

	h.m.monitor.check()
	assert.Len(t, handler.received(), 1)
}

func TestEnvironmentsListsConcurrentCreates(t *testing.T) {
	h := setup(t, Config{}, "h1", "h2")
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.CreateEnvironment(context.Background(), environment.Topology{
				Name:  fmt.Sprintf("env-%d", i),
				Nodes: []environment.Node{node("a")},
			}, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	envs, err := h.m.Environments()
	require.NoError(t, err)
	assert.Len(t, envs, 4)
	assert.Equal(t, 4, activeSlots(h.placement))
}

func sorted(ids ...string) []string {
	slices.Sort(ids)
	return ids
}
