package agentclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mateo/fleet/internal/protocol"
)

func TestSimulatedHost_Lifecycle(t *testing.T) {
	h := NewSimulatedHost()
	var created, destroyed []string
	h.OnCreate = func(c SimContainer) { created = append(created, c.Name) }
	h.OnDestroy = func(c SimContainer) { destroyed = append(destroyed, c.Name) }
	ctx := context.Background()

	res, err := h.Execute(ctx, protocol.ActionCreateContainer, map[string]string{
		protocol.ArgContainerID: "c1",
		protocol.ArgName:        "web",
		protocol.ArgTemplate:    "ubuntu",
		protocol.ArgHostname:    "h1-lxc-web",
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", res[protocol.ArgContainerID])
	assert.Equal(t, "10.0.3.2", res[protocol.ArgIP])

	_, err = h.Execute(ctx, protocol.ActionCreateContainer, map[string]string{
		protocol.ArgContainerID: "c1", protocol.ArgName: "web", protocol.ArgTemplate: "ubuntu",
	})
	assert.Error(t, err, "duplicate id")

	for _, action := range []string{protocol.ActionAddSSHKey, protocol.ActionAddSSHKey} {
		_, err = h.Execute(ctx, action, map[string]string{protocol.ArgContainerID: "c1", protocol.ArgKey: "k1"})
		require.NoError(t, err)
	}
	_, err = h.Execute(ctx, protocol.ActionSetHostname, map[string]string{protocol.ArgContainerID: "c1", protocol.ArgHostname: "renamed"})
	require.NoError(t, err)

	containers := h.Containers()
	require.Len(t, containers, 1)
	assert.Equal(t, []string{"k1"}, containers[0].SSHKeys)
	assert.Equal(t, "renamed", containers[0].Hostname)

	_, err = h.Execute(ctx, protocol.ActionRemoveSSHKey, map[string]string{protocol.ArgContainerID: "c1", protocol.ArgKey: "k1"})
	require.NoError(t, err)
	assert.Empty(t, h.Containers()[0].SSHKeys)

	tun, err := h.Execute(ctx, protocol.ActionOpenTunnel, map[string]string{protocol.ArgContainerID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "40000", tun[protocol.ArgPort])

	_, err = h.Execute(ctx, protocol.ActionDestroyContainer, map[string]string{protocol.ArgContainerID: "c1"})
	require.NoError(t, err)
	_, err = h.Execute(ctx, protocol.ActionDestroyContainer, map[string]string{protocol.ArgContainerID: "c1"})
	require.NoError(t, err, "destroy is idempotent")

	assert.Equal(t, []string{"web"}, created)
	assert.Equal(t, []string{"web"}, destroyed)
	assert.Empty(t, h.Containers())
}

func TestSimulatedHost_Errors(t *testing.T) {
	h := NewSimulatedHost()
	ctx := context.Background()

	_, err := h.Execute(ctx, protocol.ActionCreateContainer, map[string]string{protocol.ArgName: "x"})
	assert.Error(t, err)

	_, err = h.Execute(ctx, protocol.ActionResizeContainer, map[string]string{protocol.ArgContainerID: "missing"})
	assert.ErrorContains(t, err, "not found")

	h.Execute(ctx, protocol.ActionCreateContainer, map[string]string{
		protocol.ArgContainerID: "c1", protocol.ArgName: "web", protocol.ArgTemplate: "ubuntu",
	})
	_, err = h.Execute(ctx, "container.explode", map[string]string{protocol.ArgContainerID: "c1"})
	assert.ErrorContains(t, err, "unsupported")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.Execute(cancelled, protocol.ActionDestroyContainer, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
