package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogHandler_WritesAlertFields(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := NewLogHandler("log", PriorityLow, zap.New(core))

	r := NewRegistry(nil)
	r.AddHandler(h)
	require.NoError(t, r.StartMonitoring("log", PriorityLow, "env-1"))

	err := r.Dispatch(context.Background(), Alert{
		EnvironmentID: "env-1",
		ContainerID:   "c-1",
		Kind:          "container.unreachable",
		Values:        map[string]string{"hostname": "h1-lxc-web"},
		RaisedAt:      time.Now(),
	})
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Alert raised", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "env-1", fields["environment"])
	assert.Equal(t, "c-1", fields["container"])
	assert.Equal(t, "h1-lxc-web", fields["hostname"])
}
