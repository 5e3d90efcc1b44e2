package environment

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvironment(id string) *Environment {
	now := time.Now().UTC().Truncate(time.Second)
	return &Environment{
		ID:     id,
		Name:   "web",
		Status: StatusHealthy,
		Containers: []Container{
			{ID: "c1", Name: "app", Hostname: "h1-lxc-app", HostID: uuid.New(), Template: "ubuntu", Size: SizeSmall, InDomain: true},
			{ID: "c2", Name: "db", Hostname: "h2-lxc-db", HostID: uuid.New(), Template: "postgres", Size: SizeLarge},
		},
		SSHKeys:   []string{"ssh-ed25519 AAAA"},
		Domain:    &Domain{Name: "web.example.com", Strategy: StrategyLoadBalance},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStore_NotFoundIsDistinctFromEmpty(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Load("missing")
	assert.True(t, IsNotFound(err))

	require.NoError(t, s.Save(&Environment{ID: "empty", Status: StatusEmpty}))
	env, err := s.Load("empty")
	require.NoError(t, err)
	assert.Empty(t, env.Containers)
}

func TestMemoryStore_SaveReplacesAndCopies(t *testing.T) {
	s := NewMemoryStore()
	env := sampleEnvironment("env-1")
	require.NoError(t, s.Save(env))

	env.Containers[0].Name = "mutated"
	env.Domain.Name = "mutated"
	loaded, err := s.Load("env-1")
	require.NoError(t, err)
	assert.Equal(t, "app", loaded.Containers[0].Name)
	assert.Equal(t, "web.example.com", loaded.Domain.Name)

	loaded.Containers = loaded.Containers[:1]
	loaded.Domain = nil
	require.NoError(t, s.Save(loaded))
	again, err := s.Load("env-1")
	require.NoError(t, err)
	assert.Len(t, again.Containers, 1)
	assert.Nil(t, again.Domain)
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Save(sampleEnvironment("env-1")))

	require.NoError(t, s.Delete("env-1"))
	assert.True(t, IsNotFound(s.Delete("env-1")))
	_, err := s.Load("env-1")
	assert.True(t, IsNotFound(err))
}

func TestMemoryStore_RequiresID(t *testing.T) {
	assert.Error(t, NewMemoryStore().Save(&Environment{}))
}

func TestFileStore_Persists(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	env := sampleEnvironment("env-1")
	require.NoError(t, s.Save(env))
	require.NoError(t, s.Save(sampleEnvironment("env-2")))
	require.NoError(t, s.Delete("env-2"))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	loaded, err := reopened.Load("env-1")
	require.NoError(t, err)
	assert.Equal(t, env, loaded)

	all, err := reopened.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStore_EmptyDir(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	all, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEnvironment_Helpers(t *testing.T) {
	env := sampleEnvironment("env-1")

	assert.Len(t, env.Peers(), 2)
	members := env.DomainMembers()
	require.Len(t, members, 1)
	assert.Equal(t, "c1", members[0].ID)

	c, ok := env.Container("c2")
	require.True(t, ok)
	c.Size = SizeHuge
	assert.True(t, env.ReplaceContainer(c))
	assert.Equal(t, SizeHuge, env.Containers[1].Size)

	assert.True(t, env.RemoveContainer("c1"))
	assert.False(t, env.RemoveContainer("c1"))
	assert.True(t, env.HasSSHKey("ssh-ed25519 AAAA"))
}

func TestTopology_Validate(t *testing.T) {
	tests := []struct {
		name    string
		topo    Topology
		wantErr bool
	}{
		{"ok", Topology{Nodes: []Node{{Name: "a", Template: "ubuntu"}}}, false},
		{"empty", Topology{}, true},
		{"no name", Topology{Nodes: []Node{{Template: "ubuntu"}}}, true},
		{"duplicate", Topology{Nodes: []Node{{Name: "a", Template: "t"}, {Name: "a", Template: "t"}}}, true},
		{"no template", Topology{Nodes: []Node{{Name: "a"}}}, true},
		{"bad size", Topology{Nodes: []Node{{Name: "a", Template: "t", Size: "ENORMOUS"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topo.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	st, err := ParseStrategy("sticky_session")
	require.NoError(t, err)
	assert.Equal(t, StrategyStickySession, st)

	_, err = ParseStrategy("random")
	assert.Error(t, err)
}
