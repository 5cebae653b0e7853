package mcphub

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(map[Scope]string{
		ScopeGlobal:  filepath.Join(dir, "global.json"),
		ScopeProject: filepath.Join(dir, "project.json"),
	}, filepath.Join(dir, "tool-state.json"))
}

func TestFileStoreMissingFileIsEmptyScope(t *testing.T) {
	store := newTestFileStore(t)
	snap, err := store.LoadConfig(ScopeGlobal)
	require.NoError(t, err)
	assert.Empty(t, snap.Servers)
	assert.Empty(t, snap.Order)
}

func TestFileStoreConfigRoundTrip(t *testing.T) {
	store := newTestFileStore(t)
	snap := NewConfigSnapshot(map[string]ServerConfig{
		"tools": &StdioConfig{
			BaseConfig: BaseConfig{AlwaysAllowTools: map[string]struct{}{"search": {}}},
			Command:    "tools-server",
			Args:       []string{"--stdio"},
		},
		"remote": &SSEConfig{URL: "https://example.com/sse"},
	})
	require.NoError(t, store.SaveConfig(ScopeProject, snap))

	loaded, err := store.LoadConfig(ScopeProject)
	require.NoError(t, err)
	require.Len(t, loaded.Servers, 2)
	assert.True(t, snap.Servers["tools"].Equal(loaded.Servers["tools"]))
	assert.True(t, snap.Servers["remote"].Equal(loaded.Servers["remote"]))

	// The other scope's file is untouched.
	global, err := store.LoadConfig(ScopeGlobal)
	require.NoError(t, err)
	assert.Empty(t, global.Servers)
}

func TestFileStoreToolStateRoundTrip(t *testing.T) {
	store := newTestFileStore(t)
	state := NewToolState()
	state.Disabled["fleet-a"] = true
	perms := state.ensure("fleet-a")
	perms.AlwaysAllow["deploy"] = struct{}{}
	perms.DisabledTools["wipe"] = struct{}{}
	require.NoError(t, store.SaveToolState(state))

	loaded, err := store.LoadToolState()
	require.NoError(t, err)
	assert.True(t, loaded.Disabled["fleet-a"])
	got := loaded.permissionsFor("fleet-a")
	assert.Contains(t, got.AlwaysAllow, "deploy")
	assert.Contains(t, got.DisabledTools, "wipe")
}

func TestFileStoreMissingToolStateIsEmpty(t *testing.T) {
	store := newTestFileStore(t)
	state, err := store.LoadToolState()
	require.NoError(t, err)
	assert.Empty(t, state.Disabled)
	assert.Empty(t, state.Tools)
}

func TestMemStoreRoundTrip(t *testing.T) {
	store := NewMemStore()
	snap := NewConfigSnapshot(map[string]ServerConfig{
		"x": &StdioConfig{Command: "run"},
	})
	require.NoError(t, store.SaveConfig(ScopeGlobal, snap))
	loaded, err := store.LoadConfig(ScopeGlobal)
	require.NoError(t, err)
	assert.Contains(t, loaded.Servers, "x")
}

func TestToolStateCloneIsIndependent(t *testing.T) {
	state := NewToolState()
	state.ensure("srv").AlwaysAllow["a"] = struct{}{}

	dup := state.clone()
	dup.ensure("srv").AlwaysAllow["b"] = struct{}{}

	assert.NotContains(t, state.permissionsFor("srv").AlwaysAllow, "b")
}
