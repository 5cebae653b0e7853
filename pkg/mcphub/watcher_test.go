package mcphub

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithin(t *testing.T) {
	assert.True(t, within("/srv/app", "/srv/app/config.yaml"))
	assert.True(t, within("/srv/app", "/srv/app/nested/deep.txt"))
	assert.False(t, within("/srv/app", "/srv/app"))
	assert.False(t, within("/srv/app", "/srv/other/file"))
	assert.False(t, within("/srv/app", "/srv"))
}

func TestWatcherReloadsConfigOnWrite(t *testing.T) {
	hub := newTestHub(t, NewMemStore())
	watcher, err := NewWatcher(hub, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })

	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(settings, []byte(`{"servers": {}}`), 0o644))
	require.NoError(t, watcher.WatchConfig(ScopeGlobal, settings))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = watcher.Run(ctx) }()

	// Writing a disabled SSE server keeps the test offline while still
	// exercising the full reload path.
	doc := `{"servers": {"remote": {"type": "sse", "url": "https://example.com/sse", "disabled": true}}}`
	require.NoError(t, os.WriteFile(settings, []byte(doc), 0o644))

	require.Eventually(t, func() bool {
		_, err := hub.ResolveByName("remote", ScopeGlobal)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	conn, err := hub.ResolveByName("remote", ScopeGlobal)
	require.NoError(t, err)
	assert.True(t, conn.Server().Disabled)
}

func TestWatcherServerPathTriggersRestart(t *testing.T) {
	hub := newTestHub(t, NewMemStore())
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, hub.UpdateConnections(ctx, ScopeGlobal,
		NewConfigSnapshot(map[string]ServerConfig{
			"srv": inMemCfg(countingFactory(t, &calls, "noop"), "srv@1"),
		}), ""))
	require.Equal(t, int32(1), calls.Load())

	watcher, err := NewWatcher(hub, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })

	dir := t.TempDir()
	watched := filepath.Join(dir, "build-output.txt")
	require.NoError(t, os.WriteFile(watched, []byte("v1"), 0o644))
	require.NoError(t, watcher.WatchServerPaths("srv", ScopeGlobal, []string{dir}))

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = watcher.Run(runCtx) }()

	require.NoError(t, os.WriteFile(watched, []byte("v2"), 0o644))

	// The change debounces into a restart, observable as a reconnect.
	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, 3*time.Second, 20*time.Millisecond)

	conn, err := hub.ResolveByName("srv", ScopeGlobal)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, conn.Status())
}

// Editors commonly save by writing a temp file and renaming it over the
// original, which replaces the watched inode. The watch must survive that.
func TestWatcherServerFileSurvivesRenameReplace(t *testing.T) {
	hub := newTestHub(t, NewMemStore())
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, hub.UpdateConnections(ctx, ScopeGlobal,
		NewConfigSnapshot(map[string]ServerConfig{
			"srv": inMemCfg(countingFactory(t, &calls, "noop"), "srv@1"),
		}), ""))
	require.Equal(t, int32(1), calls.Load())

	watcher, err := NewWatcher(hub, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })

	dir := t.TempDir()
	watched := filepath.Join(dir, "server-binary")
	require.NoError(t, os.WriteFile(watched, []byte("v1"), 0o755))
	require.NoError(t, watcher.WatchServerPaths("srv", ScopeGlobal, []string{watched}))

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = watcher.Run(runCtx) }()

	replacement := filepath.Join(dir, "server-binary.tmp")
	require.NoError(t, os.WriteFile(replacement, []byte("v2"), 0o755))
	require.NoError(t, os.Rename(replacement, watched))

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 3*time.Second, 20*time.Millisecond)

	// A second replace still fires: the directory-level watch did not
	// detach with the old inode.
	replacement = filepath.Join(dir, "server-binary.tmp")
	require.NoError(t, os.WriteFile(replacement, []byte("v3"), 0o755))
	require.NoError(t, os.Rename(replacement, watched))

	require.Eventually(t, func() bool {
		return calls.Load() >= 3
	}, 3*time.Second, 20*time.Millisecond)
}
