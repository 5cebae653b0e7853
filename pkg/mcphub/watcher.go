package mcphub

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher feeds filesystem changes into a Hub: edits to registered settings
// files become UpdateConnections calls (debounced by the hub), and changes
// under a stdio server's declared watch paths become debounced restarts of
// that server.
type Watcher struct {
	hub *Hub
	log *slog.Logger
	fw  *fsnotify.Watcher

	mu      sync.Mutex
	configs map[string]configWatch
	servers map[string][]serverWatch
}

type configWatch struct {
	scope Scope
	path  string
}

type serverWatch struct {
	name  string
	scope Scope
}

// NewWatcher creates a Watcher bound to the hub. Call Run to start the event
// loop and Close to release the underlying filesystem watcher.
func NewWatcher(hub *Hub, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		hub:     hub,
		log:     logger,
		fw:      fw,
		configs: make(map[string]configWatch),
		servers: make(map[string][]serverWatch),
	}, nil
}

// WatchConfig registers a settings file for one scope. The containing
// directory is watched rather than the file itself so editors that replace
// the file via rename still trigger updates.
func (w *Watcher) WatchConfig(scope Scope, path string) error {
	if !scope.valid() {
		return errors.New("mcphub: unknown scope for config watch")
	}
	path = filepath.Clean(path)
	w.mu.Lock()
	w.configs[path] = configWatch{scope: scope, path: path}
	w.mu.Unlock()
	return w.fw.Add(filepath.Dir(path))
}

// WatchServerPaths registers the watch paths declared by a stdio server.
// Multiple servers may watch the same path.
func (w *Watcher) WatchServerPaths(name string, scope Scope, paths []string) error {
	var errs []error
	for _, p := range paths {
		p = filepath.Clean(p)
		w.mu.Lock()
		w.servers[p] = append(w.servers[p], serverWatch{name: name, scope: scope})
		w.mu.Unlock()
		target := p
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			// A watch on the file itself detaches when an editor saves via
			// rename-replace; watch the containing directory instead and let
			// dispatch match on the registered path.
			target = filepath.Dir(p)
		}
		if err := w.fw.Add(target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run processes filesystem events until the context is canceled or the
// watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			w.dispatch(ctx, event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
		return
	}
	path := filepath.Clean(event.Name)

	w.mu.Lock()
	cw, isConfig := w.configs[path]
	var hits []serverWatch
	for registered, watches := range w.servers {
		if path == registered || within(registered, path) {
			hits = append(hits, watches...)
		}
	}
	w.mu.Unlock()

	if isConfig {
		w.reloadConfig(ctx, cw)
	}
	for _, sw := range hits {
		w.hub.OnWatchedPathChanged(sw.name, sw.scope, path)
	}
}

func (w *Watcher) reloadConfig(ctx context.Context, cw configWatch) {
	data, err := os.ReadFile(cw.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted settings file means an empty scope.
			data = nil
		} else {
			w.log.Warn("read settings failed", "path", cw.path, "error", err)
			return
		}
	}
	snap := ConfigSnapshot{Servers: map[string]ServerConfig{}}
	if len(data) > 0 {
		snap, err = UnmarshalConfigSnapshot(data)
		if err != nil {
			w.log.Warn("parse settings failed", "path", cw.path, "error", err)
			return
		}
	}
	if err := w.hub.UpdateConnections(ctx, cw.scope, snap, cw.path); err != nil {
		w.log.Error("update connections failed", "scope", cw.scope, "error", err)
	}
}

// within reports whether path sits underneath dir.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && filepath.IsLocal(rel)
}

// Close stops the underlying filesystem watcher. Run returns after Close.
func (w *Watcher) Close() error {
	return w.fw.Close()
}
