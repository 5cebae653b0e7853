package mcphub

import (
	"context"
	"errors"
)

// reconcile diffs one scope's current connections against a new snapshot:
// servers absent from the snapshot are deleted, new names are created,
// changed configurations are deleted then recreated, and deep-equal entries
// are left untouched. With force set, every surviving entry is recreated
// regardless of equality (used by the refresh operations). Runs for the same
// scope are serialized; a failure for one server never blocks its siblings.
func (h *Hub) reconcile(ctx context.Context, scope Scope, snap ConfigSnapshot, force bool) error {
	lock := h.scopeMu[scope]
	lock.Lock()
	defer lock.Unlock()

	if err := h.checkAlive(); err != nil {
		return err
	}

	var errs []error
	for name, verr := range snap.Invalid {
		h.log.Warn("skipping invalid server config", "server", name, "scope", scope, "error", verr)
		errs = append(errs, verr)
	}

	// Validate each entry independently; a bad server is skipped and
	// reported without failing the others.
	valid := make(map[string]ServerConfig, len(snap.Servers))
	order := make([]string, 0, len(snap.Order))
	for _, name := range snap.Order {
		cfg, ok := snap.Servers[name]
		if !ok {
			continue
		}
		if err := cfg.Validate(name); err != nil {
			h.log.Warn("skipping invalid server config", "server", name, "scope", scope, "error", err)
			errs = append(errs, err)
			continue
		}
		valid[name] = cfg
	}
	for _, name := range snap.Order {
		if _, ok := valid[name]; ok {
			order = append(order, name)
		}
	}

	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return ErrHubDisposed
	}
	var toClose []*Connection
	var toDial []*Connection
	for key, conn := range h.conns {
		if key.scope != scope {
			continue
		}
		cfg, ok := valid[key.name]
		if ok && !force && conn.configEqual(cfg) {
			continue
		}
		toClose = append(toClose, conn)
		delete(h.conns, key)
	}
	for _, name := range order {
		key := connKey{name: name, scope: scope}
		if _, exists := h.conns[key]; exists {
			continue
		}
		conn := newConnection(name, scope, valid[name])
		conn.server.Disabled = h.initialDisabledLocked(name, scope, valid[name])
		h.conns[key] = conn
		toDial = append(toDial, conn)
	}
	h.order[scope] = order
	h.mu.Unlock()

	for _, conn := range toClose {
		h.log.Info("removing server", "server", conn.Name(), "scope", scope)
		if err := conn.close(); err != nil {
			h.log.Warn("close failed", "server", conn.Name(), "scope", scope, "error", err)
		}
	}
	if len(toDial) > 0 || len(toClose) > 0 {
		// Surface the connecting placeholders before any dial completes.
		h.notifyServersChanged()
	}
	for _, conn := range toDial {
		if err := h.dialConnection(ctx, conn); err != nil {
			errs = append(errs, err)
		}
	}
	if len(toDial) > 0 {
		h.notifyServersChanged()
	}
	return errors.Join(errs...)
}

// initialDisabledLocked decides whether a freshly created connection starts
// disabled. Ephemeral servers prefer the persisted tool state from earlier
// sessions, falling back to the config's own default. Callers hold h.mu.
func (h *Hub) initialDisabledLocked(name string, scope Scope, cfg ServerConfig) bool {
	if scope == ScopeEphemeral {
		if disabled, ok := h.toolState.Disabled[name]; ok {
			return disabled
		}
		if im, ok := AsInMemory(cfg); ok && im.DefaultDisabled {
			return true
		}
	}
	return cfg.base().Disabled
}
