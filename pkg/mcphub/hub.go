package mcphub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultDebounce collapses rapid successive configuration edits for the same
// (scope, source path) into one reconciliation.
const defaultDebounce = 500 * time.Millisecond

// ServersChangedFunc receives the consolidated, priority-sorted server list
// after every reconciliation, restart, refresh, or toggle.
type ServersChangedFunc func([]Server)

// EphemeralProvider supplies the current set of in-process server configs.
// RefreshEphemeral tears every ephemeral connection down and rebuilds from
// the provider's result.
type EphemeralProvider func(ctx context.Context) (map[string]ServerConfig, error)

// Options configure a Hub instance.
type Options struct {
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// ClientName and ClientVersion identify the hub to servers during the
	// MCP handshake.
	ClientName    string
	ClientVersion string
	// DefaultTimeout applies to servers whose configuration omits one.
	// Defaults to the package-level DefaultTimeout (600s).
	DefaultTimeout time.Duration
	// DebounceInterval delays reconciliation after UpdateConnections so rapid
	// file edits coalesce. Zero means the 500ms default; a negative value
	// runs reconciliation synchronously (useful in tests).
	DebounceInterval time.Duration
	// OnServersChanged is the observer callback invoked (outside hub locks)
	// after every mutation batch.
	OnServersChanged ServersChangedFunc
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-hub"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.DebounceInterval == 0 {
		opts.DebounceInterval = defaultDebounce
	}
	return opts
}

// Hub supervises every managed connection across all scopes. It owns the
// connection registry, scope-priority name resolution, debounced
// configuration updates, watched-path restarts, and the reference-counted
// lifecycle.
type Hub struct {
	opts  Options
	store Store
	log   *slog.Logger

	mu        sync.RWMutex
	conns     map[connKey]*Connection
	order     map[Scope][]string
	clients   map[string]struct{}
	toolState ToolState
	provider  EphemeralProvider
	disposed  bool

	// scopeMu serializes reconciliation runs within one scope; runs for
	// different scopes proceed in parallel.
	scopeMu map[Scope]*sync.Mutex

	debounce      *debouncer
	watchDebounce *debouncer
}

// New constructs a Hub over the given persistence adapter. The persisted tool
// state is loaded eagerly so ephemeral servers come up with their prior
// permission flags.
func New(store Store, opts *Options) *Hub {
	options := opts.withDefaults()
	h := &Hub{
		opts:          options,
		store:         store,
		log:           options.Logger,
		conns:         make(map[connKey]*Connection),
		order:         make(map[Scope][]string),
		clients:       make(map[string]struct{}),
		toolState:     NewToolState(),
		scopeMu:       make(map[Scope]*sync.Mutex),
		debounce:      newDebouncer(options.DebounceInterval),
		watchDebounce: newDebouncer(options.DebounceInterval),
	}
	for _, scope := range ScopesByPriority {
		h.scopeMu[scope] = &sync.Mutex{}
	}
	if store != nil {
		state, err := store.LoadToolState()
		if err != nil {
			h.log.Warn("load tool state failed", "error", err)
		} else {
			h.toolState = state
		}
	}
	return h
}

// RegisterClient records an external owner and returns its handle. The hub
// stays alive while at least one client is registered.
func (h *Hub) RegisterClient() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := uuid.NewString()
	h.clients[id] = struct{}{}
	return id
}

// UnregisterClient releases a handle returned by RegisterClient. When the
// last client unregisters, the hub disposes itself, closing every connection
// across every scope. Unknown handles are rejected without touching the
// client count.
func (h *Hub) UnregisterClient(ctx context.Context, id string) error {
	h.mu.Lock()
	if _, ok := h.clients[id]; !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownClient, id)
	}
	delete(h.clients, id)
	remaining := len(h.clients)
	h.mu.Unlock()
	if remaining == 0 {
		return h.Dispose(ctx)
	}
	return nil
}

// Dispose closes every connection and rejects further operations.
func (h *Hub) Dispose(ctx context.Context) error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return nil
	}
	h.disposed = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[connKey]*Connection)
	h.mu.Unlock()

	h.debounce.stop()
	h.watchDebounce.stop()

	var errs []error
	for _, conn := range conns {
		if err := conn.close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.notifyServersChanged()
	return errors.Join(errs...)
}

// timeoutFor resolves a config's effective timeout against the hub default.
func (h *Hub) timeoutFor(base *BaseConfig) time.Duration {
	if base.Timeout > 0 {
		return base.Timeout
	}
	return h.opts.DefaultTimeout
}

func (h *Hub) checkAlive() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.disposed {
		return ErrHubDisposed
	}
	return nil
}

// UpdateConnections applies a new configuration snapshot for one scope,
// debounced per (scope, sourcePath) so rapid successive edits of the same
// settings file collapse into one reconciliation. Connections belonging to
// other scopes are untouched.
func (h *Hub) UpdateConnections(ctx context.Context, scope Scope, snap ConfigSnapshot, sourcePath string) error {
	if !scope.valid() {
		return fmt.Errorf("mcphub: unknown scope %q", scope)
	}
	if err := h.checkAlive(); err != nil {
		return err
	}
	if h.opts.DebounceInterval < 0 {
		return h.reconcile(ctx, scope, snap, false)
	}
	key := string(scope) + "|" + sourcePath
	h.debounce.trigger(key, func() {
		if err := h.reconcile(context.Background(), scope, snap, false); err != nil {
			h.log.Error("reconcile failed", "scope", scope, "error", err)
		}
	})
	return nil
}

// RestartConnection closes and reconnects one server using its last-known
// validated configuration. Ephemeral servers are skipped entirely; they are
// rebuilt wholesale via RefreshEphemeral.
func (h *Hub) RestartConnection(ctx context.Context, name string, scope Scope) error {
	if err := h.checkAlive(); err != nil {
		return err
	}
	if scope == ScopeEphemeral {
		return nil
	}
	conn, err := h.resolve(name, scope)
	if err != nil {
		return err
	}
	h.log.Info("restarting server", "server", name, "scope", scope)
	if err := conn.close(); err != nil {
		h.log.Warn("close before restart failed", "server", name, "error", err)
	}
	conn.beginConnecting()
	h.notifyServersChanged()

	dialErr := h.dialConnection(ctx, conn)
	h.notifyServersChanged()
	return dialErr
}

// SetEphemeralProvider registers the source of in-process server configs used
// by RefreshEphemeral and RefreshAll.
func (h *Hub) SetEphemeralProvider(provider EphemeralProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.provider = provider
}

// RefreshEphemeral snapshots the permission and disabled state of every
// ephemeral connection, tears them all down, re-runs ephemeral-scope
// initialization from the provider, and restores the snapshotted state onto
// the freshly fetched tool lists. Recreated servers never rely on object
// identity surviving the rebuild.
func (h *Hub) RefreshEphemeral(ctx context.Context) error {
	if err := h.checkAlive(); err != nil {
		return err
	}
	h.snapshotEphemeralState()

	h.mu.RLock()
	provider := h.provider
	h.mu.RUnlock()

	configs := map[string]ServerConfig{}
	if provider != nil {
		var err error
		configs, err = provider(ctx)
		if err != nil {
			return fmt.Errorf("mcphub: ephemeral provider: %w", err)
		}
	}
	return h.reconcile(ctx, ScopeEphemeral, NewConfigSnapshot(configs), true)
}

// RefreshAll tears down and re-creates every connection in every scope,
// preserving ephemeral permission state.
func (h *Hub) RefreshAll(ctx context.Context) error {
	if err := h.checkAlive(); err != nil {
		return err
	}
	var errs []error
	for _, scope := range []Scope{ScopeProject, ScopeGlobal} {
		if h.store == nil {
			continue
		}
		snap, err := h.store.LoadConfig(scope)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := h.reconcile(ctx, scope, snap, true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.RefreshEphemeral(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// snapshotEphemeralState writes the current in-memory flags of every
// ephemeral connection into the persisted tool state, then saves it.
func (h *Hub) snapshotEphemeralState() {
	h.mu.Lock()
	for key, conn := range h.conns {
		if key.scope != ScopeEphemeral {
			continue
		}
		server := conn.Server()
		h.toolState.Disabled[key.name] = server.Disabled
		if len(server.Tools) == 0 {
			// Nothing fetched (e.g. the server is disabled); keep whatever
			// state was recorded before rather than wiping it.
			continue
		}
		perms := h.toolState.ensure(key.name)
		clear(perms.AlwaysAllow)
		clear(perms.DisabledTools)
		for _, tool := range server.Tools {
			if tool.AlwaysAllow {
				perms.AlwaysAllow[tool.Name] = struct{}{}
			}
			if !tool.EnabledForPrompt {
				perms.DisabledTools[tool.Name] = struct{}{}
			}
		}
	}
	state := h.toolState.clone()
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.SaveToolState(state); err != nil {
			h.log.Warn("save tool state failed", "error", err)
		}
	}
}

// ResolveByName finds a connection by server name. With an explicit scope the
// match is exact; without one, scopes are consulted in priority order
// (project, then global, then ephemeral) and the first match wins.
func (h *Hub) ResolveByName(name string, scope ...Scope) (*Connection, error) {
	return h.resolve(name, scope...)
}

func (h *Hub) resolve(name string, scope ...Scope) (*Connection, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(scope) > 0 {
		if conn, ok := h.conns[connKey{name: name, scope: scope[0]}]; ok {
			return conn, nil
		}
		return nil, fmt.Errorf("%w: %q (%s)", ErrServerNotFound, name, scope[0])
	}
	for _, s := range ScopesByPriority {
		if conn, ok := h.conns[connKey{name: name, scope: s}]; ok {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrServerNotFound, name)
}

// ToggleDisabled flips a server's disabled flag, writing through to the
// persistence adapter for global/project scopes and to the in-memory tool
// state for the ephemeral scope. Enabling a disconnected server does not dial
// it; reconnection stays an explicit restart.
func (h *Hub) ToggleDisabled(ctx context.Context, name string, scope Scope, disabled bool) error {
	if err := h.checkAlive(); err != nil {
		return err
	}
	conn, err := h.resolve(name, scope)
	if err != nil {
		return err
	}
	conn.setDisabled(disabled)
	if disabled {
		// Disabling closes the live session.
		if cerr := conn.close(); cerr != nil {
			h.log.Warn("close on disable failed", "server", name, "error", cerr)
		}
	}

	if scope == ScopeEphemeral {
		h.mu.Lock()
		h.toolState.Disabled[name] = disabled
		state := h.toolState.clone()
		h.mu.Unlock()
		if h.store != nil {
			if err := h.store.SaveToolState(state); err != nil {
				h.log.Warn("save tool state failed", "error", err)
			}
		}
	} else if h.store != nil {
		if err := h.writeConfigThrough(scope, name, func(cfg ServerConfig) {
			cfg.base().Disabled = disabled
		}); err != nil {
			return err
		}
	}
	h.notifyServersChanged()
	return nil
}

// ToggleToolAlwaysAllow flips the skip-confirmation flag on one tool.
func (h *Hub) ToggleToolAlwaysAllow(ctx context.Context, name string, scope Scope, tool string, allow bool) error {
	return h.toggleToolFlag(name, scope, tool,
		func(t *Tool) { t.AlwaysAllow = allow },
		func(perms ToolPermissions) {
			if allow {
				perms.AlwaysAllow[tool] = struct{}{}
			} else {
				delete(perms.AlwaysAllow, tool)
			}
		},
		func(base *BaseConfig) {
			if allow {
				if base.AlwaysAllowTools == nil {
					base.AlwaysAllowTools = make(map[string]struct{})
				}
				base.AlwaysAllowTools[tool] = struct{}{}
			} else {
				delete(base.AlwaysAllowTools, tool)
			}
		})
}

// ToggleToolEnabledForPrompt flips whether one tool is advertised to the
// calling agent at all.
func (h *Hub) ToggleToolEnabledForPrompt(ctx context.Context, name string, scope Scope, tool string, enabled bool) error {
	return h.toggleToolFlag(name, scope, tool,
		func(t *Tool) { t.EnabledForPrompt = enabled },
		func(perms ToolPermissions) {
			if enabled {
				delete(perms.DisabledTools, tool)
			} else {
				perms.DisabledTools[tool] = struct{}{}
			}
		},
		func(base *BaseConfig) {
			if enabled {
				delete(base.DisabledTools, tool)
			} else {
				if base.DisabledTools == nil {
					base.DisabledTools = make(map[string]struct{})
				}
				base.DisabledTools[tool] = struct{}{}
			}
		})
}

func (h *Hub) toggleToolFlag(name string, scope Scope, tool string, applyFlag func(*Tool), applyState func(ToolPermissions), applyConfig func(*BaseConfig)) error {
	if err := h.checkAlive(); err != nil {
		return err
	}
	conn, err := h.resolve(name, scope)
	if err != nil {
		return err
	}
	if !conn.setToolFlag(tool, applyFlag) {
		return fmt.Errorf("%w: %q on %q", ErrToolNotFound, tool, name)
	}

	if scope == ScopeEphemeral {
		h.mu.Lock()
		applyState(h.toolState.ensure(name))
		state := h.toolState.clone()
		h.mu.Unlock()
		if h.store != nil {
			if err := h.store.SaveToolState(state); err != nil {
				h.log.Warn("save tool state failed", "error", err)
			}
		}
	} else {
		conn.mu.Lock()
		applyConfig(conn.cfg.base())
		conn.mu.Unlock()
		if h.store != nil {
			if err := h.writeConfigThrough(scope, name, func(cfg ServerConfig) {
				applyConfig(cfg.base())
			}); err != nil {
				return err
			}
		}
	}
	h.notifyServersChanged()
	return nil
}

// writeConfigThrough loads a scope's settings, mutates the named server's
// entry, and saves the result. Missing entries are ignored: the file may have
// been hand-edited since the connection was created.
func (h *Hub) writeConfigThrough(scope Scope, name string, mutate func(ServerConfig)) error {
	snap, err := h.store.LoadConfig(scope)
	if err != nil {
		return err
	}
	cfg, ok := snap.Servers[name]
	if !ok {
		return nil
	}
	mutate(cfg)
	return h.store.SaveConfig(scope, snap)
}

// CallTool invokes a tool on the named server, resolving by scope priority
// when no scope is given. Disabled servers fail locally before any transport
// call is attempted.
func (h *Hub) CallTool(ctx context.Context, name, tool string, args map[string]any, scope ...Scope) (*mcp.CallToolResult, error) {
	if err := h.checkAlive(); err != nil {
		return nil, err
	}
	conn, err := h.resolve(name, scope...)
	if err != nil {
		return nil, err
	}
	if conn.isDisabled() {
		return nil, &ServerDisabledError{Server: name, Scope: conn.Scope()}
	}
	session := conn.currentSession()
	if session == nil {
		return nil, &ToolCallError{Server: name, Tool: tool, Err: ErrNotConnected}
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeoutFor(conn.cfg.base()))
	defer cancel()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, &ToolCallError{Server: name, Tool: tool, Err: err}
	}
	return res, nil
}

// ReadResource reads a resource from the named server under the same
// resolution and precondition rules as CallTool.
func (h *Hub) ReadResource(ctx context.Context, name, uri string, scope ...Scope) (*mcp.ReadResourceResult, error) {
	if err := h.checkAlive(); err != nil {
		return nil, err
	}
	conn, err := h.resolve(name, scope...)
	if err != nil {
		return nil, err
	}
	if conn.isDisabled() {
		return nil, &ServerDisabledError{Server: name, Scope: conn.Scope()}
	}
	session := conn.currentSession()
	if session == nil {
		return nil, &ToolCallError{Server: name, Err: ErrNotConnected}
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeoutFor(conn.cfg.base()))
	defer cancel()
	res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, &ToolCallError{Server: name, Err: err}
	}
	return res, nil
}

// GetServers returns the sorted list of enabled servers.
func (h *Hub) GetServers() []Server {
	all := h.GetAllServers()
	enabled := all[:0:0]
	for _, s := range all {
		if !s.Disabled {
			enabled = append(enabled, s)
		}
	}
	return enabled
}

// GetAllServers returns every server, disabled included, sorted by scope
// priority, then by position in the scope's configuration ordering, then by
// name for servers absent from the recorded order.
func (h *Hub) GetAllServers() []Server {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sortedServersLocked()
}

func (h *Hub) sortedServersLocked() []Server {
	servers := make([]Server, 0, len(h.conns))
	rank := make(map[connKey]int, len(h.conns))
	for key, conn := range h.conns {
		servers = append(servers, conn.Server())
		rank[key] = slices.Index(h.order[key.scope], key.name)
	}
	slices.SortFunc(servers, func(a, b Server) int {
		if d := a.Scope.priority() - b.Scope.priority(); d != 0 {
			return d
		}
		ia := rank[connKey{name: a.Name, scope: a.Scope}]
		ib := rank[connKey{name: b.Name, scope: b.Scope}]
		switch {
		case ia >= 0 && ib >= 0 && ia != ib:
			return ia - ib
		case ia >= 0 && ib < 0:
			return -1
		case ia < 0 && ib >= 0:
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return servers
}

// OnWatchedPathChanged handles a change event for one of a stdio server's
// declared watch paths, restarting that server after a per-server debounce.
func (h *Hub) OnWatchedPathChanged(name string, scope Scope, path string) {
	if err := h.checkAlive(); err != nil {
		return
	}
	h.log.Debug("watched path changed", "server", name, "scope", scope, "path", path)
	key := string(scope) + "|" + name
	h.watchDebounce.trigger(key, func() {
		if err := h.RestartConnection(context.Background(), name, scope); err != nil {
			h.log.Error("watched-path restart failed", "server", name, "scope", scope, "error", err)
		}
	})
}

// notifyServersChanged delivers the consolidated list to the observer,
// outside the hub lock and isolated from observer panics.
func (h *Hub) notifyServersChanged() {
	cb := h.opts.OnServersChanged
	if cb == nil {
		return
	}
	h.mu.RLock()
	servers := h.sortedServersLocked()
	h.mu.RUnlock()
	func() {
		defer func() { _ = recover() }()
		cb(servers)
	}()
}

// dialConnection establishes the transport and session for a connection and
// runs capability discovery. Disabled servers are left disconnected without
// dialing. Any failure is recorded on the connection and returned as a typed
// ConnectError; it never crashes the hub.
func (h *Hub) dialConnection(ctx context.Context, conn *Connection) error {
	name, scope := conn.Name(), conn.Scope()
	if conn.isDisabled() {
		conn.mu.Lock()
		conn.server.Status = StatusDisconnected
		conn.mu.Unlock()
		return nil
	}
	base := conn.cfg.base()
	timeout := h.timeoutFor(base)

	onStderr := func(line string, level ErrorLevel) {
		conn.applyError(line, level)
	}
	transport, cleanup, err := buildTransport(ctx, name, conn.cfg, onStderr, h.log)
	if err != nil {
		cerr := &ConnectError{Server: name, Scope: scope, Err: err}
		conn.applyError(cerr.Error(), LevelError)
		conn.markDisconnected("")
		return cerr
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    h.opts.ClientName,
		Version: h.opts.ClientVersion,
	}, nil)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	session, err := client.Connect(connectCtx, transport, nil)
	cancel()
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		cerr := &ConnectError{Server: name, Scope: scope, Err: err}
		conn.applyError(cerr.Error(), LevelError)
		conn.markDisconnected("")
		return cerr
	}

	instructions := ""
	if init := session.InitializeResult(); init != nil {
		instructions = init.Instructions
	}
	conn.attachSession(session, cleanup, instructions)
	go h.monitorSession(conn, session)

	// Capability fetch is sequenced strictly after the successful connect.
	perms := h.permissionsFor(conn)
	tools, resources, templates := fetchCapabilities(ctx, session, timeout, perms, h.log.With("server", name))
	conn.setCapabilities(tools, resources, templates)
	return nil
}

// permissionsFor selects the permission source: the scope's persisted
// configuration sets for global/project, the in-memory tool state for
// ephemeral. Both branches return copies safe to read off-lock.
func (h *Hub) permissionsFor(conn *Connection) ToolPermissions {
	if conn.Scope() == ScopeEphemeral {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.toolState.permissionsFor(conn.Name()).clone()
	}
	return conn.permissions()
}

// monitorSession watches a session until it ends and records an unplanned
// disconnect. Errors stay contained to this connection's history.
func (h *Hub) monitorSession(conn *Connection, session *mcp.ClientSession) {
	err := session.Wait()
	message := "connection closed"
	if err != nil {
		message = fmt.Sprintf("connection closed: %v", err)
	}
	if conn.markSessionDisconnected(session, message) {
		h.log.Warn("server disconnected", "server", conn.Name(), "scope", conn.Scope(), "error", err)
		h.notifyServersChanged()
	}
}
