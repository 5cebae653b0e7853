package mcphub

import (
	"slices"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Status represents the lifecycle of a managed connection. A disconnected
// connection is never silently resurrected; restart is an explicit hub
// operation.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// ErrorLevel classifies entries in a server's error history.
type ErrorLevel string

const (
	LevelInfo  ErrorLevel = "info"
	LevelWarn  ErrorLevel = "warn"
	LevelError ErrorLevel = "error"
)

const (
	errorHistoryCap  = 100
	errorMessageMax  = 1000
	truncationMarker = "..."
)

// ErrorEntry is one record in a server's rolling error log.
type ErrorEntry struct {
	Message   string     `json:"message"`
	Level     ErrorLevel `json:"level"`
	Timestamp time.Time  `json:"timestamp"`
}

// Tool is a server-advertised tool merged with its permission flags. The two
// flags are orthogonal: AlwaysAllow suppresses the confirmation step before
// invocation, EnabledForPrompt controls whether the tool is advertised to the
// calling agent at all.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// InputSchema mirrors the SDK's declaration: the wire value may arrive
	// as a decoded schema object or a raw map, so it stays untyped here.
	InputSchema      any  `json:"inputSchema,omitempty"`
	AlwaysAllow      bool `json:"alwaysAllow"`
	EnabledForPrompt bool `json:"enabledForPrompt"`
}

// Resource is a server-advertised resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

// ResourceTemplate is a server-advertised parameterized resource.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

// Server is the UI-facing view of one connection. Values returned from the
// hub are deep copies; mutating them has no effect on hub state.
type Server struct {
	Name              string             `json:"name"`
	Scope             Scope              `json:"scope"`
	Transport         TransportKind      `json:"transport"`
	Status            Status             `json:"status"`
	Disabled          bool               `json:"disabled"`
	Instructions      string             `json:"instructions,omitempty"`
	Tools             []Tool             `json:"tools,omitempty"`
	Resources         []Resource         `json:"resources,omitempty"`
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates,omitempty"`
	ErrorHistory      []ErrorEntry       `json:"errorHistory,omitempty"`
	CurrentError      string             `json:"currentError,omitempty"`
}

func (s Server) clone() Server {
	s.Tools = slices.Clone(s.Tools)
	s.Resources = slices.Clone(s.Resources)
	s.ResourceTemplates = slices.Clone(s.ResourceTemplates)
	s.ErrorHistory = slices.Clone(s.ErrorHistory)
	return s
}

// connKey uniquely identifies a connection: the same name may exist in
// several scopes simultaneously as distinct connections.
type connKey struct {
	name  string
	scope Scope
}

// Connection pairs one server descriptor with one live transport handle. It
// is created by the reconciler and destroyed by explicit deletion or scope
// cleanup; never shared across scopes.
type Connection struct {
	mu sync.Mutex

	server Server
	// cfg's transport fields (command, URL, headers, timeout) are never
	// written after construction and may be read without the lock. The
	// mutable parts (Disabled and the tool permission sets) are guarded by
	// mu; whole-config comparison goes through configEqual.
	cfg     ServerConfig
	session *mcp.ClientSession
	// cleanup tears down transport-side resources (stderr tap, in-memory
	// server session) after the client session closes.
	cleanup func()
	// closing suppresses the session monitor's disconnect report when the
	// teardown was deliberate.
	closing bool
}

func newConnection(name string, scope Scope, cfg ServerConfig) *Connection {
	return &Connection{
		server: Server{
			Name:      name,
			Scope:     scope,
			Transport: TransportOf(cfg),
			Status:    StatusConnecting,
			Disabled:  cfg.base().Disabled,
		},
		cfg: cfg,
	}
}

// Name returns the server name within its scope.
func (c *Connection) Name() string { return c.server.Name }

// Scope returns the configuration scope that owns this connection.
func (c *Connection) Scope() Scope { return c.server.Scope }

// Status returns the current lifecycle status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server.Status
}

// Server returns a deep copy of the UI-facing descriptor.
func (c *Connection) Server() Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server.clone()
}

// Config returns the validated configuration the connection was built from.
func (c *Connection) Config() ServerConfig { return c.cfg }

// applyError appends to the bounded error history, truncating oversized
// messages, and records the message as the current error for error and warn
// levels.
func (c *Connection) applyError(message string, level ErrorLevel) {
	if len(message) > errorMessageMax {
		message = message[:errorMessageMax] + truncationMarker
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server.ErrorHistory = append(c.server.ErrorHistory, ErrorEntry{
		Message:   message,
		Level:     level,
		Timestamp: time.Now(),
	})
	if over := len(c.server.ErrorHistory) - errorHistoryCap; over > 0 {
		c.server.ErrorHistory = slices.Delete(c.server.ErrorHistory, 0, over)
	}
	if level != LevelInfo {
		c.server.CurrentError = message
	}
}

// close tears down the transport handle and marks the connection
// disconnected. Closing cancels the session's read loop and any in-flight
// calls awaiting a response on it. Safe to call on a never-connected or
// already-closed connection.
func (c *Connection) close() error {
	c.mu.Lock()
	c.closing = true
	session := c.session
	cleanup := c.cleanup
	c.session = nil
	c.cleanup = nil
	c.server.Status = StatusDisconnected
	c.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	if cleanup != nil {
		cleanup()
	}
	return err
}

func (c *Connection) attachSession(session *mcp.ClientSession, cleanup func(), instructions string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
	c.cleanup = cleanup
	c.closing = false
	c.server.Status = StatusConnected
	c.server.Instructions = instructions
	c.server.CurrentError = ""
}

// beginConnecting transitions a closed connection back into the connecting
// state ahead of a re-dial. Clearing closing lets a failed dial record the
// disconnected status; stale monitors remain fenced off by session identity.
func (c *Connection) beginConnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = false
	c.server.Status = StatusConnecting
}

func (c *Connection) currentSession() *mcp.ClientSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// markDisconnected records a transport-level failure. Deliberate teardown via
// close is not reported.
func (c *Connection) markDisconnected(message string) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.session = nil
	c.server.Status = StatusDisconnected
	c.mu.Unlock()
	if message != "" {
		c.applyError(message, LevelError)
	}
	return true
}

// markSessionDisconnected is markDisconnected guarded by session identity, so
// a stale monitor firing after a restart cannot tear down the replacement
// session.
func (c *Connection) markSessionDisconnected(session *mcp.ClientSession, message string) bool {
	c.mu.Lock()
	if c.closing || c.session != session {
		c.mu.Unlock()
		return false
	}
	c.session = nil
	c.server.Status = StatusDisconnected
	c.mu.Unlock()
	if message != "" {
		c.applyError(message, LevelError)
	}
	return true
}

func (c *Connection) setCapabilities(tools []Tool, resources []Resource, templates []ResourceTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server.Tools = tools
	c.server.Resources = resources
	c.server.ResourceTemplates = templates
}

func (c *Connection) setDisabled(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server.Disabled = disabled
	c.cfg.base().Disabled = disabled
}

func (c *Connection) isDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server.Disabled
}

// configEqual compares this connection's configuration against another under
// the connection lock, since the permission sets and disabled flag may be
// toggled concurrently.
func (c *Connection) configEqual(other ServerConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Equal(other)
}

// permissions copies the configuration's tool permission sets under the
// connection lock.
func (c *Connection) permissions() ToolPermissions {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := c.cfg.base()
	return ToolPermissions{
		AlwaysAllow:   base.AlwaysAllowTools,
		DisabledTools: base.DisabledTools,
	}.clone()
}

// setToolFlag flips a permission flag on one advertised tool, reporting
// whether the tool was found.
func (c *Connection) setToolFlag(tool string, apply func(*Tool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.server.Tools {
		if c.server.Tools[i].Name == tool {
			apply(&c.server.Tools[i])
			return true
		}
	}
	return false
}
