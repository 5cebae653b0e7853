package mcphub

import (
	"maps"
	"net/url"
	"os"
	"regexp"
	"slices"
	"time"
)

const (
	// DefaultTimeout applies when a configuration omits an explicit timeout.
	DefaultTimeout = 600 * time.Second
	// MinTimeout and MaxTimeout bound the accepted per-server timeout range.
	MinTimeout = 1 * time.Second
	MaxTimeout = 3600 * time.Second
)

// TransportKind identifies the transport family used by a ServerConfig.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable-http"
	TransportInMemory       TransportKind = "inmemory"
)

// BaseConfig captures settings shared by every transport variant.
type BaseConfig struct {
	// Disabled servers keep their descriptor but are never dialed and reject
	// tool calls locally.
	Disabled bool
	// Timeout bounds connect handshakes and per-call round-trips. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// AlwaysAllowTools names tools that skip the confirmation step.
	AlwaysAllowTools map[string]struct{}
	// DisabledTools names tools withheld from the calling agent.
	DisabledTools map[string]struct{}
}

func (b *BaseConfig) effectiveTimeout() time.Duration {
	if b.Timeout <= 0 {
		return DefaultTimeout
	}
	return b.Timeout
}

func (b *BaseConfig) validate(server string) error {
	if b.Timeout != 0 && (b.Timeout < MinTimeout || b.Timeout > MaxTimeout) {
		return &ValidationError{Server: server, Reason: ReasonTimeoutRange, Detail: b.Timeout.String()}
	}
	return nil
}

func (b *BaseConfig) equal(other *BaseConfig) bool {
	return b.Disabled == other.Disabled &&
		b.Timeout == other.Timeout &&
		maps.Equal(b.AlwaysAllowTools, other.AlwaysAllowTools) &&
		maps.Equal(b.DisabledTools, other.DisabledTools)
}

// ServerConfig is implemented by the four transport-specific configuration
// variants. Exactly one transport field group is populated per value; the
// JSON codec and Validate both enforce this.
type ServerConfig interface {
	base() *BaseConfig
	// Validate checks the configuration shape for the named server.
	Validate(server string) error
	// Equal reports deep equality with another config, transport fields
	// included.
	Equal(other ServerConfig) bool
	kind() TransportKind
}

// StdioConfig describes a server launched as a local subprocess speaking MCP
// over stdin/stdout.
type StdioConfig struct {
	BaseConfig
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
	// WatchPaths lists files whose changes should trigger a hub-level
	// restart of this server.
	WatchPaths []string
}

func (c *StdioConfig) base() *BaseConfig   { return &c.BaseConfig }
func (c *StdioConfig) kind() TransportKind { return TransportStdio }

func (c *StdioConfig) Validate(server string) error {
	if err := c.BaseConfig.validate(server); err != nil {
		return err
	}
	if c.Command == "" {
		return &ValidationError{Server: server, Reason: ReasonMissingCommand}
	}
	return nil
}

func (c *StdioConfig) Equal(other ServerConfig) bool {
	o, ok := other.(*StdioConfig)
	if !ok {
		return false
	}
	return c.BaseConfig.equal(&o.BaseConfig) &&
		c.Command == o.Command &&
		slices.Equal(c.Args, o.Args) &&
		c.Cwd == o.Cwd &&
		maps.Equal(c.Env, o.Env) &&
		slices.Equal(c.WatchPaths, o.WatchPaths)
}

// SSEConfig describes a server reachable over an HTTP Server-Sent-Events
// stream. Socket-level drops reconnect transparently with bounded backoff,
// independent of hub-level restarts.
type SSEConfig struct {
	BaseConfig
	URL     string
	Headers map[string]string
}

func (c *SSEConfig) base() *BaseConfig   { return &c.BaseConfig }
func (c *SSEConfig) kind() TransportKind { return TransportSSE }

func (c *SSEConfig) Validate(server string) error {
	if err := c.BaseConfig.validate(server); err != nil {
		return err
	}
	return validateEndpoint(server, c.URL, c.Headers)
}

func (c *SSEConfig) Equal(other ServerConfig) bool {
	o, ok := other.(*SSEConfig)
	if !ok {
		return false
	}
	return c.BaseConfig.equal(&o.BaseConfig) && c.URL == o.URL && maps.Equal(c.Headers, o.Headers)
}

// StreamableHTTPConfig describes a server reachable over the Streamable HTTP
// transport.
type StreamableHTTPConfig struct {
	BaseConfig
	URL     string
	Headers map[string]string
}

func (c *StreamableHTTPConfig) base() *BaseConfig   { return &c.BaseConfig }
func (c *StreamableHTTPConfig) kind() TransportKind { return TransportStreamableHTTP }

func (c *StreamableHTTPConfig) Validate(server string) error {
	if err := c.BaseConfig.validate(server); err != nil {
		return err
	}
	return validateEndpoint(server, c.URL, c.Headers)
}

func (c *StreamableHTTPConfig) Equal(other ServerConfig) bool {
	o, ok := other.(*StreamableHTTPConfig)
	if !ok {
		return false
	}
	return c.BaseConfig.equal(&o.BaseConfig) && c.URL == o.URL && maps.Equal(c.Headers, o.Headers)
}

// InMemoryConfig describes a server constructed in-process and wired through
// a paired in-memory channel. These configs are never read from disk; they
// are registered programmatically and rebuilt wholesale on refresh.
type InMemoryConfig struct {
	BaseConfig
	// Factory constructs the serving endpoint. Required.
	Factory ServerFactory
	// FactoryID distinguishes factories for change detection, since function
	// values cannot be compared.
	FactoryID string
	// DefaultDisabled applies when no persisted disabled flag exists for the
	// server. Auto-discovered fleet servers set this true so they stay
	// opt-in; directly registered tool servers leave it false.
	DefaultDisabled bool
}

func (c *InMemoryConfig) base() *BaseConfig   { return &c.BaseConfig }
func (c *InMemoryConfig) kind() TransportKind { return TransportInMemory }

func (c *InMemoryConfig) Validate(server string) error {
	if err := c.BaseConfig.validate(server); err != nil {
		return err
	}
	if c.Factory == nil {
		return &ValidationError{Server: server, Reason: ReasonMissingFactory}
	}
	return nil
}

func (c *InMemoryConfig) Equal(other ServerConfig) bool {
	o, ok := other.(*InMemoryConfig)
	if !ok {
		return false
	}
	return c.BaseConfig.equal(&o.BaseConfig) &&
		c.FactoryID == o.FactoryID &&
		c.DefaultDisabled == o.DefaultDisabled
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func validateEndpoint(server, endpoint string, headers map[string]string) error {
	if endpoint == "" {
		return &ValidationError{Server: server, Reason: ReasonMissingEndpoint}
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Server: server, Reason: ReasonMalformedURL, Detail: endpoint}
	}
	for name, value := range headers {
		for _, match := range envRefPattern.FindAllStringSubmatch(value, -1) {
			if _, ok := os.LookupEnv(match[1]); !ok {
				return &ValidationError{Server: server, Reason: ReasonMissingCredential, Detail: name}
			}
		}
	}
	return nil
}

// TransportOf returns the transport kind for a ServerConfig, or an empty
// string for nil or unknown implementations.
func TransportOf(cfg ServerConfig) TransportKind {
	if cfg == nil {
		return ""
	}
	return cfg.kind()
}

// AsStdio narrows cfg to *StdioConfig.
func AsStdio(cfg ServerConfig) (*StdioConfig, bool) {
	c, ok := cfg.(*StdioConfig)
	return c, ok
}

// AsSSE narrows cfg to *SSEConfig.
func AsSSE(cfg ServerConfig) (*SSEConfig, bool) {
	c, ok := cfg.(*SSEConfig)
	return c, ok
}

// AsStreamableHTTP narrows cfg to *StreamableHTTPConfig.
func AsStreamableHTTP(cfg ServerConfig) (*StreamableHTTPConfig, bool) {
	c, ok := cfg.(*StreamableHTTPConfig)
	return c, ok
}

// AsInMemory narrows cfg to *InMemoryConfig.
func AsInMemory(cfg ServerConfig) (*InMemoryConfig, bool) {
	c, ok := cfg.(*InMemoryConfig)
	return c, ok
}
