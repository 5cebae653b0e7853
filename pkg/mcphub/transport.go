package mcphub

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerFactory constructs the serving side of an in-memory server. The hub
// calls it once per connect; the returned server is bound to the hub-owned
// endpoint of an in-process channel pair.
type ServerFactory func(ctx context.Context) (*mcp.Server, error)

// sseMaxReconnects bounds the transparent socket-level redial attempts for
// SSE streams. Exhausting them surfaces the original read error, which the
// session monitor then treats as transport-fatal.
const sseMaxReconnects = 5

// buildTransport produces a connectable mcp.Transport for the given config
// variant plus a cleanup hook for transport-side resources. onStderr receives
// classified stderr lines from stdio subprocesses.
func buildTransport(ctx context.Context, name string, cfg ServerConfig, onStderr func(string, ErrorLevel), logger *slog.Logger) (mcp.Transport, func(), error) {
	switch c := cfg.(type) {
	case *StdioConfig:
		return buildStdioTransport(c, onStderr)
	case *SSEConfig:
		client := headerClient(c.Headers)
		delegate := &mcp.SSEClientTransport{Endpoint: c.URL, HTTPClient: client}
		return &reconnectingTransport{delegate: delegate, logger: logger.With("server", name)}, nil, nil
	case *StreamableHTTPConfig:
		client := headerClient(c.Headers)
		return &mcp.StreamableClientTransport{Endpoint: c.URL, HTTPClient: client, MaxRetries: 3}, nil, nil
	case *InMemoryConfig:
		return buildInMemoryTransport(ctx, c)
	default:
		return nil, nil, fmt.Errorf("mcphub: unsupported config for %q", name)
	}
}

func buildStdioTransport(cfg *StdioConfig, onStderr func(string, ErrorLevel)) (mcp.Transport, func(), error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
		}
		cmd.Env = env
	}
	var cleanup func()
	if onStderr != nil {
		tap := &stderrTap{onLine: onStderr}
		cmd.Stderr = tap
		cleanup = tap.flush
	}
	return &mcp.CommandTransport{Command: cmd}, cleanup, nil
}

func buildInMemoryTransport(ctx context.Context, cfg *InMemoryConfig) (mcp.Transport, func(), error) {
	clientT, serverT := mcp.NewInMemoryTransports()
	server, err := cfg.Factory(ctx)
	if err != nil {
		return nil, nil, err
	}
	session, err := server.Connect(ctx, serverT, nil)
	if err != nil {
		return nil, nil, err
	}
	return clientT, func() { _ = session.Close() }, nil
}

// stderrTap splits a subprocess's stderr into lines and classifies each as
// info (carries an info-level marker) or error. The side channel feeds the
// owning connection's error history; it is never transport-fatal.
type stderrTap struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	onLine func(string, ErrorLevel)
}

func (t *stderrTap) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	for {
		line, err := t.buf.ReadString('\n')
		if err != nil {
			// Partial line stays buffered until the next write or flush.
			t.buf.WriteString(line)
			break
		}
		t.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// flush emits any trailing unterminated line after the process exits.
func (t *stderrTap) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rest := t.buf.String(); rest != "" {
		t.buf.Reset()
		t.emit(rest)
	}
}

func (t *stderrTap) emit(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.onLine(line, classifyStderrLine(line))
}

func classifyStderrLine(line string) ErrorLevel {
	if strings.Contains(strings.ToLower(line), "info") {
		return LevelInfo
	}
	return LevelError
}

// headerClient returns an http.Client whose requests carry the configured
// custom headers, with ${VAR} references expanded from the environment.
func headerClient(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return http.DefaultClient
	}
	expanded := make(http.Header, len(headers))
	for k, v := range headers {
		expanded.Set(k, os.ExpandEnv(v))
	}
	return &http.Client{Transport: &headerRoundTripper{next: http.DefaultTransport, headers: expanded}}
}

type headerRoundTripper struct {
	next    http.RoundTripper
	headers http.Header
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range rt.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return rt.next.RoundTrip(req)
}

// reconnectingTransport redials a dropped SSE stream with bounded exponential
// backoff, transparently to the logical connection status. Hub-level restart
// semantics are unaffected: once the attempts are exhausted the original
// error propagates and the session monitor records the disconnect.
type reconnectingTransport struct {
	delegate mcp.Transport
	logger   *slog.Logger
}

func (t *reconnectingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &reconnectingConnection{transport: t.delegate, conn: conn, logger: t.logger}, nil
}

type reconnectingConnection struct {
	transport mcp.Transport
	logger    *slog.Logger

	mu     sync.Mutex
	conn   mcp.Connection
	closed bool
}

func (c *reconnectingConnection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.SessionID()
}

func (c *reconnectingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	for {
		conn, closed := c.current()
		if closed {
			return nil, fmt.Errorf("mcphub: connection closed")
		}
		msg, err := conn.Read(ctx)
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if rerr := c.redial(ctx); rerr != nil {
			return nil, err
		}
	}
}

func (c *reconnectingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	conn, closed := c.current()
	if closed {
		return fmt.Errorf("mcphub: connection closed")
	}
	err := conn.Write(ctx, msg)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if rerr := c.redial(ctx); rerr != nil {
		return err
	}
	conn, closed = c.current()
	if closed {
		return err
	}
	return conn.Write(ctx, msg)
}

func (c *reconnectingConnection) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	return conn.Close()
}

func (c *reconnectingConnection) current() (mcp.Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.closed
}

func (c *reconnectingConnection) redial(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), sseMaxReconnects), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		if _, closed := c.current(); closed {
			return backoff.Permanent(fmt.Errorf("mcphub: connection closed"))
		}
		attempt++
		conn, err := c.transport.Connect(ctx)
		if err != nil {
			c.logger.Warn("sse reconnect failed", "attempt", attempt, "error", err)
			return err
		}
		c.mu.Lock()
		old := c.conn
		c.conn = conn
		c.mu.Unlock()
		_ = old.Close()
		c.logger.Info("sse stream reestablished", "attempt", attempt)
		return nil
	}, policy)
}
