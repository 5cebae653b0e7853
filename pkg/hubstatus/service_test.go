package hubstatus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubforge/mcp-hub-go/pkg/mcphub"
)

func newTestService(t *testing.T) (*Service, *mcphub.Hub) {
	t.Helper()
	hub := mcphub.New(mcphub.NewMemStore(), &mcphub.Options{
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		DebounceInterval: -1,
	})
	t.Cleanup(func() { _ = hub.Dispose(context.Background()) })

	service, err := New(hub, &Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	return service, hub
}

func seedServer(t *testing.T, hub *mcphub.Hub, name string) {
	t.Helper()
	factory, err := mcphub.NewServerFactory(
		&mcp.Implementation{Name: name, Version: "0.1.0"},
		mcphub.ToolDef{
			Name: "ping",
			Handler: func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcphub.TextResult("pong"), nil
			},
		},
	)
	require.NoError(t, err)
	snap := mcphub.NewConfigSnapshot(map[string]mcphub.ServerConfig{
		name: &mcphub.InMemoryConfig{
			BaseConfig: mcphub.BaseConfig{Timeout: 5 * time.Second},
			Factory:    factory,
			FactoryID:  name + "@1",
		},
	})
	require.NoError(t, hub.UpdateConnections(context.Background(), mcphub.ScopeGlobal, snap, ""))
}

func get(t *testing.T, handler http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealthEndpoint(t *testing.T) {
	service, _ := newTestService(t)
	rec, body := get(t, service.Handler(), "/api/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestServersEndpoint(t *testing.T) {
	service, hub := newTestService(t)
	seedServer(t, hub, "alpha")

	rec, body := get(t, service.Handler(), "/api/servers")
	require.Equal(t, http.StatusOK, rec.Code)

	servers, ok := body["servers"].([]any)
	require.True(t, ok)
	require.Len(t, servers, 1)
	first, ok := servers[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alpha", first["name"])
	assert.Equal(t, "connected", first["status"])
	assert.Equal(t, "global", first["scope"])
	assert.Equal(t, "inmemory", first["transport"])
}

func TestRestartEndpoint(t *testing.T) {
	service, hub := newTestService(t)
	seedServer(t, hub, "alpha")

	rec := httptest.NewRecorder()
	service.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/servers/restart?name=alpha&scope=global", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	service.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/servers/restart?name=ghost&scope=global", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	service.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/servers/restart?name=alpha&scope=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSHeaders(t *testing.T) {
	service, _ := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	service.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
