package mcphub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSettings = `{
  "servers": {
    "zeta": {
      "command": "zeta-server",
      "args": ["--serve"],
      "watchPaths": ["/srv/zeta/config.yaml"],
      "timeout": 30
    },
    "alpha": {
      "type": "streamable-http",
      "url": "https://alpha.example.com/mcp",
      "headers": {"X-Api-Key": "k"},
      "alwaysAllow": ["search"]
    },
    "mid": {
      "url": "https://mid.example.com/sse",
      "disabled": true
    }
  }
}`

func TestUnmarshalConfigSnapshotPreservesOrder(t *testing.T) {
	snap, err := UnmarshalConfigSnapshot([]byte(sampleSettings))
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, snap.Order)
	assert.Len(t, snap.Servers, 3)
	assert.Empty(t, snap.Invalid)

	zeta, ok := AsStdio(snap.Servers["zeta"])
	require.True(t, ok)
	assert.Equal(t, "zeta-server", zeta.Command)
	assert.Equal(t, []string{"--serve"}, zeta.Args)
	assert.Equal(t, []string{"/srv/zeta/config.yaml"}, zeta.WatchPaths)
	assert.Equal(t, 30*time.Second, zeta.Timeout)

	alpha, ok := AsStreamableHTTP(snap.Servers["alpha"])
	require.True(t, ok)
	assert.Equal(t, "https://alpha.example.com/mcp", alpha.URL)
	assert.Contains(t, alpha.AlwaysAllowTools, "search")

	// Bare "url" infers the SSE transport.
	mid, ok := AsSSE(snap.Servers["mid"])
	require.True(t, ok)
	assert.True(t, mid.Disabled)
}

func TestUnmarshalConfigSnapshotIsolatesMixedEntry(t *testing.T) {
	doc := `{
  "servers": {
    "a": {"command": "run", "url": "https://example.com"},
    "b": {"command": "ok-server"}
  }
}`
	snap, err := UnmarshalConfigSnapshot([]byte(doc))
	require.NoError(t, err)

	// The mixed entry lands in Invalid without tainting its sibling.
	require.Contains(t, snap.Invalid, "a")
	assert.Equal(t, ReasonMixedTransports, snap.Invalid["a"].Reason)
	require.Contains(t, snap.Servers, "b")
	assert.NotContains(t, snap.Servers, "a")
}

func TestUnmarshalConfigSnapshotUnknownType(t *testing.T) {
	doc := `{"servers": {"x": {"type": "carrier-pigeon", "url": "https://example.com"}}}`
	snap, err := UnmarshalConfigSnapshot([]byte(doc))
	require.NoError(t, err)
	require.Contains(t, snap.Invalid, "x")
}

func TestMarshalConfigSnapshotRoundTrip(t *testing.T) {
	snap, err := UnmarshalConfigSnapshot([]byte(sampleSettings))
	require.NoError(t, err)

	data, err := MarshalConfigSnapshot(snap)
	require.NoError(t, err)

	again, err := UnmarshalConfigSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap.Order, again.Order)
	for name, cfg := range snap.Servers {
		require.Contains(t, again.Servers, name)
		assert.True(t, cfg.Equal(again.Servers[name]), "config %q changed across round trip", name)
	}
}

func TestMarshalConfigSnapshotSkipsInMemory(t *testing.T) {
	snap := NewConfigSnapshot(map[string]ServerConfig{
		"disk": &StdioConfig{Command: "run"},
		"mem":  &InMemoryConfig{FactoryID: "mem@1"},
	})
	data, err := MarshalConfigSnapshot(snap)
	require.NoError(t, err)

	again, err := UnmarshalConfigSnapshot(data)
	require.NoError(t, err)
	assert.Contains(t, again.Servers, "disk")
	assert.NotContains(t, again.Servers, "mem")
}
