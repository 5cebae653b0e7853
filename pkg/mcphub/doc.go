// Package mcphub supervises a fleet of Model Context Protocol (MCP) server
// connections across three configuration scopes from a single Go process. It
// layers scope-aware name resolution, debounced configuration reconciliation,
// capability caching, and per-tool permission tracking on top of the
// modelcontextprotocol/go-sdk client so callers can focus on invoking tools
// and reading resources instead of rebuilding MCP plumbing.
//
// # Core entry points
//
//   - Hub is the long-lived orchestration type. Construct it with New, hand
//     it a Store for settings and tool-state persistence, then feed it
//     configuration snapshots via UpdateConnections or let a Watcher do so
//     from settings files on disk.
//   - ServerConfig (with the StdioConfig, SSEConfig, StreamableHTTPConfig,
//     and InMemoryConfig variants) declares how each server is launched or
//     contacted. UnmarshalConfigSnapshot parses the JSON settings shape while
//     preserving the file's declaration order.
//   - Scope separates global, project, and ephemeral configuration. The same
//     server name may exist in several scopes at once; unqualified lookups
//     resolve project first, then global, then ephemeral.
//
// Once connected, use CallTool and ReadResource for invocation, GetServers or
// GetAllServers for the consolidated sorted view, and the Toggle methods to
// flip server and per-tool flags with write-through persistence. Ephemeral
// servers are rebuilt wholesale by RefreshEphemeral, which snapshots and
// restores their tool permission state so user choices survive the rebuild.
//
// Connection failures stay contained: a server that fails validation or
// refuses its handshake is reported on its own bounded error history and
// never affects sibling servers in the same snapshot.
package mcphub
