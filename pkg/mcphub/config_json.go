package mcphub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ConfigSnapshot is one scope's configuration: the server map plus the order
// in which the servers appeared in the settings file. The order drives the
// within-scope sorting of the UI server list; names missing from it fall back
// to lexicographic order.
//
// Invalid carries entries that could not even be shaped into a config (for
// example a server declaring both stdio and URL fields). The reconciler
// reports these per server and carries on with the rest.
type ConfigSnapshot struct {
	Servers map[string]ServerConfig
	Order   []string
	Invalid map[string]*ValidationError
}

// NewConfigSnapshot builds a snapshot from a plain map, ordering names
// lexicographically.
func NewConfigSnapshot(servers map[string]ServerConfig) ConfigSnapshot {
	order := make([]string, 0, len(servers))
	for name := range servers {
		order = append(order, name)
	}
	slices.Sort(order)
	return ConfigSnapshot{Servers: servers, Order: order}
}

// configEntry is the on-disk shape of one server. Exactly one transport field
// group may be populated.
type configEntry struct {
	Type          string            `json:"type,omitempty"`
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	WatchPaths    []string          `json:"watchPaths,omitempty"`
	URL           string            `json:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Disabled      bool              `json:"disabled,omitempty"`
	Timeout       int               `json:"timeout,omitempty"`
	AlwaysAllow   []string          `json:"alwaysAllow,omitempty"`
	DisabledTools []string          `json:"disabledTools,omitempty"`
}

// UnmarshalConfigSnapshot decodes a `{"servers": {...}}` settings document,
// preserving the order in which servers appear. Entries that cannot be shaped
// into any transport variant land in Invalid rather than failing the whole
// document.
func UnmarshalConfigSnapshot(data []byte) (ConfigSnapshot, error) {
	snap := ConfigSnapshot{
		Servers: make(map[string]ServerConfig),
		Invalid: make(map[string]*ValidationError),
	}
	var doc struct {
		Servers map[string]json.RawMessage `json:"servers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return snap, fmt.Errorf("mcphub: parse settings: %w", err)
	}

	order, err := serverKeyOrder(data)
	if err != nil {
		return snap, err
	}
	snap.Order = order

	for name, raw := range doc.Servers {
		var entry configEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			snap.Invalid[name] = &ValidationError{Server: name, Reason: ReasonMixedTransports, Detail: err.Error()}
			continue
		}
		cfg, verr := entry.toConfig(name)
		if verr != nil {
			snap.Invalid[name] = verr
			continue
		}
		snap.Servers[name] = cfg
	}
	return snap, nil
}

// serverKeyOrder walks the raw JSON tokens to recover the declaration order
// of the "servers" object keys, which encoding/json maps discard.
func serverKeyOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	// Descend to the "servers" object.
	if _, err := dec.Token(); err != nil { // outer {
		return nil, fmt.Errorf("mcphub: parse settings: %w", err)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("mcphub: parse settings: %w", err)
		}
		key, _ := tok.(string)
		if key != "servers" {
			// Skip the value of an unrelated top-level key.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("mcphub: parse settings: %w", err)
			}
			continue
		}
		if _, err := dec.Token(); err != nil { // servers {
			return nil, fmt.Errorf("mcphub: parse settings: %w", err)
		}
		var order []string
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("mcphub: parse settings: %w", err)
			}
			name, _ := tok.(string)
			order = append(order, name)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("mcphub: parse settings: %w", err)
			}
		}
		return order, nil
	}
	return nil, nil
}

func (e *configEntry) toConfig(name string) (ServerConfig, *ValidationError) {
	hasStdio := e.Command != "" || len(e.Args) > 0 || e.Cwd != "" || len(e.WatchPaths) > 0
	hasURL := e.URL != "" || len(e.Headers) > 0
	if hasStdio && hasURL {
		return nil, &ValidationError{Server: name, Reason: ReasonMixedTransports}
	}

	base := BaseConfig{
		Disabled:         e.Disabled,
		Timeout:          time.Duration(e.Timeout) * time.Second,
		AlwaysAllowTools: toSet(e.AlwaysAllow),
		DisabledTools:    toSet(e.DisabledTools),
	}

	kind := TransportKind(e.Type)
	if kind == "" {
		if hasURL {
			kind = TransportSSE
		} else {
			kind = TransportStdio
		}
	}
	switch kind {
	case TransportStdio:
		if hasURL {
			return nil, &ValidationError{Server: name, Reason: ReasonMixedTransports}
		}
		return &StdioConfig{
			BaseConfig: base,
			Command:    e.Command,
			Args:       e.Args,
			Cwd:        e.Cwd,
			Env:        e.Env,
			WatchPaths: e.WatchPaths,
		}, nil
	case TransportSSE:
		if hasStdio {
			return nil, &ValidationError{Server: name, Reason: ReasonMixedTransports}
		}
		return &SSEConfig{BaseConfig: base, URL: e.URL, Headers: e.Headers}, nil
	case TransportStreamableHTTP:
		if hasStdio {
			return nil, &ValidationError{Server: name, Reason: ReasonMixedTransports}
		}
		return &StreamableHTTPConfig{BaseConfig: base, URL: e.URL, Headers: e.Headers}, nil
	default:
		return nil, &ValidationError{Server: name, Reason: ReasonMixedTransports, Detail: "unknown type " + e.Type}
	}
}

// MarshalConfigSnapshot encodes a snapshot back into the settings document,
// writing servers in snapshot order (any names absent from Order follow,
// sorted). In-memory configs are skipped: they are constructed in-process and
// never persisted.
func MarshalConfigSnapshot(snap ConfigSnapshot) ([]byte, error) {
	names := orderedNames(snap)

	var buf bytes.Buffer
	buf.WriteString("{\n  \"servers\": {")
	first := true
	for _, name := range names {
		cfg := snap.Servers[name]
		entry, ok := entryFromConfig(cfg)
		if !ok {
			continue
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("mcphub: encode settings for %q: %w", name, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteString("\n    ")
		key, _ := json.Marshal(name)
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(raw)
	}
	buf.WriteString("\n  }\n}\n")
	return buf.Bytes(), nil
}

func orderedNames(snap ConfigSnapshot) []string {
	seen := make(map[string]struct{}, len(snap.Order))
	names := make([]string, 0, len(snap.Servers))
	for _, name := range snap.Order {
		if _, ok := snap.Servers[name]; ok {
			names = append(names, name)
			seen[name] = struct{}{}
		}
	}
	var rest []string
	for name := range snap.Servers {
		if _, ok := seen[name]; !ok {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(names, rest...)
}

func entryFromConfig(cfg ServerConfig) (configEntry, bool) {
	base := cfg.base()
	entry := configEntry{
		Disabled:      base.Disabled,
		Timeout:       int(base.Timeout / time.Second),
		AlwaysAllow:   fromSet(base.AlwaysAllowTools),
		DisabledTools: fromSet(base.DisabledTools),
	}
	switch c := cfg.(type) {
	case *StdioConfig:
		entry.Type = string(TransportStdio)
		entry.Command = c.Command
		entry.Args = c.Args
		entry.Cwd = c.Cwd
		entry.Env = c.Env
		entry.WatchPaths = c.WatchPaths
	case *SSEConfig:
		entry.Type = string(TransportSSE)
		entry.URL = c.URL
		entry.Headers = c.Headers
	case *StreamableHTTPConfig:
		entry.Type = string(TransportStreamableHTTP)
		entry.URL = c.URL
		entry.Headers = c.Headers
	default:
		return configEntry{}, false
	}
	return entry, true
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	slices.Sort(values)
	return values
}
