package mcphub

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// ToolPermissions captures the user-set per-tool flags for one server.
type ToolPermissions struct {
	AlwaysAllow   map[string]struct{}
	DisabledTools map[string]struct{}
}

func (p ToolPermissions) clone() ToolPermissions {
	return ToolPermissions{
		AlwaysAllow:   maps.Clone(p.AlwaysAllow),
		DisabledTools: maps.Clone(p.DisabledTools),
	}
}

// ToolState is the permission and disabled state that must survive a full
// teardown/recreate cycle. Ephemeral servers are rebuilt wholesale on every
// refresh and would otherwise lose user-set flags.
type ToolState struct {
	// Tools maps server name to its per-tool permission sets.
	Tools map[string]ToolPermissions
	// Disabled maps server name to its server-level disabled flag.
	Disabled map[string]bool
}

// NewToolState returns an empty, initialized state.
func NewToolState() ToolState {
	return ToolState{
		Tools:    make(map[string]ToolPermissions),
		Disabled: make(map[string]bool),
	}
}

func (s ToolState) clone() ToolState {
	out := NewToolState()
	for name, perms := range s.Tools {
		out.Tools[name] = perms.clone()
	}
	maps.Copy(out.Disabled, s.Disabled)
	return out
}

func (s ToolState) permissionsFor(server string) ToolPermissions {
	return s.Tools[server]
}

func (s *ToolState) ensure(server string) ToolPermissions {
	perms, ok := s.Tools[server]
	if !ok {
		perms = ToolPermissions{
			AlwaysAllow:   make(map[string]struct{}),
			DisabledTools: make(map[string]struct{}),
		}
		s.Tools[server] = perms
	}
	if perms.AlwaysAllow == nil {
		perms.AlwaysAllow = make(map[string]struct{})
	}
	if perms.DisabledTools == nil {
		perms.DisabledTools = make(map[string]struct{})
	}
	s.Tools[server] = perms
	return perms
}

// Store is the persistence collaborator: configuration snapshots per scope
// plus the cross-reconnect tool state. Reads and writes run to completion;
// they are not cancelled with the caller.
type Store interface {
	LoadConfig(scope Scope) (ConfigSnapshot, error)
	SaveConfig(scope Scope, snap ConfigSnapshot) error
	LoadToolState() (ToolState, error)
	SaveToolState(state ToolState) error
}

// FileStore persists one JSON settings file per scope plus a tool-state file.
type FileStore struct {
	mu        sync.Mutex
	paths     map[Scope]string
	statePath string
}

// NewFileStore builds a store over the given per-scope settings paths. The
// ephemeral scope never persists configuration, so only global and project
// paths are meaningful. statePath holds the tool state document.
func NewFileStore(paths map[Scope]string, statePath string) *FileStore {
	return &FileStore{paths: maps.Clone(paths), statePath: statePath}
}

// LoadConfig reads and decodes a scope's settings file. A missing file is an
// empty snapshot, not an error.
func (fs *FileStore) LoadConfig(scope Scope) (ConfigSnapshot, error) {
	fs.mu.Lock()
	path := fs.paths[scope]
	fs.mu.Unlock()
	if path == "" {
		return NewConfigSnapshot(nil), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewConfigSnapshot(nil), nil
	}
	if err != nil {
		return ConfigSnapshot{}, fmt.Errorf("mcphub: read settings %s: %w", path, err)
	}
	return UnmarshalConfigSnapshot(data)
}

// SaveConfig encodes and atomically replaces a scope's settings file.
func (fs *FileStore) SaveConfig(scope Scope, snap ConfigSnapshot) error {
	fs.mu.Lock()
	path := fs.paths[scope]
	fs.mu.Unlock()
	if path == "" {
		return fmt.Errorf("mcphub: no settings path for scope %q", scope)
	}
	data, err := MarshalConfigSnapshot(snap)
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

type toolStateDoc struct {
	Tools map[string]struct {
		AlwaysAllow   []string `json:"alwaysAllow,omitempty"`
		DisabledTools []string `json:"disabledTools,omitempty"`
	} `json:"tools"`
	Disabled map[string]bool `json:"disabled"`
}

// LoadToolState reads the persisted tool state. A missing file yields an
// empty state.
func (fs *FileStore) LoadToolState() (ToolState, error) {
	data, err := os.ReadFile(fs.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return NewToolState(), nil
	}
	if err != nil {
		return ToolState{}, fmt.Errorf("mcphub: read tool state %s: %w", fs.statePath, err)
	}
	var doc toolStateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return ToolState{}, fmt.Errorf("mcphub: parse tool state %s: %w", fs.statePath, err)
	}
	state := NewToolState()
	for name, entry := range doc.Tools {
		state.Tools[name] = ToolPermissions{
			AlwaysAllow:   toSet(entry.AlwaysAllow),
			DisabledTools: toSet(entry.DisabledTools),
		}
	}
	maps.Copy(state.Disabled, doc.Disabled)
	return state, nil
}

// SaveToolState encodes and atomically replaces the tool state file.
func (fs *FileStore) SaveToolState(state ToolState) error {
	doc := toolStateDoc{
		Tools: make(map[string]struct {
			AlwaysAllow   []string `json:"alwaysAllow,omitempty"`
			DisabledTools []string `json:"disabledTools,omitempty"`
		}, len(state.Tools)),
		Disabled: state.Disabled,
	}
	for name, perms := range state.Tools {
		doc.Tools[name] = struct {
			AlwaysAllow   []string `json:"alwaysAllow,omitempty"`
			DisabledTools []string `json:"disabledTools,omitempty"`
		}{
			AlwaysAllow:   fromSet(perms.AlwaysAllow),
			DisabledTools: fromSet(perms.DisabledTools),
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("mcphub: encode tool state: %w", err)
	}
	return atomicWrite(fs.statePath, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mcphub: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("mcphub: write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("mcphub: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("mcphub: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("mcphub: write %s: %w", path, err)
	}
	return nil
}

// MemStore is an in-memory Store for tests and for hubs whose configuration
// is supplied entirely through UpdateConnections.
type MemStore struct {
	mu      sync.Mutex
	configs map[Scope]ConfigSnapshot
	state   ToolState
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		configs: make(map[Scope]ConfigSnapshot),
		state:   NewToolState(),
	}
}

func (ms *MemStore) LoadConfig(scope Scope) (ConfigSnapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	snap, ok := ms.configs[scope]
	if !ok {
		return NewConfigSnapshot(nil), nil
	}
	return snap, nil
}

func (ms *MemStore) SaveConfig(scope Scope, snap ConfigSnapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.configs[scope] = snap
	return nil
}

func (ms *MemStore) LoadToolState() (ToolState, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.state.clone(), nil
}

func (ms *MemStore) SaveToolState(state ToolState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.state = state.clone()
	return nil
}
