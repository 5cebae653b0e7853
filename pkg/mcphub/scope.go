package mcphub

import "fmt"

// Scope identifies the configuration provenance tier a server belongs to.
// The same server name may exist in several scopes at once; each pairing is a
// distinct connection.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeProject   Scope = "project"
	ScopeEphemeral Scope = "ephemeral"
)

// ScopesByPriority lists scopes in name-resolution order: a project-scoped
// server shadows a global one of the same name, which shadows an ephemeral
// one.
var ScopesByPriority = []Scope{ScopeProject, ScopeGlobal, ScopeEphemeral}

// ParseScope converts a string into a Scope, rejecting unknown values.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeGlobal, ScopeProject, ScopeEphemeral:
		return Scope(s), nil
	}
	return "", fmt.Errorf("mcphub: unknown scope %q", s)
}

func (s Scope) valid() bool {
	switch s {
	case ScopeGlobal, ScopeProject, ScopeEphemeral:
		return true
	}
	return false
}

// priority returns the resolution rank of the scope; lower ranks win.
func (s Scope) priority() int {
	for i, scope := range ScopesByPriority {
		if s == scope {
			return i
		}
	}
	return len(ScopesByPriority)
}
