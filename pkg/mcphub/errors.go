package mcphub

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by hub lookups and lifecycle guards.
var (
	ErrServerNotFound = errors.New("mcphub: server not found")
	ErrToolNotFound   = errors.New("mcphub: tool not found")
	ErrHubDisposed    = errors.New("mcphub: hub disposed")
	ErrNotConnected   = errors.New("mcphub: server not connected")
	ErrUnknownClient  = errors.New("mcphub: unknown client id")
)

// ValidationReason distinguishes the common misconfigurations so callers can
// render a targeted message instead of a generic failure.
type ValidationReason string

const (
	ReasonMixedTransports   ValidationReason = "mixed_transports"
	ReasonMissingCommand    ValidationReason = "missing_command"
	ReasonMissingEndpoint   ValidationReason = "missing_endpoint"
	ReasonMissingCredential ValidationReason = "missing_credential"
	ReasonMissingFactory    ValidationReason = "missing_factory"
	ReasonTimeoutRange      ValidationReason = "timeout_out_of_range"
	ReasonMalformedURL      ValidationReason = "malformed_url"
)

// ValidationError reports a malformed server configuration. Validation
// failures never reach the transport layer; during reconciliation they are
// reported per server and do not affect sibling servers.
type ValidationError struct {
	Server string
	Reason ValidationReason
	Detail string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("mcphub: invalid config for %q", e.Server)
	switch e.Reason {
	case ReasonMissingEndpoint:
		msg += ": no endpoint URL configured"
	case ReasonMissingCredential:
		msg += ": a header references an unset credential"
	default:
		msg += ": " + string(e.Reason)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// ConnectError reports a transport that failed to establish. The owning
// connection transitions to disconnected and the failure is recorded in its
// error history.
type ConnectError struct {
	Server string
	Scope  Scope
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mcphub: connect %q (%s): %v", e.Server, e.Scope, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError reports a mid-session I/O failure on an established
// connection.
type TransportError struct {
	Server string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcphub: transport %q: %v", e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerDisabledError is a local precondition failure: the requested server
// exists but is disabled, so no transport call was attempted.
type ServerDisabledError struct {
	Server string
	Scope  Scope
}

func (e *ServerDisabledError) Error() string {
	return fmt.Sprintf("mcphub: server %q (%s) is disabled", e.Server, e.Scope)
}

// ToolCallError reports a remote tool call or resource read that failed or
// timed out. The connection's status is left as-is.
type ToolCallError struct {
	Server string
	Tool   string
	Err    error
}

func (e *ToolCallError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("mcphub: call on %q: %v", e.Server, e.Err)
	}
	return fmt.Sprintf("mcphub: tool %q on %q: %v", e.Tool, e.Server, e.Err)
}

func (e *ToolCallError) Unwrap() error { return e.Err }
