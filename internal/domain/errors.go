// Package domain provides the canonical types and error taxonomy shared by
// the daemon, workflow engine, and provider router.
package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the transport-agnostic category of a call failure. Kinds are
// string-tagged rather than numeric so every transport can carry them as-is.
type ErrorKind string

const (
	// ErrorKindAuth indicates a bad or missing session token. Terminal;
	// the connection is closed.
	ErrorKindAuth ErrorKind = "auth_error"

	// ErrorKindBusy indicates admission timed out waiting for a slot.
	// Retryable by the client.
	ErrorKindBusy ErrorKind = "busy"

	// ErrorKindValidation indicates malformed tool arguments. Terminal
	// for the call, the session is unaffected.
	ErrorKindValidation ErrorKind = "validation_error"

	// ErrorKindProvider indicates all backend providers were exhausted.
	ErrorKindProvider ErrorKind = "provider_error"

	// ErrorKindTimeout indicates the coordinated deadline expired.
	// Partial results are preserved and returned alongside.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindInternal indicates an unexpected defect. Always logged
	// with full context, never swallowed.
	ErrorKindInternal ErrorKind = "internal_error"
)

// CallError is a kind-tagged error surfaced over the wire protocol.
type CallError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	Tool      string    `json:"tool,omitempty"`

	// Cause is the wrapped underlying error, not serialized.
	Cause error `json:"-"`
}

func (e *CallError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s: %s (tool=%s request=%s)", e.Kind, e.Message, e.Tool, e.RequestID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CallError) Unwrap() error { return e.Cause }

// NewCallError builds a CallError with the given kind and message.
func NewCallError(kind ErrorKind, format string, args ...any) *CallError {
	return &CallError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithRequest attaches request identity for diagnostics and returns e.
func (e *CallError) WithRequest(requestID, tool string) *CallError {
	e.RequestID = requestID
	e.Tool = tool
	return e
}

// KindOf extracts the error kind from err, defaulting to internal_error
// for errors that are not CallErrors.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrorKindInternal
}

// ProviderFailure is one entry in a fallback chain: which provider failed
// and why. The router surfaces the full chain after exhausting fallback.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Reason   string `json:"reason"`
}
