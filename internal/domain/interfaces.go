package domain

import (
	"context"
	"time"
)

// Provider is a single backend AI service adapter.
type Provider interface {
	Name() string

	// Generate performs one unary model call.
	Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

	// Models returns the models this provider can serve, with their
	// capability flags. Used by the router's capability check.
	Models() []ModelInfo

	// SupportedParams returns the outbound parameter names the backend
	// API is documented to accept. The router filters requests to this
	// set before dispatch.
	SupportedParams() map[string]bool
}

// HandlerKind distinguishes single-call tools from workflow-driven ones.
type HandlerKind string

const (
	HandlerKindSingleCall HandlerKind = "single_call"
	HandlerKindWorkflow   HandlerKind = "workflow"
)

// ToolHandler executes one admitted tool call. Arguments arrive as decoded
// JSON; the returned payload is serialized verbatim into the result frame.
type ToolHandler interface {
	Handle(ctx context.Context, args map[string]any) (any, error)
}

// ToolRegistration is the registry lookup result for one tool name.
type ToolRegistration struct {
	Name    string
	Kind    HandlerKind
	Handler ToolHandler

	// ProviderClass pre-selects an admission class for tools that pin a
	// backend; empty means the class is known only after routing.
	ProviderClass string
}

// ToolRegistry maps tool names to handlers. The daemon only needs the
// handler reference and whether it is workflow-shaped.
type ToolRegistry interface {
	Lookup(toolName string) (*ToolRegistration, bool)
}

// FindingsStore persists consolidated findings per continuation id. A load
// miss (expired or evicted) is not an error; callers start fresh.
type FindingsStore interface {
	Load(ctx context.Context, continuationID string) (*ConsolidatedFindings, error)
	Save(ctx context.Context, continuationID string, findings *ConsolidatedFindings, ttl time.Duration) error
	Close() error
}
