package domain

import "time"

// Capability identifies an optional model feature a request may ask for.
type Capability string

const (
	// CapabilityExtendedReasoning asks the model to run an extended
	// reasoning pass before answering.
	CapabilityExtendedReasoning Capability = "extended_reasoning"

	// CapabilityJSONOutput asks for structured JSON output.
	CapabilityJSONOutput Capability = "json_output"

	// CapabilityVision asks for image input support.
	CapabilityVision Capability = "vision"
)

// ThinkingMode is the requested reasoning depth for a model call.
type ThinkingMode string

const (
	ThinkingModeMinimal ThinkingMode = "minimal"
	ThinkingModeLow     ThinkingMode = "low"
	ThinkingModeMedium  ThinkingMode = "medium"
	ThinkingModeHigh    ThinkingMode = "high"
	ThinkingModeMax     ThinkingMode = "max"
)

// Valid reports whether m is a recognized thinking mode.
func (m ThinkingMode) Valid() bool {
	switch m {
	case ThinkingModeMinimal, ThinkingModeLow, ThinkingModeMedium, ThinkingModeHigh, ThinkingModeMax:
		return true
	}
	return false
}

// ModelRequest is a single generation request routed to a provider.
// It is constructed fresh per router call and never mutated after dispatch.
type ModelRequest struct {
	Model        string            `json:"model"`
	Prompt       string            `json:"prompt"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Temperature  float32           `json:"temperature,omitempty"`
	MaxTokens    int               `json:"max_tokens,omitempty"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	ThinkingMode ThinkingMode      `json:"thinking_mode,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HasCapability reports whether the request asks for cap.
func (r *ModelRequest) HasCapability(cap Capability) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate during request adaptation.
func (r *ModelRequest) Clone() *ModelRequest {
	out := *r
	out.Capabilities = append([]Capability(nil), r.Capabilities...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Usage reports provider token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ModelResponse is the provider's answer plus routing metadata.
type ModelResponse struct {
	Content    string    `json:"content"`
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
	Usage      Usage     `json:"usage"`
	StopReason string    `json:"stop_reason,omitempty"`
	FinishedAt time.Time `json:"finished_at"`

	// SubstitutedModel is the model the router substituted for the
	// requested one when a capability was unsupported, empty otherwise.
	SubstitutedModel string `json:"substituted_model,omitempty"`

	// DegradedCapabilities lists capability flags the router dropped
	// because the provider does not support them and substitution was
	// disabled.
	DegradedCapabilities []Capability `json:"degraded_capabilities,omitempty"`
}

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	ID           string       `json:"id"`
	Family       string       `json:"family,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// Supports reports whether the model advertises cap.
func (m ModelInfo) Supports(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
