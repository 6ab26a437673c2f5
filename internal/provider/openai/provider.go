// Package openai adapts the OpenAI Chat Completions API to the daemon's
// provider interface.
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiter-dev/arbiterd/internal/domain"
)

// ProviderType is the config type string for this adapter.
const ProviderType = "openai"

// Provider is the OpenAI backend adapter.
type Provider struct {
	name   string
	client *Client
}

// New creates an OpenAI provider adapter.
func New(name, apiKey string, opts ...ClientOption) *Provider {
	return &Provider{
		name:   name,
		client: NewClient(apiKey, opts...),
	}
}

func (p *Provider) Name() string { return p.name }

// Models returns the models this adapter serves with capability flags.
// Reasoning-capable and non-reasoning models share a family so the router
// can substitute within it.
func (p *Provider) Models() []domain.ModelInfo {
	return []domain.ModelInfo{
		{
			ID:           "gpt-4.1",
			Family:       "gpt",
			Capabilities: []domain.Capability{domain.CapabilityJSONOutput, domain.CapabilityVision},
		},
		{
			ID:           "gpt-4.1-mini",
			Family:       "gpt",
			Capabilities: []domain.Capability{domain.CapabilityJSONOutput},
		},
		{
			ID:           "o3",
			Family:       "gpt",
			Capabilities: []domain.Capability{domain.CapabilityExtendedReasoning, domain.CapabilityJSONOutput},
		},
		{
			ID:           "o4-mini",
			Family:       "gpt",
			Capabilities: []domain.Capability{domain.CapabilityExtendedReasoning, domain.CapabilityJSONOutput},
		},
	}
}

// SupportedParams lists the abstract request parameters the Chat
// Completions API accepts. The router clears anything else before dispatch.
func (p *Provider) SupportedParams() map[string]bool {
	return map[string]bool{
		"prompt":        true,
		"system_prompt": true,
		"temperature":   true,
		"max_tokens":    true,
		"thinking_mode": true,
	}
}

// Generate performs one unary call.
func (p *Provider) Generate(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	wire := &chatCompletionRequest{
		Model:    req.Model,
		Messages: buildMessages(req),
	}
	if req.Temperature != 0 {
		t := req.Temperature
		wire.Temperature = &t
	}
	if req.MaxTokens > 0 {
		wire.MaxTokens = req.MaxTokens
	}
	if req.ThinkingMode != "" {
		wire.ReasoningEffort = reasoningEffort(req.ThinkingMode)
	}
	if req.HasCapability(domain.CapabilityJSONOutput) {
		wire.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	resp, err := p.client.CreateChatCompletion(ctx, wire)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices for model %s", req.Model)
	}

	return &domain.ModelResponse{
		Content:    resp.Choices[0].Message.Content,
		Model:      resp.Model,
		Provider:   p.name,
		StopReason: resp.Choices[0].FinishReason,
		FinishedAt: time.Now(),
		Usage: domain.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func buildMessages(req *domain.ModelRequest) []chatMessage {
	msgs := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	return msgs
}

// reasoningEffort maps a thinking mode onto the API's effort scale.
func reasoningEffort(mode domain.ThinkingMode) string {
	switch mode {
	case domain.ThinkingModeMinimal, domain.ThinkingModeLow:
		return "low"
	case domain.ThinkingModeHigh:
		return "high"
	case domain.ThinkingModeMax:
		return "high"
	default:
		return "medium"
	}
}
