// Package anthropic adapts the Anthropic Messages API to the daemon's
// provider interface.
package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arbiter-dev/arbiterd/internal/domain"
)

// ProviderType is the config type string for this adapter.
const ProviderType = "anthropic"

const defaultMaxTokens = 4096

// Provider is the Anthropic backend adapter.
type Provider struct {
	name   string
	client *Client
}

// New creates an Anthropic provider adapter.
func New(name, apiKey string, opts ...ClientOption) *Provider {
	return &Provider{
		name:   name,
		client: NewClient(apiKey, opts...),
	}
}

func (p *Provider) Name() string { return p.name }

// Models returns the models this adapter serves. The sonnet family pairs a
// base model with an extended-thinking variant for router substitution.
func (p *Provider) Models() []domain.ModelInfo {
	return []domain.ModelInfo{
		{
			ID:           "claude-3-5-sonnet",
			Family:       "sonnet",
			Capabilities: []domain.Capability{domain.CapabilityJSONOutput, domain.CapabilityVision},
		},
		{
			ID:           "claude-3-7-sonnet",
			Family:       "sonnet",
			Capabilities: []domain.Capability{domain.CapabilityExtendedReasoning, domain.CapabilityJSONOutput, domain.CapabilityVision},
		},
		{
			ID:           "claude-3-5-haiku",
			Family:       "haiku",
			Capabilities: []domain.Capability{domain.CapabilityJSONOutput},
		},
	}
}

// SupportedParams lists the abstract request parameters the Messages API
// accepts. Temperature is excluded when thinking is enabled upstream, but
// the parameter itself is documented, so it stays on the allowlist.
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
	wire := &messagesRequest{
		Model:     req.Model,
		System:    req.SystemPrompt,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
		MaxTokens: req.MaxTokens,
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = defaultMaxTokens
	}
	if req.ThinkingMode != "" && req.HasCapability(domain.CapabilityExtendedReasoning) {
		wire.Thinking = &thinkingConfig{
			Type:         "enabled",
			BudgetTokens: thinkingBudget(req.ThinkingMode),
		}
	} else if req.Temperature != 0 {
		t := req.Temperature
		wire.Temperature = &t
	}

	resp, err := p.client.CreateMessage(ctx, wire)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("anthropic returned no text content for model %s", req.Model)
	}

	return &domain.ModelResponse{
		Content:    sb.String(),
		Model:      resp.Model,
		Provider:   p.name,
		StopReason: resp.StopReason,
		FinishedAt: time.Now(),
		Usage: domain.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// thinkingBudget maps depth onto a token budget for extended thinking.
func thinkingBudget(mode domain.ThinkingMode) int {
	switch mode {
	case domain.ThinkingModeMinimal:
		return 1024
	case domain.ThinkingModeLow:
		return 2048
	case domain.ThinkingModeHigh:
		return 16384
	case domain.ThinkingModeMax:
		return 32768
	default:
		return 8192
	}
}
