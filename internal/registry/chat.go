package registry

import (
	"context"

	"github.com/arbiter-dev/arbiterd/internal/domain"
	"github.com/arbiter-dev/arbiterd/internal/workflow"
)

// ChatTool answers a single prompt via the provider router. It is the
// simplest tool shape: no continuation, one model call, done.
type ChatTool struct {
	generator    workflow.Generator
	defaultModel string
	systemPrompt string
}

// NewChatTool wires the chat tool to the router.
func NewChatTool(generator workflow.Generator, defaultModel, systemPrompt string) *ChatTool {
	return &ChatTool{
		generator:    generator,
		defaultModel: defaultModel,
		systemPrompt: systemPrompt,
	}
}

// chatResult is the chat tool's payload.
type chatResult struct {
	Content              string       `json:"content"`
	Model                string       `json:"model"`
	Usage                domain.Usage `json:"usage"`
	SubstitutedModel     string       `json:"substituted_model,omitempty"`
	DegradedCapabilities []string     `json:"degraded_capabilities,omitempty"`
}

func (t *ChatTool) Handle(ctx context.Context, args map[string]any) (any, error) {
	prompt := argString(args, "prompt")
	if prompt == "" {
		return nil, domain.NewCallError(domain.ErrorKindValidation, "prompt is required")
	}

	mode, err := argThinkingMode(args, "thinking_mode")
	if err != nil {
		return nil, err
	}

	req := &domain.ModelRequest{
		Model:        t.defaultModel,
		Prompt:       prompt,
		SystemPrompt: t.systemPrompt,
		Temperature:  float32(argFloat(args, "temperature")),
		MaxTokens:    argInt(args, "max_tokens"),
		ThinkingMode: mode,
	}
	if m := argString(args, "model"); m != "" {
		req.Model = m
	}
	if sp := argString(args, "system_prompt"); sp != "" {
		req.SystemPrompt = sp
	}
	if mode == domain.ThinkingModeHigh || mode == domain.ThinkingModeMax {
		req.Capabilities = append(req.Capabilities, domain.CapabilityExtendedReasoning)
	}

	resp, err := t.generator.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &chatResult{
		Content:          resp.Content,
		Model:            resp.Model,
		Usage:            resp.Usage,
		SubstitutedModel: resp.SubstitutedModel,
	}
	for _, c := range resp.DegradedCapabilities {
		result.DegradedCapabilities = append(result.DegradedCapabilities, string(c))
	}
	return result, nil
}
