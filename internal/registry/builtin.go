package registry

import (
	"log/slog"
	"time"

	"github.com/arbiter-dev/arbiterd/internal/domain"
	"github.com/arbiter-dev/arbiterd/internal/workflow"
)

const chatSystemPrompt = `You are a senior engineer answering a direct question.
Be concrete and cite the evidence you are given.`

const debugSystemPrompt = `You are an expert debugger reviewing an investigation.
Given the recorded steps, findings and referenced files, identify the most
likely root cause, state the evidence for it, and propose a minimal fix.`

const codereviewSystemPrompt = `You are an expert code reviewer.
Given the recorded review steps and referenced files, produce a prioritized
review: correctness issues first, then robustness, then style.`

const secauditSystemPrompt = `You are an application security auditor.
Given the recorded audit steps and referenced files, assess each potential
vulnerability, rate its severity, and recommend remediation.`

// reviewPolicy drives the codereview tool: its guidance tracks review
// coverage rather than hypothesis confidence, and a review always gets the
// expert pass.
type reviewPolicy struct{}

func (reviewPolicy) RequiredActions(stepNumber int, confidence domain.Confidence, findings string, totalSteps int) []string {
	if stepNumber <= 1 {
		return []string{
			"Map the change surface: every file and public interface touched",
			"Note behavior changes a caller could observe",
		}
	}
	return []string{
		"Examine error paths and edge cases in the files reviewed so far",
		"Check tests cover the behavior changes you recorded",
	}
}

func (reviewPolicy) ShouldSynthesize(*domain.ConsolidatedFindings) bool { return true }

// secauditPolicy drives the secaudit tool. Audits always synthesize; a
// confident investigator is not a substitute for the expert pass here.
type secauditPolicy struct{}

func (secauditPolicy) RequiredActions(stepNumber int, confidence domain.Confidence, findings string, totalSteps int) []string {
	if stepNumber <= 1 {
		return []string{
			"Enumerate entry points: network listeners, parsers, deserializers, auth boundaries",
			"Record how untrusted input reaches each one",
		}
	}
	return []string{
		"Trace the flagged inputs through validation and privilege checks",
		"Record the exact files and lines where a check is missing or bypassable",
	}
}

func (secauditPolicy) ShouldSynthesize(*domain.ConsolidatedFindings) bool { return true }

// BuiltinOptions configures the builtin tool set.
type BuiltinOptions struct {
	DefaultModel string
	FindingsTTL  time.Duration
}

// RegisterBuiltins installs the chat tool and the three workflow tools on
// the registry, each workflow tool with its own engine and policy.
func RegisterBuiltins(r *Registry, store domain.FindingsStore, embedder workflow.FileEmbedder, generator workflow.Generator, opts BuiltinOptions, logger *slog.Logger) error {
	if err := r.Register(&domain.ToolRegistration{
		Name:    "chat",
		Kind:    domain.HandlerKindSingleCall,
		Handler: NewChatTool(generator, opts.DefaultModel, chatSystemPrompt),
	}); err != nil {
		return err
	}

	workflows := []struct {
		name         string
		policy       workflow.StepPolicy
		systemPrompt string
	}{
		{"debug", workflow.DefaultPolicy{}, debugSystemPrompt},
		{"codereview", reviewPolicy{}, codereviewSystemPrompt},
		{"secaudit", secauditPolicy{}, secauditSystemPrompt},
	}
	for _, w := range workflows {
		engine := workflow.New(store, embedder, generator, workflow.Options{
			Tool:         w.name,
			Policy:       w.policy,
			Model:        opts.DefaultModel,
			SystemPrompt: w.systemPrompt,
			FindingsTTL:  opts.FindingsTTL,
		}, logger.With(slog.String("tool", w.name)))

		if err := r.Register(&domain.ToolRegistration{
			Name:    w.name,
			Kind:    domain.HandlerKindWorkflow,
			Handler: NewStepTool(engine),
		}); err != nil {
			return err
		}
	}
	return nil
}
