// Package workflow drives multi-step investigations: it accumulates
// evidence across step submissions, decides when to finalize, and invokes
// a bounded expert-analysis call through the provider router.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-dev/arbiterd/internal/domain"
)

// Generator issues the synthesis model call. The provider router
// implements it.
type Generator interface {
	Generate(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error)
}

// Options configures an engine instance for one tool.
type Options struct {
	Tool         string
	Policy       StepPolicy
	Model        string
	SystemPrompt string

	// FindingsTTL bounds continuation lifetime in the store.
	FindingsTTL time.Duration
}

// Engine is the per-tool workflow state machine. It holds its four
// collaborators explicitly; none are package-level state.
type Engine struct {
	store     domain.FindingsStore
	embedder  FileEmbedder
	generator Generator
	opts      Options
	logger    *slog.Logger
}

// New creates a workflow engine.
func New(store domain.FindingsStore, embedder FileEmbedder, generator Generator, opts Options, logger *slog.Logger) *Engine {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy{}
	}
	if opts.FindingsTTL <= 0 {
		opts.FindingsTTL = 3 * time.Hour
	}
	return &Engine{
		store:     store,
		embedder:  embedder,
		generator: generator,
		opts:      opts,
		logger:    logger,
	}
}

// StepRequest is one step submission.
type StepRequest struct {
	ContinuationID string
	Step           domain.WorkflowStep
	ThinkingMode   domain.ThinkingMode
}

// FinalResult is the terminal output of an investigation. Step history is
// always present; expert analysis may be absent with an explicit marker.
type FinalResult struct {
	StepHistory    []domain.WorkflowStep `json:"step_history"`
	IssuesFound    []string              `json:"issues_found,omitempty"`
	RelevantFiles  []string              `json:"relevant_files,omitempty"`
	ExpertAnalysis string                `json:"expert_analysis,omitempty"`

	// ExpertAnalysisError carries the "expert analysis unavailable" or
	// "timed out during synthesis" marker when the model call failed.
	ExpertAnalysisError string `json:"expert_analysis_error,omitempty"`
	TimedOut            bool   `json:"timed_out,omitempty"`

	EmbeddedFiles    []string `json:"embedded_files,omitempty"`
	EmbedWarnings    []string `json:"embed_warnings,omitempty"`
	SubstitutedModel string   `json:"substituted_model,omitempty"`
}

// StepResult is the engine's answer to one submission.
type StepResult struct {
	ContinuationID string               `json:"continuation_id"`
	State          domain.WorkflowState `json:"state"`
	StepNumber     int                  `json:"step_number"`

	// RequiredActions is the tool policy's guidance for the next step,
	// surfaced verbatim, present while collecting.
	RequiredActions []string `json:"required_actions,omitempty"`

	// ContinuationNote explains an expired continuation restart.
	ContinuationNote string `json:"continuation_note,omitempty"`

	Final *FinalResult `json:"final,omitempty"`
}

// SubmitStep applies one step to the investigation identified by the
// continuation id and either returns next-step guidance or finalizes.
func (e *Engine) SubmitStep(ctx context.Context, req *StepRequest) (*StepResult, error) {
	if err := validateStep(&req.Step); err != nil {
		return nil, err
	}

	findings, note, err := e.loadOrStart(ctx, req)
	if err != nil {
		return nil, err
	}

	if findings.State == domain.WorkflowStateDone {
		return nil, domain.NewCallError(domain.ErrorKindValidation,
			"investigation %s is already complete", findings.ContinuationID)
	}

	// Idempotent re-submission: an identical recorded step leaves the
	// findings unchanged and replays the same guidance.
	duplicate := isDuplicate(findings, &req.Step)

	if !duplicate {
		if err := e.applyStep(findings, &req.Step); err != nil {
			return nil, err
		}
	}

	result := &StepResult{
		ContinuationID:   findings.ContinuationID,
		StepNumber:       req.Step.Number,
		ContinuationNote: note,
	}

	if req.Step.NextStepRequired {
		findings.State = domain.WorkflowStateCollecting
		result.State = domain.WorkflowStateCollecting
		result.RequiredActions = e.opts.Policy.RequiredActions(
			req.Step.Number, findings.Confidence, req.Step.Findings, len(findings.ActiveSteps()))
		if err := e.save(ctx, findings); err != nil {
			return nil, err
		}
		return result, nil
	}

	findings.State = domain.WorkflowStateSynthesizing
	final := e.finalize(ctx, findings, req.ThinkingMode)
	findings.State = domain.WorkflowStateDone
	result.State = domain.WorkflowStateDone
	result.Final = final

	if err := e.save(ctx, findings); err != nil {
		return nil, err
	}
	return result, nil
}

// save persists findings even when the call's deadline has already
// expired; partial findings survive a timeout.
func (e *Engine) save(ctx context.Context, findings *domain.ConsolidatedFindings) error {
	if err := e.store.Save(context.WithoutCancel(ctx), findings.ContinuationID, findings, e.opts.FindingsTTL); err != nil {
		return domain.NewCallError(domain.ErrorKindInternal,
			"findings store save failed: %v", err)
	}
	return nil
}

func validateStep(step *domain.WorkflowStep) error {
	if step.Number < 1 {
		return domain.NewCallError(domain.ErrorKindValidation,
			"step number must be >= 1, got %d", step.Number)
	}
	if step.Confidence == "" {
		step.Confidence = domain.ConfidenceExploring
	}
	if !step.Confidence.Valid() {
		return domain.NewCallError(domain.ErrorKindValidation,
			"unknown confidence level %q", step.Confidence)
	}
	if step.BacktrackFrom < 0 || (step.BacktrackFrom > 0 && step.BacktrackFrom > step.Number) {
		return domain.NewCallError(domain.ErrorKindValidation,
			"backtrack target %d is ahead of step %d", step.BacktrackFrom, step.Number)
	}
	return nil
}

// loadOrStart loads the continuation or starts fresh. A load miss for an
// explicitly provided continuation id is not an error; the caller gets an
// actionable note instead.
func (e *Engine) loadOrStart(ctx context.Context, req *StepRequest) (*domain.ConsolidatedFindings, string, error) {
	var note string

	if req.ContinuationID != "" {
		findings, err := e.store.Load(ctx, req.ContinuationID)
		if err != nil {
			return nil, "", domain.NewCallError(domain.ErrorKindInternal,
				"findings store load failed: %v", err)
		}
		if findings != nil {
			if findings.Tool != e.opts.Tool {
				return nil, "", domain.NewCallError(domain.ErrorKindValidation,
					"continuation %s belongs to tool %s", req.ContinuationID, findings.Tool)
			}
			return findings, "", nil
		}
		note = fmt.Sprintf(
			"continuation %s expired or was evicted; starting a fresh investigation under the same id",
			req.ContinuationID)
		e.logger.Info("continuation expired, starting fresh",
			slog.String("tool", e.opts.Tool),
			slog.String("continuation_id", req.ContinuationID),
		)
	}

	id := req.ContinuationID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	return &domain.ConsolidatedFindings{
		ContinuationID: id,
		Tool:           e.opts.Tool,
		State:          domain.WorkflowStateCollecting,
		Confidence:     domain.ConfidenceExploring,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, note, nil
}

func isDuplicate(findings *domain.ConsolidatedFindings, step *domain.WorkflowStep) bool {
	hash := step.ContentHash()
	for _, s := range findings.Steps {
		if !s.Superseded && s.Number == step.Number && s.ContentHash() == hash {
			return true
		}
	}
	return false
}

// applyStep validates ordering, applies any backtrack, and records the
// step. A rejected step leaves prior findings untouched.
func (e *Engine) applyStep(findings *domain.ConsolidatedFindings, step *domain.WorkflowStep) error {
	maxRecorded := 0
	for _, s := range findings.Steps {
		if s.Number > maxRecorded {
			maxRecorded = s.Number
		}
	}

	if step.BacktrackFrom > 0 {
		if step.BacktrackFrom > maxRecorded {
			return domain.NewCallError(domain.ErrorKindValidation,
				"backtrack target %d exceeds recorded steps (%d)", step.BacktrackFrom, maxRecorded)
		}
		for i := range findings.Steps {
			if findings.Steps[i].Number >= step.BacktrackFrom {
				findings.Steps[i].Superseded = true
			}
		}
	} else {
		expected := maxActive(findings) + 1
		if step.Number != expected {
			return domain.NewCallError(domain.ErrorKindValidation,
				"step %d out of sequence, expected %d", step.Number, expected)
		}
	}

	recorded := *step
	recorded.RecordedAt = time.Now()
	recorded.Superseded = false
	findings.Steps = append(findings.Steps, recorded)
	findings.MergeFiles(step.RelevantFiles)
	findings.MergeIssues(step.IssuesFound)
	findings.Confidence = step.Confidence
	findings.UpdatedAt = recorded.RecordedAt
	return nil
}

func maxActive(findings *domain.ConsolidatedFindings) int {
	max := 0
	for _, s := range findings.Steps {
		if !s.Superseded && s.Number > max {
			max = s.Number
		}
	}
	return max
}

// finalize produces the final result, invoking expert analysis when the
// tool policy asks for it. Failures never discard the step history.
func (e *Engine) finalize(ctx context.Context, findings *domain.ConsolidatedFindings, mode domain.ThinkingMode) *FinalResult {
	final := &FinalResult{
		StepHistory:   findings.ActiveSteps(),
		IssuesFound:   findings.IssuesFound,
		RelevantFiles: findings.RelevantFiles,
	}

	if !e.opts.Policy.ShouldSynthesize(findings) {
		e.logger.Info("synthesis skipped by tool policy",
			slog.String("tool", e.opts.Tool),
			slog.String("continuation_id", findings.ContinuationID),
		)
		return final
	}

	embedded := e.embedder.Embed(prioritizeFiles(findings))
	final.EmbeddedFiles = embedded.Included
	final.EmbedWarnings = embedded.Warnings

	req := &domain.ModelRequest{
		Model:        e.opts.Model,
		SystemPrompt: e.opts.SystemPrompt,
		Prompt:       buildSynthesisPrompt(findings, embedded.Content),
		ThinkingMode: mode,
	}
	if mode == domain.ThinkingModeHigh || mode == domain.ThinkingModeMax {
		req.Capabilities = append(req.Capabilities, domain.CapabilityExtendedReasoning)
	}

	resp, err := e.generator.Generate(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			final.TimedOut = true
			final.ExpertAnalysisError = "timed out during synthesis"
		} else {
			final.ExpertAnalysisError = fmt.Sprintf("expert analysis unavailable: %v", err)
		}
		e.logger.Warn("expert analysis failed, returning step history alone",
			slog.String("tool", e.opts.Tool),
			slog.String("continuation_id", findings.ContinuationID),
			slog.String("error", err.Error()),
		)
		return final
	}

	final.ExpertAnalysis = resp.Content
	final.SubstitutedModel = resp.SubstitutedModel
	return final
}

// prioritizeFiles orders referenced files most-recently-referenced first,
// walking active steps from newest to oldest.
func prioritizeFiles(findings *domain.ConsolidatedFindings) []string {
	seen := make(map[string]bool)
	var out []string
	steps := findings.ActiveSteps()
	for i := len(steps) - 1; i >= 0; i-- {
		for _, f := range steps[i].RelevantFiles {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	// Files merged into the running set but absent from any active step
	// (e.g. referenced only by superseded steps) come last.
	for _, f := range findings.RelevantFiles {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func buildSynthesisPrompt(findings *domain.ConsolidatedFindings, fileBlock string) string {
	var sb strings.Builder
	sb.WriteString("=== INVESTIGATION STEPS ===\n")
	for _, s := range findings.ActiveSteps() {
		fmt.Fprintf(&sb, "\nStep %d (%s confidence): %s\nFindings: %s\n",
			s.Number, s.Confidence, s.Step, s.Findings)
	}
	if len(findings.IssuesFound) > 0 {
		sb.WriteString("\n=== ISSUES FOUND ===\n")
		for _, issue := range findings.IssuesFound {
			fmt.Fprintf(&sb, "- %s\n", issue)
		}
	}
	if fileBlock != "" {
		sb.WriteString("\n=== REFERENCED FILES ===\n")
		sb.WriteString(fileBlock)
	}
	sb.WriteString("\nProvide your expert analysis of the investigation above.\n")
	return sb.String()
}
