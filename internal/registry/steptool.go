package registry

import (
	"context"

	"github.com/arbiter-dev/arbiterd/internal/domain"
	"github.com/arbiter-dev/arbiterd/internal/workflow"
)

// StepTool adapts a workflow engine to the tool handler contract: it
// decodes the step arguments and hands them to the engine.
type StepTool struct {
	engine *workflow.Engine
}

// NewStepTool wraps an engine.
func NewStepTool(engine *workflow.Engine) *StepTool {
	return &StepTool{engine: engine}
}

func (t *StepTool) Handle(ctx context.Context, args map[string]any) (any, error) {
	step := argString(args, "step")
	if step == "" {
		return nil, domain.NewCallError(domain.ErrorKindValidation, "step is required")
	}
	findings := argString(args, "findings")
	if findings == "" {
		return nil, domain.NewCallError(domain.ErrorKindValidation, "findings is required")
	}
	stepNumber := argInt(args, "step_number")
	if stepNumber < 1 {
		return nil, domain.NewCallError(domain.ErrorKindValidation,
			"step_number must be >= 1, got %d", stepNumber)
	}

	mode, err := argThinkingMode(args, "thinking_mode")
	if err != nil {
		return nil, err
	}

	req := &workflow.StepRequest{
		ContinuationID: argString(args, "continuation_id"),
		ThinkingMode:   mode,
		Step: domain.WorkflowStep{
			Number:           stepNumber,
			Step:             step,
			Findings:         findings,
			Confidence:       domain.Confidence(argString(args, "confidence")),
			RelevantFiles:    argStrings(args, "relevant_files"),
			IssuesFound:      argStrings(args, "issues_found"),
			BacktrackFrom:    argInt(args, "backtrack_from_step"),
			NextStepRequired: argBool(args, "next_step_required", true),
		},
	}

	return t.engine.SubmitStep(ctx, req)
}
