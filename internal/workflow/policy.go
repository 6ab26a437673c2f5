package workflow

import "github.com/arbiter-dev/arbiterd/internal/domain"

// StepPolicy is the per-tool policy consulted by the engine. The engine
// calls it and surfaces its output verbatim; the content is the tool's
// business, not the engine's.
type StepPolicy interface {
	// RequiredActions returns the guidance list for the next step while
	// the investigation is still collecting.
	RequiredActions(stepNumber int, confidence domain.Confidence, findings string, totalSteps int) []string

	// ShouldSynthesize decides whether finalization warrants an expert
	// analysis call or the accumulated step text alone suffices.
	ShouldSynthesize(findings *domain.ConsolidatedFindings) bool
}

// DefaultPolicy asks for broader investigation early and targeted
// verification as confidence grows, and skips synthesis only when the
// investigator is already certain.
type DefaultPolicy struct{}

func (DefaultPolicy) RequiredActions(stepNumber int, confidence domain.Confidence, findings string, totalSteps int) []string {
	switch {
	case stepNumber <= 1:
		return []string{
			"Search the codebase for code directly related to the reported behavior",
			"Read the implicated files and record concrete findings",
		}
	case confidence == domain.ConfidenceLow || confidence == domain.ConfidenceExploring:
		return []string{
			"Broaden the investigation to callers and related modules",
			"Record evidence that confirms or rules out each hypothesis",
		}
	default:
		return []string{
			"Verify the current hypothesis against the actual code paths",
			"Collect the minimal set of files that demonstrate the finding",
		}
	}
}

func (DefaultPolicy) ShouldSynthesize(findings *domain.ConsolidatedFindings) bool {
	return findings.Confidence != domain.ConfidenceCertain
}
