package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Confidence is the investigator's confidence after a workflow step.
type Confidence string

const (
	ConfidenceExploring Confidence = "exploring"
	ConfidenceLow       Confidence = "low"
	ConfidenceMedium    Confidence = "medium"
	ConfidenceHigh      Confidence = "high"
	ConfidenceCertain   Confidence = "certain"
)

// Valid reports whether c is a recognized confidence level.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceExploring, ConfidenceLow, ConfidenceMedium, ConfidenceHigh, ConfidenceCertain:
		return true
	}
	return false
}

// WorkflowStep is one recorded investigation step. Steps are immutable once
// recorded; backtracking supersedes later steps instead of rewriting them.
type WorkflowStep struct {
	Number           int        `json:"number"`
	Step             string     `json:"step"`
	Findings         string     `json:"findings"`
	Confidence       Confidence `json:"confidence"`
	RelevantFiles    []string   `json:"relevant_files,omitempty"`
	IssuesFound      []string   `json:"issues_found,omitempty"`
	BacktrackFrom    int        `json:"backtrack_from_step,omitempty"`
	NextStepRequired bool       `json:"next_step_required"`
	RecordedAt       time.Time  `json:"recorded_at"`

	// Superseded marks steps invalidated by a later backtrack. They are
	// retained for audit but excluded from synthesis.
	Superseded bool `json:"superseded,omitempty"`
}

// ContentHash is a stable hash of the step's content, used together with
// the step number to deduplicate re-submissions.
func (s *WorkflowStep) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(s.Step))
	h.Write([]byte{0})
	h.Write([]byte(s.Findings))
	h.Write([]byte{0})
	h.Write([]byte(s.Confidence))
	for _, f := range s.RelevantFiles {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	h.Write([]byte{1})
	for _, issue := range s.IssuesFound {
		h.Write([]byte{0})
		h.Write([]byte(issue))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WorkflowState is the engine's per-continuation state machine position.
type WorkflowState string

const (
	WorkflowStateCollecting   WorkflowState = "collecting"
	WorkflowStateSynthesizing WorkflowState = "synthesizing"
	WorkflowStateDone         WorkflowState = "done"
)

// ConsolidatedFindings accumulates evidence across the steps of one logical
// investigation. Mutated only by the workflow engine.
type ConsolidatedFindings struct {
	ContinuationID string         `json:"continuation_id"`
	Tool           string         `json:"tool"`
	State          WorkflowState  `json:"state"`
	Steps          []WorkflowStep `json:"steps"`
	RelevantFiles  []string       `json:"relevant_files,omitempty"`
	IssuesFound    []string       `json:"issues_found,omitempty"`
	Confidence     Confidence     `json:"confidence"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ActiveSteps returns the steps that participate in synthesis, excluding
// superseded ones, in recorded order.
func (f *ConsolidatedFindings) ActiveSteps() []WorkflowStep {
	out := make([]WorkflowStep, 0, len(f.Steps))
	for _, s := range f.Steps {
		if !s.Superseded {
			out = append(out, s)
		}
	}
	return out
}

// MergeFiles unions files into the running relevant-file set, preserving
// first-seen order so re-submission stays idempotent.
func (f *ConsolidatedFindings) MergeFiles(files []string) {
	f.RelevantFiles = unionAppend(f.RelevantFiles, files)
}

// MergeIssues unions issues into the running issue set.
func (f *ConsolidatedFindings) MergeIssues(issues []string) {
	f.IssuesFound = unionAppend(f.IssuesFound, issues)
}

func unionAppend(dst, add []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range add {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		dst = append(dst, v)
	}
	return dst
}
