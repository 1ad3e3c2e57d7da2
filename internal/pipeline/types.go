// Package pipeline runs the solve pipeline:
//
//	Plan -> N x (Reason -> Code) -> Evaluate -> Synthesize -> Verify
//
// Branches run in parallel with no shared state and join before the
// evaluator starts. Every artifact is produced once and never modified.
package pipeline

import (
	"time"

	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
)

// FinalBranchID marks the synthesizer's candidate.
const FinalBranchID = "final"

// CandidateSolution is executable text produced by a coding stage or by the
// synthesizer.
type CandidateSolution struct {
	BranchID string `json:"branch_id"`
	Code     string `json:"code"`
}

// EvaluationReport is the evaluator's free-form critique.
type EvaluationReport struct {
	Text string `json:"text"`
}

// Assignment binds one approach to a stable branch ID.
type Assignment struct {
	ID       string `json:"id"`
	Approach string `json:"approach"`
}

// BranchResult is the output of one (Reason -> Code) branch.
type BranchResult struct {
	ID        string                 `json:"id"`
	Approach  string                 `json:"approach"`
	Reasoning schema.ReasoningOutput `json:"reasoning"`
	Candidate CandidateSolution      `json:"candidate"`
}

// Artifacts is everything one run produced. Callers must treat it as
// read-only.
type Artifacts struct {
	RunID        string               `json:"run_id"`
	Problem      schema.ProblemSpec   `json:"problem"`
	Plan         schema.PlannerOutput `json:"plan"`
	Branches     []BranchResult       `json:"branches"`
	Evaluation   EvaluationReport     `json:"evaluation"`
	Final        CandidateSolution    `json:"final"`
	Verification sandbox.Result       `json:"verification"`
	StartedAt    time.Time            `json:"started_at"`
	Duration     time.Duration        `json:"duration_ns"`
}

// Accepted reports whether the final solution passed verification.
func (a *Artifacts) Accepted() bool {
	return a != nil && a.Verification.Passed
}
