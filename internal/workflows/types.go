// Package workflows runs the solve pipeline as a durable Temporal workflow.
//
// Every stage is an activity backed by the same pipeline.Stages the
// in-process executor uses. The stage handlers never retry; the workflow's
// activity RetryPolicy is the only retry layer.
package workflows

import (
	"time"

	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
)

// Defaults applied when SolveInput leaves a field zero.
const (
	DefaultActivityTimeout = 5 * time.Minute
	DefaultMaxAttempts     = 3
	DefaultWidth           = 3
)

// SolveInput starts one SolveWorkflow.
type SolveInput struct {
	// RunID defaults to the workflow ID.
	RunID            string             `json:"run_id,omitempty"`
	Problem          schema.ProblemSpec `json:"problem"`
	Oracle           string             `json:"oracle,omitempty"`
	OriginalQuestion string             `json:"original_question,omitempty"`

	Width        int    `json:"width,omitempty"`
	FanOutPolicy string `json:"fanout_policy,omitempty"`

	ActivityTimeout time.Duration `json:"activity_timeout,omitempty"`
	MaxAttempts     int32         `json:"max_attempts,omitempty"`
}

// SolveResult is what SolveWorkflow returns. Verification failures are
// reported through Artifacts.Verification, not as workflow errors.
type SolveResult struct {
	Artifacts pipeline.Artifacts `json:"artifacts"`
	Accepted  bool               `json:"accepted"`
	Archived  bool               `json:"archived"`
	Errors    []string           `json:"errors,omitempty"`
}

// Activity inputs.

type PlanInput struct {
	Problem schema.ProblemSpec `json:"problem"`
	Width   int                `json:"width"`
}

type BranchInput struct {
	RunID      string              `json:"run_id"`
	Problem    schema.ProblemSpec  `json:"problem"`
	Question   string              `json:"question"`
	Assignment pipeline.Assignment `json:"assignment"`
}

type EvaluateInput struct {
	Problem  schema.ProblemSpec      `json:"problem"`
	Branches []pipeline.BranchResult `json:"branches"`
}

type SynthesizeInput struct {
	Problem    schema.ProblemSpec        `json:"problem"`
	Plan       schema.PlannerOutput      `json:"plan"`
	Evaluation pipeline.EvaluationReport `json:"evaluation"`
	Branches   []pipeline.BranchResult   `json:"branches"`
}

type VerifyInput struct {
	RunID     string                     `json:"run_id"`
	Candidate pipeline.CandidateSolution `json:"candidate"`
	Oracle    string                     `json:"oracle"`
}
