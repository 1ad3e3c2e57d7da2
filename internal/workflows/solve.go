package workflows

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
)

// SolveWorkflow runs Plan -> N x Branch -> Evaluate -> Synthesize -> Verify.
//
// Branch activities are started together and all of them are awaited before
// the evaluator runs. A failed stage (after the activity retries) fails the
// workflow; a failed verification does not.
func SolveWorkflow(ctx workflow.Context, in SolveInput) (*SolveResult, error) {
	logger := workflow.GetLogger(ctx)
	start := workflow.Now(ctx)

	in, err := normalize(ctx, in)
	if err != nil {
		return nil, err
	}
	logger.Info("Starting solve workflow",
		"run_id", in.RunID,
		"width", in.Width,
		"fanout_policy", in.FanOutPolicy)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: in.ActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    in.MaxAttempts,
		},
	})

	var a *Activities
	result := &SolveResult{}
	fail := func(operation string, err error) (*SolveResult, error) {
		result.Errors = append(result.Errors, formatErrorForResult(operation, err))
		if !workflow.IsReplaying(ctx) {
			recordRun("failed", workflow.Now(ctx).Sub(start))
		}
		return result, err
	}

	var plan schema.PlannerOutput
	if err := workflow.ExecuteActivity(ctx, a.PlanActivity, PlanInput{
		Problem: in.Problem,
		Width:   in.Width,
	}).Get(ctx, &plan); err != nil {
		return fail("plan", err)
	}

	assignments, err := pipeline.SelectApproaches(plan.Approaches, in.Width, in.FanOutPolicy)
	if err != nil {
		return fail("fan-out", temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeSchemaViolation, err))
	}
	logger.Info("Plan complete", "approaches", len(plan.Approaches), "branches", len(assignments))

	futures := make([]workflow.Future, len(assignments))
	for i, asg := range assignments {
		futures[i] = workflow.ExecuteActivity(ctx, a.BranchActivity, BranchInput{
			RunID:      in.RunID,
			Problem:    in.Problem,
			Question:   in.OriginalQuestion,
			Assignment: asg,
		})
	}
	branches := make([]pipeline.BranchResult, len(assignments))
	var branchErr error
	for i, f := range futures {
		if err := f.Get(ctx, &branches[i]); err != nil && branchErr == nil {
			branchErr = fmt.Errorf("branch %s: %w", assignments[i].ID, err)
		}
	}
	if branchErr != nil {
		return fail("branch", branchErr)
	}

	var eval pipeline.EvaluationReport
	if err := workflow.ExecuteActivity(ctx, a.EvaluateActivity, EvaluateInput{
		Problem:  in.Problem,
		Branches: branches,
	}).Get(ctx, &eval); err != nil {
		return fail("evaluate", err)
	}

	var final pipeline.CandidateSolution
	if err := workflow.ExecuteActivity(ctx, a.SynthesizeActivity, SynthesizeInput{
		Problem:    in.Problem,
		Plan:       plan,
		Evaluation: eval,
		Branches:   branches,
	}).Get(ctx, &final); err != nil {
		return fail("synthesize", err)
	}

	art := pipeline.Artifacts{
		RunID:      in.RunID,
		Problem:    in.Problem,
		Plan:       plan,
		Branches:   branches,
		Evaluation: eval,
		Final:      final,
		StartedAt:  start.UTC(),
	}
	if err := workflow.ExecuteActivity(ctx, a.VerifyActivity, VerifyInput{
		RunID:     in.RunID,
		Candidate: final,
		Oracle:    in.Oracle,
	}).Get(ctx, &art.Verification); err != nil {
		return fail("verify", err)
	}
	art.Duration = workflow.Now(ctx).Sub(start)

	result.Artifacts = art
	result.Accepted = art.Accepted()

	if result.Accepted {
		// Archiving is best effort.
		if err := workflow.ExecuteActivity(ctx, a.RecordActivity, art).Get(ctx, &result.Archived); err != nil {
			result.Errors = append(result.Errors, formatErrorForResult("record", err))
		}
	}

	if !workflow.IsReplaying(ctx) {
		status := "rejected"
		if result.Accepted {
			status = "accepted"
		}
		recordVerification(string(art.Verification.Kind))
		recordRun(status, art.Duration)
	}

	logger.Info("Solve workflow complete",
		"accepted", result.Accepted,
		"verification", string(art.Verification.Kind),
		"archived", result.Archived)
	return result, nil
}

// normalize validates the input and fills in defaults.
func normalize(ctx workflow.Context, in SolveInput) (SolveInput, error) {
	if err := schema.Check(schema.StageProblem, in.Problem); err != nil {
		return in, invalidInput(err)
	}
	if strings.TrimSpace(in.Oracle) == "" {
		in.Oracle = in.Problem.TestCases
	}
	if strings.TrimSpace(in.Oracle) == "" {
		return in, invalidInput(pipeline.ErrNoOracle)
	}
	if in.OriginalQuestion == "" {
		in.OriginalQuestion = in.Problem.ProblemDescription
	}

	if in.RunID == "" {
		info := workflow.GetInfo(ctx)
		in.RunID = info.WorkflowExecution.ID
		if logging.ValidateID(in.RunID) != nil {
			in.RunID = info.WorkflowExecution.RunID
		}
	}
	if err := logging.ValidateID(in.RunID); err != nil {
		return in, invalidInput(fmt.Errorf("run id: %w", err))
	}

	if in.Width == 0 {
		in.Width = DefaultWidth
	}
	if in.Width < 0 {
		return in, invalidInput(errors.New("width must be >= 1"))
	}
	if in.ActivityTimeout <= 0 {
		in.ActivityTimeout = DefaultActivityTimeout
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = DefaultMaxAttempts
	}
	return in, nil
}
