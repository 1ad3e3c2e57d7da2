package workflows

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
)

// Activities holds the dependencies of the solve activities. Register a
// pointer with the worker; the workflow refers to the methods through a nil
// *Activities.
type Activities struct {
	Stages         *pipeline.Stages
	Sandbox        sandbox.Sandbox
	SandboxTimeout time.Duration
	// Recorder archives accepted runs. Nil skips archiving.
	Recorder pipeline.Recorder
	Logger   *logging.Logger
}

func (a *Activities) logger() *logging.Logger {
	if a.Logger == nil {
		return logging.NewNop()
	}
	return a.Logger
}

func withRunID(ctx context.Context, runID string) context.Context {
	if logging.ValidateID(runID) != nil {
		return ctx
	}
	return logging.WithRunID(ctx, runID)
}

func (a *Activities) fail(ctx context.Context, name string, err error) error {
	err = classifyActivityError(err)
	recordActivityError(ctx, name, err)
	a.logger().Warn(ctx, "activity failed",
		zap.String("activity", name),
		zap.Int32("attempt", activity.GetInfo(ctx).Attempt),
		zap.Error(err))
	return err
}

// PlanActivity runs the planner.
func (a *Activities) PlanActivity(ctx context.Context, in PlanInput) (schema.PlannerOutput, error) {
	plan, err := a.Stages.Plan(ctx, in.Problem, in.Width)
	if err != nil {
		return schema.PlannerOutput{}, a.fail(ctx, "plan", err)
	}
	return plan, nil
}

// BranchActivity runs reasoning then coding for one branch.
func (a *Activities) BranchActivity(ctx context.Context, in BranchInput) (pipeline.BranchResult, error) {
	ctx = withRunID(ctx, in.RunID)
	res, err := a.Stages.Branch(ctx, in.Problem, in.Question, in.Assignment)
	if err != nil {
		return pipeline.BranchResult{}, a.fail(ctx, "branch", err)
	}
	return res, nil
}

// EvaluateActivity compares every branch.
func (a *Activities) EvaluateActivity(ctx context.Context, in EvaluateInput) (pipeline.EvaluationReport, error) {
	eval, err := a.Stages.Evaluate(ctx, in.Problem, in.Branches)
	if err != nil {
		return pipeline.EvaluationReport{}, a.fail(ctx, "evaluate", err)
	}
	return eval, nil
}

// SynthesizeActivity produces the final candidate.
func (a *Activities) SynthesizeActivity(ctx context.Context, in SynthesizeInput) (pipeline.CandidateSolution, error) {
	guide, err := a.Stages.VerificationGuide(a.SandboxTimeout)
	if err != nil {
		return pipeline.CandidateSolution{}, a.fail(ctx, "synthesize", err)
	}
	final, err := a.Stages.Synthesize(ctx, in.Problem, in.Plan, in.Evaluation, in.Branches, guide)
	if err != nil {
		return pipeline.CandidateSolution{}, a.fail(ctx, "synthesize", err)
	}
	return final, nil
}

// VerifyActivity executes the final candidate against the oracle. A failed
// verification is a normal result; only infrastructure failures are errors.
func (a *Activities) VerifyActivity(ctx context.Context, in VerifyInput) (sandbox.Result, error) {
	ctx = withRunID(ctx, in.RunID)
	res, err := sandbox.Verify(ctx, a.Sandbox, in.Candidate.Code, in.Oracle)
	if err != nil {
		return sandbox.Result{}, a.fail(ctx, "verify", err)
	}
	return res, nil
}

// RecordActivity archives an accepted run. It reports whether anything was
// stored.
func (a *Activities) RecordActivity(ctx context.Context, art pipeline.Artifacts) (bool, error) {
	if a.Recorder == nil || !art.Accepted() {
		return false, nil
	}
	ctx = withRunID(ctx, art.RunID)
	if err := a.Recorder.Record(ctx, &art); err != nil {
		return false, a.fail(ctx, "record", err)
	}
	return true, nil
}
