package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/events"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/prompt"
	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
)

// Recorder is notified of every accepted run, e.g. to archive it.
type Recorder interface {
	Record(ctx context.Context, a *Artifacts) error
}

// Executor runs the whole pipeline in-process.
type Executor struct {
	stages  *Stages
	sandbox sandbox.Sandbox

	width          int
	policy         string
	sandboxTimeout time.Duration

	publisher events.Publisher
	recorder  Recorder
	logger    *logging.Logger
	tracer    trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithWidth sets the fan-out width.
func WithWidth(n int) Option {
	return func(e *Executor) { e.width = n }
}

// WithFanOutPolicy sets how approach counts different from the width are
// handled (truncate, pad or strict).
func WithFanOutPolicy(p string) Option {
	return func(e *Executor) { e.policy = p }
}

// WithSandboxTimeout is advertised to the synthesizer in the verification
// guide.
func WithSandboxTimeout(d time.Duration) Option {
	return func(e *Executor) { e.sandboxTimeout = d }
}

// WithPublisher sets the progress event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithRecorder sets the recorder for accepted runs.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewExecutor creates an executor. Width defaults to 3 and the policy to
// truncate.
func NewExecutor(stages *Stages, sb sandbox.Sandbox, opts ...Option) *Executor {
	e := &Executor{
		stages:    stages,
		sandbox:   sb,
		width:     3,
		policy:    config.FanOutTruncate,
		publisher: events.NopPublisher{},
		logger:    logging.NewNop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOptions are per-run inputs beyond the problem.
type RunOptions struct {
	// RunID overrides the generated run ID.
	RunID string
	// Oracle overrides Problem.TestCases as the verification oracle.
	Oracle string
	// OriginalQuestion defaults to the problem description.
	OriginalQuestion string
}

// Run executes one pipeline run. Verification outcomes are reported in
// Artifacts.Verification; a non-nil error means a stage failed and no
// artifacts are returned.
func (e *Executor) Run(ctx context.Context, problem schema.ProblemSpec, opts RunOptions) (art *Artifacts, err error) {
	if err := schema.Check(schema.StageProblem, problem); err != nil {
		return nil, err
	}
	oracle := opts.Oracle
	if strings.TrimSpace(oracle) == "" {
		oracle = problem.TestCases
	}
	if strings.TrimSpace(oracle) == "" {
		return nil, ErrNoOracle
	}
	question := opts.OriginalQuestion
	if question == "" {
		question = problem.ProblemDescription
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	} else if err := logging.ValidateID(runID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRunID, err)
	}
	ctx = logging.WithRunID(ctx, runID)

	ctx, span := e.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("pipeline.run_id", runID),
		attribute.Int("pipeline.width", e.width),
		attribute.String("pipeline.fanout_policy", e.policy),
	))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	e.logger.Info(ctx, "run started", zap.Int("width", e.width), zap.String("fanout_policy", e.policy))

	// Plan.
	plan, err := track(ctx, e, runID, prompt.Planner, "", func(ctx context.Context) (schema.PlannerOutput, error) {
		return e.stages.Plan(ctx, problem, e.width)
	})
	if err != nil {
		return nil, e.fail(ctx, err)
	}

	assignments, err := SelectApproaches(plan.Approaches, e.width, e.policy)
	if err != nil {
		return nil, e.fail(ctx, stageErr(prompt.Planner, "", err))
	}
	span.SetAttributes(attribute.Int("pipeline.branches", len(assignments)))

	// Fan out. Each goroutine writes only its own slot.
	branches := make([]BranchResult, len(assignments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.width)
	for i, a := range assignments {
		g.Go(func() error {
			res, err := e.branch(gctx, runID, problem, question, a)
			if err != nil {
				return err
			}
			branches[i] = res
			return nil
		})
	}
	// Join.
	if err := g.Wait(); err != nil {
		return nil, e.fail(ctx, err)
	}

	eval, err := track(ctx, e, runID, prompt.Evaluator, "", func(ctx context.Context) (EvaluationReport, error) {
		return e.stages.Evaluate(ctx, problem, branches)
	})
	if err != nil {
		return nil, e.fail(ctx, err)
	}

	guide, err := e.stages.VerificationGuide(e.sandboxTimeout)
	if err != nil {
		return nil, e.fail(ctx, stageErr(prompt.Synthesizer, "", err))
	}
	final, err := track(ctx, e, runID, prompt.Synthesizer, "", func(ctx context.Context) (CandidateSolution, error) {
		return e.stages.Synthesize(ctx, problem, plan, eval, branches, guide)
	})
	if err != nil {
		return nil, e.fail(ctx, err)
	}

	verification, err := e.verify(ctx, runID, final, oracle)
	if err != nil {
		return nil, e.fail(ctx, err)
	}

	art = &Artifacts{
		RunID:        runID,
		Problem:      problem,
		Plan:         plan,
		Branches:     branches,
		Evaluation:   eval,
		Final:        final,
		Verification: verification,
		StartedAt:    start.UTC(),
		Duration:     time.Since(start),
	}
	span.SetAttributes(
		attribute.Bool("pipeline.accepted", art.Accepted()),
		attribute.String("pipeline.verification", string(verification.Kind)),
	)
	e.logger.Info(ctx, "run finished",
		zap.Bool("accepted", art.Accepted()),
		zap.String("verification", string(verification.Kind)),
		zap.Duration("duration", art.Duration))

	if art.Accepted() && e.recorder != nil {
		if rerr := e.recorder.Record(ctx, art); rerr != nil {
			e.logger.Warn(ctx, "recording accepted run failed", zap.Error(rerr))
		}
	}
	return art, nil
}

// branch runs Reason then Code for one assignment, each tracked as its own
// stage so watchers see coding progress per branch.
func (e *Executor) branch(ctx context.Context, runID string, problem schema.ProblemSpec, question string, a Assignment) (BranchResult, error) {
	ctx = logging.WithBranchID(ctx, a.ID)

	reasoning, err := track(ctx, e, runID, prompt.Reasoning, a.ID, func(ctx context.Context) (schema.ReasoningOutput, error) {
		return e.stages.Reason(ctx, problem, question, a)
	})
	if err != nil {
		return BranchResult{}, err
	}
	candidate, err := track(ctx, e, runID, prompt.Coding, a.ID, func(ctx context.Context) (CandidateSolution, error) {
		return e.stages.Code(ctx, problem, question, a.ID, reasoning)
	})
	if err != nil {
		return BranchResult{}, err
	}
	return BranchResult{ID: a.ID, Approach: a.Approach, Reasoning: reasoning, Candidate: candidate}, nil
}

func (e *Executor) verify(ctx context.Context, runID string, final CandidateSolution, oracle string) (sandbox.Result, error) {
	ctx = logging.WithStage(ctx, string(prompt.Verification))
	e.publish(ctx, events.Event{RunID: runID, Stage: string(prompt.Verification), Status: events.StatusStarted})

	res, err := sandbox.Verify(ctx, e.sandbox, final.Code, oracle)
	if err != nil {
		e.publish(ctx, events.Event{RunID: runID, Stage: string(prompt.Verification), Status: events.StatusFailed, Message: err.Error()})
		return sandbox.Result{}, stageErr(prompt.Verification, "", err)
	}

	ev := events.Event{RunID: runID, Stage: string(prompt.Verification), Status: events.StatusCompleted, Message: string(res.Kind)}
	if !res.Passed {
		ev.Status = events.StatusFailed
		ev.Message = string(res.Kind) + ": " + res.Diagnostic
	}
	e.publish(ctx, ev)
	return res, nil
}

// track runs fn as one stage: it tags the context and publishes started,
// completed or failed events around it.
func track[T any](ctx context.Context, e *Executor, runID string, stage prompt.StageID, branchID string, fn func(context.Context) (T, error)) (T, error) {
	ctx = logging.WithStage(ctx, string(stage))
	if branchID != "" {
		ctx = logging.WithBranchID(ctx, branchID)
	}

	e.publish(ctx, events.Event{RunID: runID, Stage: string(stage), BranchID: branchID, Status: events.StatusStarted})
	out, err := fn(ctx)
	if err != nil {
		failed := events.Event{RunID: runID, Stage: string(stage), BranchID: branchID, Status: events.StatusFailed, Message: err.Error()}
		var se *StageError
		if errors.As(err, &se) {
			failed.Stage = string(se.Stage)
		}
		e.publish(ctx, failed)
		return out, err
	}
	e.publish(ctx, events.Event{RunID: runID, Stage: string(stage), BranchID: branchID, Status: events.StatusCompleted})
	return out, nil
}

func (e *Executor) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Debug(ctx, "publishing event failed", zap.Error(err))
	}
}

func (e *Executor) fail(ctx context.Context, err error) error {
	e.logger.Error(ctx, "run failed", zap.Error(err))
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
