package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/generator"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/prompt"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
	"github.com/fyrsmithlabs/arbiter/internal/secrets"
)

const tracerName = "github.com/fyrsmithlabs/arbiter/internal/pipeline"

// Stages holds the stage handlers. Each handler renders its template,
// calls the generator once and validates the output; none retries. The
// executor and the Temporal activities share them.
type Stages struct {
	gen          generator.Generator
	prompts      *prompt.Registry
	redactor     *secrets.Redactor
	stageTimeout time.Duration
	logger       *logging.Logger
	tracer       trace.Tracer
}

// StagesOption configures Stages.
type StagesOption func(*Stages)

// WithRedactor redacts every rendered prompt before it reaches the
// generator.
func WithRedactor(r *secrets.Redactor) StagesOption {
	return func(s *Stages) { s.redactor = r }
}

// WithStageTimeout bounds each generator call.
func WithStageTimeout(d time.Duration) StagesOption {
	return func(s *Stages) { s.stageTimeout = d }
}

// WithStageLogger sets the logger.
func WithStageLogger(l *logging.Logger) StagesOption {
	return func(s *Stages) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStageTracer sets the tracer.
func WithStageTracer(t trace.Tracer) StagesOption {
	return func(s *Stages) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewStages creates the stage handlers.
func NewStages(gen generator.Generator, prompts *prompt.Registry, opts ...StagesOption) *Stages {
	s := &Stages{
		gen:     gen,
		prompts: prompts,
		logger:  logging.NewNop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// generate renders, redacts and sends one prompt.
func (s *Stages) generate(ctx context.Context, stage prompt.StageID, data prompt.Data) (string, error) {
	text, err := s.prompts.Render(stage, data)
	if err != nil {
		return "", err
	}

	if s.redactor.Enabled() {
		redacted, audit := s.redactor.Redact(text)
		if audit.Total() > 0 {
			s.logger.Warn(ctx, "redacted secrets from prompt",
				zap.String("template", string(stage)),
				zap.Int("findings", audit.Total()),
				zap.Any("by_rule", audit.ByRule))
		}
		text = redacted
	}

	if s.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stageTimeout)
		defer cancel()
	}
	return s.gen.Generate(ctx, stage, text)
}

func (s *Stages) span(ctx context.Context, stage prompt.StageID, branchID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("pipeline.stage", string(stage))}
	if branchID != "" {
		attrs = append(attrs, attribute.String("pipeline.branch_id", branchID))
	}
	return s.tracer.Start(ctx, "pipeline."+string(stage), trace.WithAttributes(attrs...))
}

// Plan asks the planner for approaches.
func (s *Stages) Plan(ctx context.Context, problem schema.ProblemSpec, width int) (plan schema.PlannerOutput, err error) {
	ctx, span := s.span(ctx, prompt.Planner, "")
	defer func() { endSpan(span, err) }()

	raw, err := s.generate(ctx, prompt.Planner, prompt.Data{
		Width:              width,
		ProblemDescription: problem.ProblemDescription,
		TestCases:          problem.TestCases,
	})
	if err != nil {
		return schema.PlannerOutput{}, stageErr(prompt.Planner, "", err)
	}

	res := schema.ParsePlanner(raw)
	if !res.Ok() {
		s.logger.Warn(ctx, "planner output rejected",
			zap.String("reason", res.Reason()),
			logging.Snippet("raw", raw, 200))
		return schema.PlannerOutput{}, stageErr(prompt.Planner, "", res.Err())
	}
	span.SetAttributes(attribute.Int("pipeline.approaches", len(res.Value().Approaches)))
	return res.Value(), nil
}

// Reason turns one approach into a structured plan.
func (s *Stages) Reason(ctx context.Context, problem schema.ProblemSpec, question string, a Assignment) (out schema.ReasoningOutput, err error) {
	ctx, span := s.span(ctx, prompt.Reasoning, a.ID)
	defer func() { endSpan(span, err) }()

	raw, err := s.generate(ctx, prompt.Reasoning, prompt.Data{
		AssignedApproach:   a.Approach,
		OriginalQuestion:   question,
		ProblemDescription: problem.ProblemDescription,
		TestCases:          problem.TestCases,
	})
	if err != nil {
		return schema.ReasoningOutput{}, stageErr(prompt.Reasoning, a.ID, err)
	}

	res := schema.ParseReasoning(raw)
	if !res.Ok() {
		s.logger.Warn(ctx, "reasoning output rejected",
			zap.String("reason", res.Reason()),
			logging.Snippet("raw", raw, 200))
		return schema.ReasoningOutput{}, stageErr(prompt.Reasoning, a.ID, res.Err())
	}
	return res.Value(), nil
}

// Code implements a branch's reasoning.
func (s *Stages) Code(ctx context.Context, problem schema.ProblemSpec, question, branchID string, reasoning schema.ReasoningOutput) (c CandidateSolution, err error) {
	ctx, span := s.span(ctx, prompt.Coding, branchID)
	defer func() { endSpan(span, err) }()

	raw, err := s.generate(ctx, prompt.Coding, prompt.Data{
		ReasoningOutput:    reasoning.JSON(),
		OriginalQuestion:   question,
		ProblemDescription: problem.ProblemDescription,
		TestCases:          problem.TestCases,
	})
	if err != nil {
		return CandidateSolution{}, stageErr(prompt.Coding, branchID, err)
	}

	code, err := schema.ExtractCode(string(prompt.Coding), raw)
	if err != nil {
		return CandidateSolution{}, stageErr(prompt.Coding, branchID, err)
	}
	return CandidateSolution{BranchID: branchID, Code: code}, nil
}

// Branch runs Reason then Code for one assignment.
func (s *Stages) Branch(ctx context.Context, problem schema.ProblemSpec, question string, a Assignment) (BranchResult, error) {
	ctx = logging.WithBranchID(ctx, a.ID)

	reasoning, err := s.Reason(ctx, problem, question, a)
	if err != nil {
		return BranchResult{}, err
	}
	candidate, err := s.Code(ctx, problem, question, a.ID, reasoning)
	if err != nil {
		return BranchResult{}, err
	}
	return BranchResult{ID: a.ID, Approach: a.Approach, Reasoning: reasoning, Candidate: candidate}, nil
}

// Evaluate compares every branch. It must only be called after all
// branches have completed.
func (s *Stages) Evaluate(ctx context.Context, problem schema.ProblemSpec, branches []BranchResult) (r EvaluationReport, err error) {
	ctx, span := s.span(ctx, prompt.Evaluator, "")
	defer func() { endSpan(span, err) }()

	raw, err := s.generate(ctx, prompt.Evaluator, prompt.Data{
		Branches:           promptBranches(branches),
		ProblemDescription: problem.ProblemDescription,
		TestCases:          problem.TestCases,
	})
	if err != nil {
		return EvaluationReport{}, stageErr(prompt.Evaluator, "", err)
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		return EvaluationReport{}, stageErr(prompt.Evaluator, "", schema.FormatViolation(string(prompt.Evaluator), "empty evaluation"))
	}
	return EvaluationReport{Text: text}, nil
}

// Synthesize produces the final candidate from every prior artifact.
// verification is the rendered verification guidance, or "".
func (s *Stages) Synthesize(ctx context.Context, problem schema.ProblemSpec, plan schema.PlannerOutput, eval EvaluationReport, branches []BranchResult, verification string) (c CandidateSolution, err error) {
	ctx, span := s.span(ctx, prompt.Synthesizer, "")
	defer func() { endSpan(span, err) }()

	raw, err := s.generate(ctx, prompt.Synthesizer, prompt.Data{
		PlannerOutput:      plan.JSON(),
		Evaluation:         eval.Text,
		Branches:           promptBranches(branches),
		ProblemDescription: problem.ProblemDescription,
		TestCases:          problem.TestCases,
		Verification:       verification,
	})
	if err != nil {
		return CandidateSolution{}, stageErr(prompt.Synthesizer, "", err)
	}

	code, err := schema.ExtractCode(string(prompt.Synthesizer), raw)
	if err != nil {
		return CandidateSolution{}, stageErr(prompt.Synthesizer, "", err)
	}
	return CandidateSolution{BranchID: FinalBranchID, Code: code}, nil
}

// VerificationGuide renders the verification template for the synthesizer.
func (s *Stages) VerificationGuide(timeout time.Duration) (string, error) {
	data := prompt.Data{}
	if timeout > 0 {
		data.Timeout = timeout.String()
	}
	text, err := s.prompts.Render(prompt.Verification, data)
	if err != nil {
		return "", fmt.Errorf("rendering verification guide: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func promptBranches(branches []BranchResult) []prompt.Branch {
	out := make([]prompt.Branch, len(branches))
	for i, b := range branches {
		out[i] = prompt.Branch{
			ID:        b.ID,
			Number:    i + 1,
			Code:      b.Candidate.Code,
			Reasoning: b.Reasoning.JSON(),
		}
	}
	return out
}
