package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/format"
	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
)

// errInvalidArgument marks tool errors caused by the caller's arguments.
var errInvalidArgument = errors.New("invalid argument")

func invalidArgument(msg string) error {
	return fmt.Errorf("%w: %s", errInvalidArgument, msg)
}

func (s *Server) registerTools() {
	s.registerVerificationTools()

	if s.deps.Solver != nil {
		s.registerSolveTools()
	} else {
		s.logger.Debug(context.Background(), "solver not configured, skipping solve_problem")
	}

	if s.deps.Searcher != nil {
		s.registerArchiveTools()
	} else {
		s.logger.Debug(context.Background(), "archive not enabled, skipping search_solutions")
	}
}

// addTool registers a typed tool with metrics, logging and the registry.
// The handler returns the structured output and a one-line text summary.
func addTool[In, Out any](s *Server, category ToolCategory, tool *mcp.Tool, h func(context.Context, In) (Out, string, error)) {
	s.registry.Register(&ToolMetadata{
		Name:        tool.Name,
		Description: tool.Description,
		Category:    category,
	})

	mcp.AddTool(s.mcp, tool, func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, tool.Name)
		out, summary, err := h(ctx, args)
		s.metrics.DecrementActive(ctx, tool.Name)
		s.metrics.RecordInvocation(ctx, tool.Name, time.Since(start), err)

		if err != nil {
			s.logger.Warn(ctx, "tool failed",
				zap.String("tool", tool.Name),
				zap.String("reason", categorizeError(err)),
				zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: s.redact(summary)}},
		}, out, nil
	})
}

// ===== VERIFICATION TOOLS =====

type verifySolutionInput struct {
	Candidate string `json:"candidate" jsonschema:"Python source defining the candidate function"`
	Oracle    string `json:"oracle" jsonschema:"Python source defining check(candidate) with assertions"`
}

type verifySolutionOutput struct {
	Passed     bool   `json:"passed" jsonschema:"True when every assertion held"`
	Kind       string `json:"kind" jsonschema:"passed, assertion_failure, oracle_definition_error or execution_fault"`
	Diagnostic string `json:"diagnostic,omitempty" jsonschema:"Failure detail"`
	DurationMS int64  `json:"duration_ms" jsonschema:"Wall-clock run time in milliseconds"`
	Killed     bool   `json:"killed,omitempty" jsonschema:"True when the run was terminated by a limit"`
	KillReason string `json:"kill_reason,omitempty" jsonschema:"Which limit terminated the run"`
}

type checkFormatInput struct {
	Text string `json:"text" jsonschema:"Model response to check for reasoning and answer segments"`
}

type validateStageInput struct {
	Stage  string `json:"stage" jsonschema:"Stage whose output contract applies"`
	Output string `json:"output" jsonschema:"Raw stage output, JSON optionally wrapped in prose or a fence"`
}

type validateStageOutput struct {
	Stage  string `json:"stage" jsonschema:"Stage that was validated"`
	Valid  bool   `json:"valid" jsonschema:"True when the output satisfies the stage contract"`
	Value  any    `json:"value,omitempty" jsonschema:"Parsed value when valid"`
	Kind   string `json:"kind,omitempty" jsonschema:"schema violation or format violation"`
	Field  string `json:"field,omitempty" jsonschema:"Offending field, if any"`
	Reason string `json:"reason,omitempty" jsonschema:"Why the output was rejected"`
}

func (s *Server) registerVerificationTools() {
	addTool(s, CategoryVerification, &mcp.Tool{
		Name:        "verify_solution",
		Description: "Run a Python candidate against an oracle's check(candidate) in the sandbox. A failed check is a result, not an error.",
	}, func(ctx context.Context, args verifySolutionInput) (verifySolutionOutput, string, error) {
		if strings.TrimSpace(args.Oracle) == "" {
			return verifySolutionOutput{}, "", invalidArgument("oracle is required")
		}
		res, err := sandbox.Verify(ctx, s.deps.Sandbox, args.Candidate, args.Oracle)
		if err != nil {
			return verifySolutionOutput{}, "", fmt.Errorf("verification failed: %w", err)
		}

		out := verifySolutionOutput{
			Passed:     res.Passed,
			Kind:       string(res.Kind),
			Diagnostic: s.redact(res.Diagnostic),
			DurationMS: res.Duration.Milliseconds(),
			Killed:     res.Killed,
			KillReason: res.KillReason,
		}
		summary := "Verification " + out.Kind
		if out.Diagnostic != "" {
			summary += ": " + out.Diagnostic
		}
		return out, summary, nil
	})

	addTool(s, CategoryVerification, &mcp.Tool{
		Name:        "check_format",
		Description: "Check that a response contains a reasoning segment followed by an answer segment and extract both.",
	}, func(_ context.Context, args checkFormatInput) (format.Response, string, error) {
		resp := s.deps.Format.Parse(args.Text)
		if resp.Valid {
			return resp, "Format valid", nil
		}
		return resp, fmt.Sprintf("Format invalid (reasoning found: %t, answer found: %t)",
			resp.ReasoningFound, resp.AnswerFound), nil
	})

	addTool(s, CategoryVerification, &mcp.Tool{
		Name: "validate_stage_output",
		Description: "Parse raw stage output against its registered contract. Known stages: " +
			strings.Join(schema.Stages(), ", ") + ".",
	}, func(_ context.Context, args validateStageInput) (validateStageOutput, string, error) {
		value, err := schema.ParseStage(args.Stage, args.Output)
		if errors.Is(err, schema.ErrUnknownStage) {
			return validateStageOutput{}, "", err
		}
		if err == nil {
			return validateStageOutput{Stage: args.Stage, Valid: true, Value: value},
				fmt.Sprintf("%s output is valid", args.Stage), nil
		}

		out := validateStageOutput{Stage: args.Stage, Reason: err.Error()}
		var ve *schema.ViolationError
		if errors.As(err, &ve) {
			out.Kind = ve.Kind.Error()
			out.Field = ve.Field
			out.Reason = ve.Reason
		}
		return out, fmt.Sprintf("%s output is invalid: %s", args.Stage, out.Reason), nil
	})
}

// ===== SOLVE TOOLS =====

type solveProblemInput struct {
	ProblemDescription string `json:"problem_description" jsonschema:"Natural-language problem statement"`
	TestCases          string `json:"test_cases,omitempty" jsonschema:"Test cases shown to the agents; also the oracle unless oracle is set"`
	Oracle             string `json:"oracle,omitempty" jsonschema:"Python check(candidate) used for verification"`
	RunID              string `json:"run_id,omitempty" jsonschema:"Run identifier (generated when empty)"`
}

type solveProblemOutput struct {
	RunID        string   `json:"run_id" jsonschema:"Run identifier"`
	Accepted     bool     `json:"accepted" jsonschema:"True when the final solution passed verification"`
	Code         string   `json:"code" jsonschema:"Final synthesized solution"`
	Verification string   `json:"verification" jsonschema:"Verification outcome kind"`
	Diagnostic   string   `json:"diagnostic,omitempty" jsonschema:"Verification failure detail"`
	Approaches   []string `json:"approaches" jsonschema:"Approaches proposed by the planner"`
	Branches     int      `json:"branches" jsonschema:"Number of branches that ran"`
	Evaluation   string   `json:"evaluation" jsonschema:"Evaluator critique"`
	DurationMS   int64    `json:"duration_ms" jsonschema:"Run duration in milliseconds"`
}

func (s *Server) registerSolveTools() {
	addTool(s, CategorySolve, &mcp.Tool{
		Name:        "solve_problem",
		Description: "Run the full plan, branch, evaluate, synthesize and verify pipeline for a problem. A rejected solution is returned with accepted=false.",
	}, func(ctx context.Context, args solveProblemInput) (solveProblemOutput, string, error) {
		art, err := s.deps.Solver.Run(ctx, schema.ProblemSpec{
			ProblemDescription: args.ProblemDescription,
			TestCases:          args.TestCases,
		}, pipeline.RunOptions{RunID: args.RunID, Oracle: args.Oracle})
		if err != nil {
			return solveProblemOutput{}, "", fmt.Errorf("solve failed: %w", err)
		}

		out := solveProblemOutput{
			RunID:        art.RunID,
			Accepted:     art.Accepted(),
			Code:         s.redact(art.Final.Code),
			Verification: string(art.Verification.Kind),
			Diagnostic:   s.redact(art.Verification.Diagnostic),
			Approaches:   art.Plan.Approaches,
			Branches:     len(art.Branches),
			Evaluation:   s.redact(art.Evaluation.Text),
			DurationMS:   art.Duration.Milliseconds(),
		}
		status := "rejected"
		if out.Accepted {
			status = "accepted"
		}
		return out, fmt.Sprintf("Run %s %s (%s)", out.RunID, status, out.Verification), nil
	})
}

// ===== ARCHIVE TOOLS =====

type searchSolutionsInput struct {
	Query string `json:"query" jsonschema:"Problem description to search for"`
	K     int    `json:"k,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type solutionMatch struct {
	RunID      string  `json:"run_id" jsonschema:"Run that produced the solution"`
	Problem    string  `json:"problem" jsonschema:"Archived problem description"`
	Code       string  `json:"code" jsonschema:"Verified solution"`
	Similarity float32 `json:"similarity" jsonschema:"Cosine similarity to the query"`
}

type searchSolutionsOutput struct {
	Query   string          `json:"query" jsonschema:"Search query used"`
	Matches []solutionMatch `json:"matches" jsonschema:"Verified solutions ordered by similarity"`
	Count   int             `json:"count" jsonschema:"Number of matches"`
}

func (s *Server) registerArchiveTools() {
	addTool(s, CategoryArchive, &mcp.Tool{
		Name:        "search_solutions",
		Description: "Search the archive of verified solutions for problems similar to the query.",
	}, func(ctx context.Context, args searchSolutionsInput) (searchSolutionsOutput, string, error) {
		if strings.TrimSpace(args.Query) == "" {
			return searchSolutionsOutput{}, "", invalidArgument("query is required")
		}
		if args.K < 0 {
			return searchSolutionsOutput{}, "", invalidArgument("k must be positive")
		}

		found, err := s.deps.Searcher.Search(ctx, args.Query, args.K)
		if err != nil {
			return searchSolutionsOutput{}, "", fmt.Errorf("archive search failed: %w", err)
		}

		out := searchSolutionsOutput{Query: args.Query, Matches: make([]solutionMatch, 0, len(found))}
		for _, m := range found {
			out.Matches = append(out.Matches, solutionMatch{
				RunID:      m.RunID,
				Problem:    s.redact(m.Problem),
				Code:       s.redact(m.Code),
				Similarity: m.Similarity,
			})
		}
		out.Count = len(out.Matches)
		return out, fmt.Sprintf("Found %d verified solutions", out.Count), nil
	})
}
