package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
	"github.com/fyrsmithlabs/arbiter/internal/workflows"
)

var (
	solveProblemFile string
	solveTestsFile   string
	solveOracleFile  string
	solveRunID       string
	solveDurable     bool
)

func init() {
	solveCmd.Flags().StringVar(&solveProblemFile, "problem", "", "file with the problem description (- for stdin)")
	solveCmd.Flags().StringVar(&solveTestsFile, "tests", "", "file with the test cases shown to the model")
	solveCmd.Flags().StringVar(&solveOracleFile, "oracle", "", "file with a check(candidate) oracle (default: --tests)")
	solveCmd.Flags().StringVar(&solveRunID, "run-id", "", "run identifier (default: generated)")
	solveCmd.Flags().BoolVar(&solveDurable, "durable", false, "run as a Temporal workflow on a worker")
	_ = solveCmd.MarkFlagRequired("problem")
	_ = solveCmd.MarkFlagRequired("tests")
}

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Generate and verify a solution for a problem",
	Long: `Run the full pipeline for one problem: plan approaches, develop each
branch in parallel, evaluate, synthesize and verify the final solution.

A rejected solution is reported with exit status 2.

Examples:
  # Solve locally
  arbiter solve --problem problem.md --tests tests.py

  # Solve on a Temporal worker (see 'arbiter worker')
  arbiter solve --problem problem.md --tests tests.py --durable`,
	Args: cobra.NoArgs,
	RunE: runSolve,
}

func loadProblem() (schema.ProblemSpec, string, error) {
	desc, err := readInput(solveProblemFile)
	if err != nil {
		return schema.ProblemSpec{}, "", err
	}
	tests, err := readInput(solveTestsFile)
	if err != nil {
		return schema.ProblemSpec{}, "", err
	}
	var oracle string
	if solveOracleFile != "" {
		if oracle, err = readInput(solveOracleFile); err != nil {
			return schema.ProblemSpec{}, "", err
		}
	}
	return schema.ProblemSpec{ProblemDescription: desc, TestCases: tests}, oracle, nil
}

func runSolve(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	problem, oracle, err := loadProblem()
	if err != nil {
		return err
	}

	rt, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	var art *pipeline.Artifacts
	if solveDurable {
		art, err = solveDurably(ctx, rt, problem, oracle)
	} else {
		art, err = solveLocally(ctx, rt, problem, oracle)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := writeJSON(out, art); err != nil {
			return err
		}
	} else {
		renderArtifacts(out, art)
	}
	if !art.Accepted() {
		_ = rt.Close()
		os.Exit(2)
	}
	return nil
}

func solveLocally(ctx context.Context, rt *app, problem schema.ProblemSpec, oracle string) (*pipeline.Artifacts, error) {
	if err := rt.initPipeline(ctx); err != nil {
		return nil, err
	}
	art, err := rt.executor.Run(ctx, problem, pipeline.RunOptions{RunID: solveRunID, Oracle: oracle})
	if err != nil {
		return nil, fmt.Errorf("solve failed: %w", err)
	}
	return art, nil
}

func solveDurably(ctx context.Context, rt *app, problem schema.ProblemSpec, oracle string) (*pipeline.Artifacts, error) {
	c, err := workflows.Dial(rt.cfg.Temporal)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	res, err := workflows.Solve(ctx, c, rt.cfg.Temporal, workflows.SolveInput{
		RunID:        solveRunID,
		Problem:      problem,
		Oracle:       oracle,
		Width:        rt.cfg.Pipeline.Width,
		FanOutPolicy: rt.cfg.Pipeline.FanOutPolicy,
	})
	if err != nil {
		return nil, err
	}
	for _, msg := range res.Errors {
		rt.logger.Warn(ctx, "workflow reported error", zap.String("error", msg))
	}
	return &res.Artifacts, nil
}
