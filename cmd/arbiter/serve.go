package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/http"
	"github.com/fyrsmithlabs/arbiter/internal/mcp"
	"github.com/fyrsmithlabs/arbiter/internal/workflows"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the HTTP API: solve, verify, format and stage validation
endpoints plus /health and /metrics. Stops gracefully on SIGINT/SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if err := rt.initPipeline(ctx); err != nil {
		return err
	}

	deps := http.Deps{
		Solver:    rt.executor,
		Sandbox:   rt.sandbox,
		Format:    rt.format,
		Version:   version,
		Telemetry: rt.telemetry,
	}
	if rt.archive != nil {
		deps.Searcher = rt.archive
	}
	srv, err := http.NewServer(deps, rt.logger, rt.cfg.Server)
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info(ctx, "HTTP server starting",
			zap.String("host", rt.cfg.Server.Host),
			zap.Int("port", rt.cfg.Server.Port))
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
		rt.logger.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error(shutdownCtx, "HTTP server shutdown error", zap.Error(err))
		return err
	}
	rt.logger.Info(shutdownCtx, "HTTP server stopped gracefully")
	return nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker for durable solves",
	Long: `Run a Temporal worker that executes solve workflows started with
'arbiter solve --durable'. Each stage runs as an activity with retries.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if err := rt.initPipeline(ctx); err != nil {
		return err
	}

	c, err := workflows.Dial(rt.cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()
	rt.logger.Info(ctx, "temporal client connected", zap.String("host", rt.cfg.Temporal.HostPort))

	w := workflows.NewWorker(c, rt.cfg.Temporal, &workflows.Activities{
		Stages:         rt.stages,
		Sandbox:        rt.sandbox,
		SandboxTimeout: rt.cfg.Sandbox.Timeout.Duration(),
		Recorder:       rt.recorder(),
		Logger:         rt.logger,
	})
	rt.logger.Info(ctx, "worker configured", zap.String("task_queue", rt.cfg.Temporal.TaskQueue))

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- w.Run(worker.InterruptCh())
	}()

	select {
	case err := <-workerErrors:
		if err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
	case <-ctx.Done():
		rt.logger.Info(ctx, "shutdown signal received")
	}
	rt.logger.Info(ctx, "worker stopped gracefully")
	return nil
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Serve arbiter as an MCP server on stdin/stdout. Logs go to stderr.

Tools: verify_solution, check_format, validate_stage_output, solve_problem
and, when the archive is enabled, search_solutions.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		rt, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		if err := rt.initPipeline(ctx); err != nil {
			return err
		}

		deps := mcp.Deps{
			Solver:   rt.executor,
			Sandbox:  rt.sandbox,
			Format:   rt.format,
			Redactor: rt.redactor,
		}
		if rt.archive != nil {
			deps.Searcher = rt.archive
		}
		srv, err := mcp.NewServer(&mcp.Config{Name: "arbiter", Version: version, Logger: rt.logger}, deps)
		if err != nil {
			return fmt.Errorf("creating MCP server: %w", err)
		}
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server: %w", err)
		}
		return nil
	},
}
