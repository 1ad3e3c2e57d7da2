package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/archive"
	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/events"
	"github.com/fyrsmithlabs/arbiter/internal/format"
	"github.com/fyrsmithlabs/arbiter/internal/generator"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/prompt"
	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
	"github.com/fyrsmithlabs/arbiter/internal/secrets"
	"github.com/fyrsmithlabs/arbiter/internal/telemetry"
)

const shutdownGrace = 5 * time.Second

// app holds the services shared by every command. Fields past logger
// are nil until the corresponding init method runs.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry

	format    *format.Validator
	redactor  *secrets.Redactor
	sandbox   *sandbox.PythonSandbox
	stages    *pipeline.Stages
	publisher events.Publisher
	archive   *archive.Archive
	executor  *pipeline.Executor

	closed bool
}

// loadApp reads configuration and brings up telemetry and logging.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	return &app{cfg: cfg, logger: logger, telemetry: tel}, nil
}

// initVerification sets up what the sandbox-only commands need.
func (r *app) initVerification() error {
	v, err := format.New(
		format.TagPair{Open: r.cfg.Format.ReasoningTags.Open, Close: r.cfg.Format.ReasoningTags.Close},
		format.TagPair{Open: r.cfg.Format.AnswerTags.Open, Close: r.cfg.Format.AnswerTags.Close},
	)
	if err != nil {
		return fmt.Errorf("format tags: %w", err)
	}
	r.format = v

	redactor, err := secrets.NewRedactor(r.cfg.Secrets)
	if err != nil {
		return fmt.Errorf("initializing redactor: %w", err)
	}
	r.redactor = redactor

	sb, err := sandbox.New(r.cfg.Sandbox,
		sandbox.WithLogger(r.logger),
		sandbox.WithTracer(r.telemetry.Tracer("arbiter.sandbox")))
	if err != nil {
		return fmt.Errorf("initializing sandbox: %w", err)
	}
	r.sandbox = sb
	return nil
}

// initArchive opens the solution archive when enabled.
func (r *app) initArchive(ctx context.Context) error {
	if !r.cfg.Archive.Enabled {
		return nil
	}
	embedder, err := archive.NewEmbedder(r.cfg.Archive)
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}
	a, err := archive.Open(r.cfg.Archive, embedder,
		archive.WithRedactor(r.redactor),
		archive.WithLogger(r.logger))
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	r.archive = a
	r.logger.Info(ctx, "archive opened",
		zap.String("path", r.cfg.Archive.Path),
		zap.String("collection", r.cfg.Archive.Collection))
	return nil
}

// initPipeline builds everything a solve needs on top of initVerification.
func (r *app) initPipeline(ctx context.Context) error {
	if r.sandbox == nil {
		if err := r.initVerification(); err != nil {
			return err
		}
	}

	prompts, err := prompt.Load(r.cfg.Prompt.OverridesFile)
	if err != nil {
		return fmt.Errorf("loading prompts: %w", err)
	}

	gen, err := generator.New(r.cfg.Generator, r.logger)
	if err != nil {
		return fmt.Errorf("initializing generator: %w", err)
	}
	r.logger.Info(ctx, "generator initialized",
		zap.String("provider", r.cfg.Generator.Provider),
		zap.String("model", r.cfg.Generator.Model))

	r.stages = pipeline.NewStages(gen, prompts,
		pipeline.WithRedactor(r.redactor),
		pipeline.WithStageTimeout(r.cfg.Pipeline.StageTimeout.Duration()),
		pipeline.WithStageLogger(r.logger),
		pipeline.WithStageTracer(r.telemetry.Tracer("arbiter.pipeline")))

	pub, err := events.Connect(r.cfg.Events, r.logger)
	if err != nil {
		return fmt.Errorf("connecting event bus: %w", err)
	}
	r.publisher = pub

	if err := r.initArchive(ctx); err != nil {
		return err
	}

	opts := []pipeline.Option{
		pipeline.WithWidth(r.cfg.Pipeline.Width),
		pipeline.WithFanOutPolicy(r.cfg.Pipeline.FanOutPolicy),
		pipeline.WithSandboxTimeout(r.cfg.Sandbox.Timeout.Duration()),
		pipeline.WithPublisher(pub),
		pipeline.WithLogger(r.logger),
		pipeline.WithTracer(r.telemetry.Tracer("arbiter.pipeline")),
	}
	if r.archive != nil {
		opts = append(opts, pipeline.WithRecorder(r.archive))
	}
	r.executor = pipeline.NewExecutor(r.stages, r.sandbox, opts...)
	return nil
}

// recorder returns the archive as a pipeline.Recorder, or nil when disabled.
// A typed nil *archive.Archive must not leak into the interface.
func (r *app) recorder() pipeline.Recorder {
	if r.archive == nil {
		return nil
	}
	return r.archive
}

// Close flushes telemetry and releases connections. Later calls are no-ops.
func (r *app) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var errs []error
	if r.publisher != nil {
		errs = append(errs, r.publisher.Close())
	}
	if r.telemetry != nil {
		errs = append(errs, r.telemetry.Shutdown(ctx))
	}
	_ = r.logger.Sync()
	return errors.Join(errs...)
}
