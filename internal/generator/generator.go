// Package generator provides the text-generation backends stages call.
//
// A Generator is invoked once per stage with a fully rendered prompt and
// returns the raw completion. Backends do not retry; transient failures are
// reported as *TransientError so the caller can decide.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/prompt"
)

// Generator produces raw text for one stage invocation.
type Generator interface {
	Generate(ctx context.Context, stage prompt.StageID, prompt string) (string, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, stage prompt.StageID, prompt string) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, stage prompt.StageID, p string) (string, error) {
	return f(ctx, stage, p)
}

// ErrEmptyResponse is returned when a backend answers with no text.
var ErrEmptyResponse = errors.New("empty response from generator")

// TransientError marks a failure worth retrying: rate limiting, a server
// error or a network fault.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	defaultMaxTokens = 4096
	defaultTimeout   = 2 * time.Minute
)

// New builds the configured backend, wrapped with rate limiting, tracing
// and logging.
func New(cfg config.GeneratorConfig, logger *logging.Logger) (Generator, error) {
	var (
		backend Generator
		err     error
	)
	switch cfg.Provider {
	case config.ProviderAnthropic:
		backend, err = NewAnthropic(cfg)
	case config.ProviderOpenAI:
		backend, err = NewOpenAI(cfg)
	case config.ProviderLangchain:
		backend, err = NewLangchain(cfg)
	case config.ProviderStatic:
		backend, err = LoadScript(cfg.ScriptFile)
	default:
		return nil, fmt.Errorf("unsupported generator provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s generator: %w", cfg.Provider, err)
	}
	return Instrument(backend, cfg.Provider, cfg.RateLimit, logger), nil
}

type instrumented struct {
	next     Generator
	provider string
	limiter  *rate.Limiter
	logger   *logging.Logger
	tracer   trace.Tracer
}

// Instrument wraps g with a rate limiter (rps <= 0 disables it), a
// generator.Generate span and debug logging.
func Instrument(g Generator, provider string, rps float64, logger *logging.Logger) Generator {
	if logger == nil {
		logger = logging.NewNop()
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &instrumented{
		next:     g,
		provider: provider,
		limiter:  limiter,
		logger:   logger.Named("generator"),
		tracer:   otel.Tracer("github.com/fyrsmithlabs/arbiter/internal/generator"),
	}
}

func (g *instrumented) Generate(ctx context.Context, stage prompt.StageID, p string) (string, error) {
	ctx, span := g.tracer.Start(ctx, "generator.Generate", trace.WithAttributes(
		attribute.String("generator.provider", g.provider),
		attribute.String("generator.stage", string(stage)),
		attribute.Int("generator.prompt_bytes", len(p)),
	))
	defer span.End()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limiter")
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := time.Now()
	out, err := g.next.Generate(ctx, stage, p)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn(ctx, "generation failed",
			zap.String("stage", string(stage)),
			zap.Bool("transient", IsTransient(err)),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return "", err
	}
	if out == "" {
		span.SetStatus(codes.Error, ErrEmptyResponse.Error())
		return "", ErrEmptyResponse
	}

	span.SetAttributes(attribute.Int("generator.response_bytes", len(out)))
	g.logger.Debug(ctx, "generation finished",
		zap.String("stage", string(stage)),
		zap.Int("response_bytes", len(out)),
		zap.Duration("duration", elapsed))
	return out, nil
}
