// internal/logging/context.go
package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run_id", runID))
	}
	if stage := StageFromContext(ctx); stage != "" {
		fields = append(fields, zap.String("stage", stage))
	}
	if branch := BranchIDFromContext(ctx); branch != "" {
		fields = append(fields, zap.String("branch_id", branch))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type runCtxKey struct{}
type stageCtxKey struct{}
type branchCtxKey struct{}
type requestCtxKey struct{}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// validateID rejects empty, oversized or non [a-zA-Z0-9_.-] identifiers so
// correlation fields stay safe to index.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", name)
	}
	return nil
}

// ValidateID reports whether id can be used as a correlation ID.
func ValidateID(id string) error {
	return validateID(id, "id")
}

func withID(ctx context.Context, key any, id, name string) context.Context {
	if err := validateID(id, name); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, key, id)
}

func stringFrom(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithRunID tags the context with a pipeline run ID.
// Panics on an invalid ID; run IDs are generated internally.
func WithRunID(ctx context.Context, runID string) context.Context {
	return withID(ctx, runCtxKey{}, runID, "runID")
}

// RunIDFromContext returns the run ID or "".
func RunIDFromContext(ctx context.Context) string { return stringFrom(ctx, runCtxKey{}) }

// WithStage tags the context with the executing stage.
func WithStage(ctx context.Context, stage string) context.Context {
	return withID(ctx, stageCtxKey{}, stage, "stage")
}

// StageFromContext returns the stage or "".
func StageFromContext(ctx context.Context) string { return stringFrom(ctx, stageCtxKey{}) }

// WithBranchID tags the context with a fan-out branch ID.
func WithBranchID(ctx context.Context, branchID string) context.Context {
	return withID(ctx, branchCtxKey{}, branchID, "branchID")
}

// BranchIDFromContext returns the branch ID or "".
func BranchIDFromContext(ctx context.Context) string { return stringFrom(ctx, branchCtxKey{}) }

// WithRequestID tags the context with an inbound request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withID(ctx, requestCtxKey{}, requestID, "requestID")
}

// RequestIDFromContext returns the request ID or "".
func RequestIDFromContext(ctx context.Context) string { return stringFrom(ctx, requestCtxKey{}) }

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if none was stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
