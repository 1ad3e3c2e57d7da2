package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/arbiter/internal/generator"
	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/prompt"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
)

// Application error types visible in workflow history.
const (
	ErrTypeInvalidInput    = "InvalidInput"
	ErrTypeSchemaViolation = "SchemaViolation"
	ErrTypeFormatViolation = "FormatViolation"
	ErrTypeTransient       = "Transient"
	ErrTypeTemplate        = "Template"
)

// classifyActivityError turns a stage failure into a Temporal application
// error. Output violations and transient backend errors stay retryable, since
// a new generation may succeed; input and template errors never will.
func classifyActivityError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch {
	case errors.Is(err, schema.ErrSchemaViolation):
		return temporal.NewApplicationErrorWithCause(err.Error(), ErrTypeSchemaViolation, err)
	case errors.Is(err, schema.ErrFormatViolation):
		return temporal.NewApplicationErrorWithCause(err.Error(), ErrTypeFormatViolation, err)
	case generator.IsTransient(err):
		return temporal.NewApplicationErrorWithCause(err.Error(), ErrTypeTransient, err)
	case errors.Is(err, prompt.ErrMissingValue), errors.Is(err, prompt.ErrUnknownStage):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeTemplate, err)
	case errors.Is(err, pipeline.ErrNoOracle):
		return invalidInput(err)
	}
	return err
}

func invalidInput(err error) error {
	return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
}

// ErrorType returns the application error type carried by err, or "".
func ErrorType(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type()
	}
	return ""
}

// formatErrorForResult formats an error for SolveResult.Errors.
func formatErrorForResult(operation string, err error) string {
	return fmt.Sprintf("%s: %v", operation, err)
}
