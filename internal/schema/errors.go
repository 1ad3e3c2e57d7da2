package schema

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Match with errors.Is.
var (
	// ErrSchemaViolation: the output parsed but fails required-field, type or
	// shape checks.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrFormatViolation: the raw text cannot be parsed into the expected
	// object or segment structure at all.
	ErrFormatViolation = errors.New("format violation")

	// ErrUnknownStage: no contract is registered under the stage name.
	ErrUnknownStage = errors.New("unknown stage")
)

// ViolationError describes why a stage's output was rejected.
type ViolationError struct {
	Stage  string // planner, reasoning, coding, ...
	Field  string // JSON field path, empty for whole-document failures
	Reason string
	Kind   error // ErrSchemaViolation or ErrFormatViolation
}

func (e *ViolationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %v: %s: %s", e.Stage, e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %v: %s", e.Stage, e.Kind, e.Reason)
}

func (e *ViolationError) Unwrap() error {
	return e.Kind
}

// SchemaViolation builds a schema-kind ViolationError.
func SchemaViolation(stage, field, reason string) *ViolationError {
	return &ViolationError{Stage: stage, Field: field, Reason: reason, Kind: ErrSchemaViolation}
}

// FormatViolation builds a format-kind ViolationError.
func FormatViolation(stage, reason string) *ViolationError {
	return &ViolationError{Stage: stage, Reason: reason, Kind: ErrFormatViolation}
}
