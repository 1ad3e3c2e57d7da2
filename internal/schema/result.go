package schema

// ParseResult is the tagged outcome of parsing one stage output: either a
// success carrying the value or a failure carrying the violation. Build
// results with Success or Failure.
type ParseResult[T any] struct {
	value T
	err   *ViolationError
}

// Success wraps a validated value.
func Success[T any](v T) ParseResult[T] {
	return ParseResult[T]{value: v}
}

// Failure wraps a violation.
func Failure[T any](err *ViolationError) ParseResult[T] {
	if err == nil {
		err = &ViolationError{Reason: "unspecified failure", Kind: ErrFormatViolation}
	}
	return ParseResult[T]{err: err}
}

// Ok reports whether the result is a success.
func (r ParseResult[T]) Ok() bool { return r.err == nil }

// Value returns the parsed value; it is the zero value on failure.
func (r ParseResult[T]) Value() T { return r.value }

// Reason returns the failure description, or "" on success.
func (r ParseResult[T]) Reason() string {
	if r.err == nil {
		return ""
	}
	return r.err.Error()
}

// Err returns the *ViolationError as an error, or nil on success.
func (r ParseResult[T]) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

// Get returns value and error in the usual Go shape.
func (r ParseResult[T]) Get() (T, error) {
	return r.value, r.Err()
}
