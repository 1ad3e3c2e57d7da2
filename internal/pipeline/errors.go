package pipeline

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/arbiter/internal/prompt"
)

// ErrNoOracle is returned when a run has no test oracle to verify against.
var ErrNoOracle = errors.New("no test oracle: provide test cases or an oracle")

// ErrInvalidRunID is returned for a caller-supplied run ID that cannot be
// used as a correlation ID.
var ErrInvalidRunID = errors.New("invalid run id")

// StageError wraps the failure of one stage, optionally within a branch.
type StageError struct {
	Stage    prompt.StageID
	BranchID string
	Err      error
}

func (e *StageError) Error() string {
	if e.BranchID != "" {
		return fmt.Sprintf("stage %s (branch %s): %v", e.Stage, e.BranchID, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage prompt.StageID, branchID string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, BranchID: branchID, Err: err}
}
