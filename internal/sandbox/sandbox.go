// Package sandbox runs generated candidate solutions against a test oracle
// in an isolated python3 subprocess.
//
// A candidate is bound once with Bind and may be run against any number of
// oracles with Run. Every Run starts a fresh interpreter, so runs share no
// state with each other or with the caller. Verification outcomes are values
// (Result.Kind); only infrastructure failures are returned as errors.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Outcome classifies a verification run.
type Outcome string

const (
	OutcomePassed                Outcome = "passed"
	OutcomeAssertionFailure      Outcome = "assertion_failure"
	OutcomeOracleDefinitionError Outcome = "oracle_definition_error"
	OutcomeExecutionFault        Outcome = "execution_fault"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePassed, OutcomeAssertionFailure, OutcomeOracleDefinitionError, OutcomeExecutionFault:
		return true
	}
	return false
}

// Result is the verification result of one oracle run.
type Result struct {
	Passed     bool          `json:"passed"`
	Kind       Outcome       `json:"kind"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	Killed     bool          `json:"killed,omitempty"`
	KillReason string        `json:"kill_reason,omitempty"`
}

// Sandbox executes untrusted candidate code.
type Sandbox interface {
	// Bind stages a candidate for execution and returns a handle that must
	// be closed.
	Bind(ctx context.Context, candidate string) (*Handle, error)

	// Run invokes check(candidate) from oracle against a bound candidate.
	Run(ctx context.Context, h *Handle, oracle string) (Result, error)
}

// ErrHandleClosed is returned when running against a closed handle.
var ErrHandleClosed = errors.New("sandbox handle is closed")

// ErrEmptyCandidate is returned by Bind for blank candidate text.
var ErrEmptyCandidate = errors.New("candidate is empty")

const (
	candidateFile = "candidate.py"
	harnessFile   = "harness.py"
)

// Handle is a bound candidate: a private working directory holding the
// candidate source. Close removes it.
type Handle struct {
	dir  string
	keep bool

	mu     sync.Mutex
	closed bool
	runs   int
}

// Dir returns the handle's working directory.
func (h *Handle) Dir() string { return h.dir }

func (h *Handle) candidatePath() string { return filepath.Join(h.dir, candidateFile) }

func (h *Handle) harnessPath() string { return filepath.Join(h.dir, harnessFile) }

// nextOraclePath reserves a fresh oracle file name for one run.
func (h *Handle) nextOraclePath() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", ErrHandleClosed
	}
	h.runs++
	return filepath.Join(h.dir, fmt.Sprintf("oracle_%03d.py", h.runs)), nil
}

// Close removes the handle's directory. It is safe to call more than once.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.keep {
		return nil
	}
	if err := os.RemoveAll(h.dir); err != nil {
		return fmt.Errorf("removing sandbox dir: %w", err)
	}
	return nil
}

// Verify binds candidate, runs oracle against it and tears the handle down
// on every exit path.
func Verify(ctx context.Context, sb Sandbox, candidate, oracle string) (res Result, err error) {
	h, err := sb.Bind(ctx, candidate)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return sb.Run(ctx, h, oracle)
}

func fault(diagnostic string) Result {
	return Result{Kind: OutcomeExecutionFault, Diagnostic: diagnostic}
}
