package sandbox

import (
	"bytes"
	"context"
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
)

//go:embed harness.py
var harnessSource []byte

// reportPrefix marks the harness report line on stdout.
const reportPrefix = "@@arbiter-report@@ "

// reportRejected prefixes diagnostics for stdout that is not exactly one
// report line carrying the run nonce.
const reportRejected = "harness report rejected: "

const (
	defaultTimeout   = 10 * time.Second
	defaultMaxOutput = 1 << 20
	// waitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the process group is killed.
	waitDelay = 2 * time.Second
)

// passthroughEnv lists the only variables the interpreter inherits.
var passthroughEnv = []string{"PATH", "LANG", "LC_ALL", "LC_CTYPE", "SYSTEMROOT"}

// PythonSandbox runs candidates with a python3 interpreter in isolated
// (-I) mode, in a private directory, with a scrubbed environment and its own
// process group.
type PythonSandbox struct {
	python    string
	timeout   time.Duration
	maxOutput int64
	workDir   string
	keep      bool

	logger *logging.Logger
	tracer trace.Tracer
}

// Option configures a PythonSandbox.
type Option func(*PythonSandbox)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *PythonSandbox) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer sets the tracer used for sandbox.Run spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *PythonSandbox) {
		if t != nil {
			s.tracer = t
		}
	}
}

// New creates a PythonSandbox from configuration. It fails if the
// interpreter cannot be found.
func New(cfg config.SandboxConfig, opts ...Option) (*PythonSandbox, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	resolved, err := exec.LookPath(python)
	if err != nil {
		return nil, fmt.Errorf("locating python interpreter %q: %w", python, err)
	}

	s := &PythonSandbox{
		python:    resolved,
		timeout:   cfg.Timeout.Duration(),
		maxOutput: int64(cfg.MaxOutputBytes),
		workDir:   cfg.WorkDir,
		keep:      cfg.KeepArtifacts,
		logger:    logging.NewNop(),
		tracer:    otel.Tracer("github.com/fyrsmithlabs/arbiter/internal/sandbox"),
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.maxOutput <= 0 {
		s.maxOutput = defaultMaxOutput
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Bind writes the candidate and the harness into a fresh private directory.
func (s *PythonSandbox) Bind(ctx context.Context, candidate string) (*Handle, error) {
	if strings.TrimSpace(candidate) == "" {
		return nil, ErrEmptyCandidate
	}

	dir, err := os.MkdirTemp(s.workDir, "arbiter-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}
	h := &Handle{dir: dir, keep: s.keep}

	if err := os.WriteFile(h.candidatePath(), []byte(candidate), 0o600); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("writing candidate: %w", err)
	}
	if err := os.WriteFile(h.harnessPath(), harnessSource, 0o600); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("writing harness: %w", err)
	}

	s.logger.Debug(ctx, "candidate bound", zap.String("dir", dir), zap.Int("bytes", len(candidate)))
	return h, nil
}

// Run executes check(candidate) from oracle in a fresh interpreter, bounded
// by the configured timeout and output cap.
func (s *PythonSandbox) Run(ctx context.Context, h *Handle, oracle string) (Result, error) {
	if h == nil {
		return Result{}, ErrHandleClosed
	}
	oraclePath, err := h.nextOraclePath()
	if err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(oraclePath, []byte(oracle), 0o600); err != nil {
		return Result{}, fmt.Errorf("writing oracle: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "sandbox.Run")
	defer span.End()

	res, runErr := s.exec(ctx, h, oraclePath)

	span.SetAttributes(
		attribute.String("sandbox.outcome", string(res.Kind)),
		attribute.Bool("sandbox.killed", res.Killed),
		attribute.Int64("sandbox.duration_ms", res.Duration.Milliseconds()),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	observe(res)

	fields := []zap.Field{
		zap.String("outcome", string(res.Kind)),
		zap.Duration("duration", res.Duration),
	}
	if res.Killed {
		fields = append(fields, zap.String("kill_reason", res.KillReason))
	}
	if res.Passed {
		s.logger.Debug(ctx, "verification finished", fields...)
	} else {
		s.logger.Info(ctx, "verification failed", append(fields, logging.Snippet("diagnostic", res.Diagnostic, 200))...)
	}
	return res, runErr
}

func (s *PythonSandbox) exec(ctx context.Context, h *Handle, oraclePath string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Output overflow cancels through its own cause so it can be told
	// apart from the deadline.
	overflowCtx, overflow := context.WithCancelCause(runCtx)
	defer overflow(nil)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: s.maxOutput, onExceed: func() { overflow(errOutputLimit) }}
	stderr := &limitedWriter{w: &stderrBuf, max: s.maxOutput, onExceed: func() { overflow(errOutputLimit) }}

	// The nonce reaches the harness on stdin, which it closes before any
	// user code runs. A report without it did not come from the harness.
	nonce := uuid.NewString()

	cmd := exec.CommandContext(overflowCtx, s.python, "-I", h.harnessPath(), h.candidatePath(), oraclePath)
	cmd.Dir = h.dir
	cmd.Env = s.environment(h.dir)
	cmd.Stdin = strings.NewReader(nonce + "\n")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	var res Result
	switch {
	case errors.Is(context.Cause(overflowCtx), errOutputLimit):
		res = fault(fmt.Sprintf("output exceeded %d bytes", s.maxOutput))
		res.Killed, res.KillReason = true, "output_limit"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res = fault(fmt.Sprintf("timed out after %s", s.timeout))
		res.Killed, res.KillReason = true, "timeout"
	case ctx.Err() != nil:
		res = fault("verification canceled")
		res.Killed, res.KillReason = true, "canceled"
		res.Duration = duration
		return res, ctx.Err()
	default:
		res = parseReport(stdoutBuf.String(), stderrBuf.String(), nonce, err)
	}
	res.Duration = duration
	return res, nil
}

// environment returns the allow-listed child environment. HOME and TMPDIR
// point into the handle directory.
func (s *PythonSandbox) environment(dir string) []string {
	env := make([]string, 0, len(passthroughEnv)+3)
	for _, key := range passthroughEnv {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return append(env, "HOME="+dir, "TMPDIR="+dir, "PYTHONIOENCODING=utf-8")
}

type report struct {
	Nonce      string  `json:"nonce"`
	Outcome    Outcome `json:"outcome"`
	Diagnostic string  `json:"diagnostic"`
}

// parseReport reads the harness report from stdout. The harness routes all
// user output to stderr, so stdout must hold exactly one report line stamped
// with nonce. A missing report is an execution fault carrying the tail of
// stderr; anything else on stdout is rejected as tampering.
func parseReport(stdout, stderr, nonce string, runErr error) Result {
	if strings.TrimSpace(stdout) == "" {
		msg := "interpreter produced no report"
		if runErr != nil {
			msg = fmt.Sprintf("interpreter failed: %v", runErr)
		}
		if tail := tailLines(stderr, 5); tail != "" {
			msg += ": " + tail
		}
		return fault(msg)
	}

	line, ok := strings.CutSuffix(stdout, "\n")
	if !ok || strings.Contains(line, "\n") {
		return fault(reportRejected + "unexpected output on report channel")
	}
	body, ok := strings.CutPrefix(line, reportPrefix)
	if !ok {
		return fault(reportRejected + "unexpected output on report channel")
	}

	var rep report
	if err := json.Unmarshal([]byte(body), &rep); err != nil || !rep.Outcome.Valid() {
		return fault("malformed harness report")
	}
	if nonce == "" || subtle.ConstantTimeCompare([]byte(rep.Nonce), []byte(nonce)) != 1 {
		return fault(reportRejected + "run nonce mismatch")
	}
	if runErr != nil {
		return fault(fmt.Sprintf("interpreter failed after reporting: %v", runErr))
	}
	return Result{
		Passed:     rep.Outcome == OutcomePassed,
		Kind:       rep.Outcome,
		Diagnostic: rep.Diagnostic,
	}
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
