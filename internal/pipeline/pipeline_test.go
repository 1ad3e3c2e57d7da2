package pipeline

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/events"
	"github.com/fyrsmithlabs/arbiter/internal/generator"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/prompt"
	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
	"github.com/fyrsmithlabs/arbiter/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	planJSON      = `{"problem_description": "sum two integers", "approaches": ["direct addition", "bitwise add", "sum of a list"]}`
	reasoningJSON = "```json\n" + `{
  "algorithm_breakdown": "return a + b",
  "data_structures_needed": [],
  "implementation_steps": ["add", "return"],
  "edge_cases": ["negatives"],
  "complexity_analysis": "O(1)",
  "potential_pitfalls": []
}` + "\n```"
	addCode  = "```python\ndef f(a, b):\n    return a + b\n```"
	subCode  = "```python\ndef f(a, b):\n    return a - b\n```"
	oracle   = "def check(candidate): assert candidate(2,3)==5; assert candidate(-1,1)==0"
	evalText = "approach-01 is simplest and correct."
)

var sumProblem = schema.ProblemSpec{ProblemDescription: "sum two integers", TestCases: oracle}

// script returns a generator with one canned response per stage.
func script(overrides map[prompt.StageID]generator.Func) generator.Generator {
	defaults := map[prompt.StageID]string{
		prompt.Planner:     planJSON,
		prompt.Reasoning:   reasoningJSON,
		prompt.Coding:      addCode,
		prompt.Evaluator:   evalText,
		prompt.Synthesizer: addCode,
	}
	return generator.Func(func(ctx context.Context, stage prompt.StageID, p string) (string, error) {
		if fn, ok := overrides[stage]; ok {
			return fn(ctx, stage, p)
		}
		out, ok := defaults[stage]
		if !ok {
			return "", errors.New("unexpected stage " + string(stage))
		}
		return out, nil
	})
}

// fakeSandbox passes any candidate containing "a + b".
type fakeSandbox struct {
	mu         sync.Mutex
	candidates []string
	oracles    []string
	err        error
}

func (f *fakeSandbox) Bind(_ context.Context, candidate string) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil, nil
}

func (f *fakeSandbox) Run(_ context.Context, _ *sandbox.Handle, oracle string) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oracles = append(f.oracles, oracle)
	if f.err != nil {
		return sandbox.Result{}, f.err
	}
	if strings.Contains(f.candidates[len(f.candidates)-1], "a + b") {
		return sandbox.Result{Passed: true, Kind: sandbox.OutcomePassed}, nil
	}
	return sandbox.Result{Kind: sandbox.OutcomeAssertionFailure, Diagnostic: "assertion failed: assert candidate(2,3)==5"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) has(stage string, status events.Status, branchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Stage == stage && ev.Status == status && ev.BranchID == branchID {
			return true
		}
	}
	return false
}

// index returns the position of the first matching event, or -1.
func (r *recordingPublisher) index(stage string, status events.Status, branchID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if ev.Stage == stage && ev.Status == status && ev.BranchID == branchID {
			return i
		}
	}
	return -1
}

type recorder struct {
	runs []*Artifacts
}

func (r *recorder) Record(_ context.Context, a *Artifacts) error {
	r.runs = append(r.runs, a)
	return nil
}

func newExecutor(t *testing.T, gen generator.Generator, sb sandbox.Sandbox, opts ...Option) *Executor {
	t.Helper()
	prompts, err := prompt.Default()
	require.NoError(t, err)
	return NewExecutor(NewStages(gen, prompts, WithStageTimeout(5*time.Second)), sb, opts...)
}

func TestSelectApproaches(t *testing.T) {
	five := []string{"a", "b", "c", "d", "e"}
	two := []string{"a", "b"}

	tests := []struct {
		name       string
		approaches []string
		width      int
		policy     string
		want       []string
		wantErr    error
	}{
		{name: "truncate more", approaches: five, width: 3, policy: config.FanOutTruncate, want: []string{"a", "b", "c"}},
		{name: "truncate fewer", approaches: two, width: 3, policy: config.FanOutTruncate, want: []string{"a", "b"}},
		{name: "default policy truncates", approaches: five, width: 2, want: []string{"a", "b"}},
		{name: "pad cycles", approaches: two, width: 5, policy: config.FanOutPad, want: []string{"a", "b", "a", "b", "a"}},
		{name: "pad more truncates", approaches: five, width: 3, policy: config.FanOutPad, want: []string{"a", "b", "c"}},
		{name: "strict exact", approaches: two, width: 2, policy: config.FanOutStrict, want: []string{"a", "b"}},
		{name: "strict mismatch", approaches: five, width: 3, policy: config.FanOutStrict, wantErr: schema.ErrSchemaViolation},
		{name: "no approaches", approaches: nil, width: 3, policy: config.FanOutPad, wantErr: schema.ErrSchemaViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectApproaches(tt.approaches, tt.width, tt.policy)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i, a := range got {
				assert.Equal(t, tt.want[i], a.Approach)
				assert.Equal(t, BranchID(i), a.ID)
			}

			again, err := SelectApproaches(tt.approaches, tt.width, tt.policy)
			require.NoError(t, err)
			assert.Equal(t, got, again, "selection is deterministic")
		})
	}

	_, err := SelectApproaches(two, 0, config.FanOutTruncate)
	assert.Error(t, err)
	_, err = SelectApproaches(two, 3, "random")
	assert.Error(t, err)
}

func TestBranchID(t *testing.T) {
	assert.Equal(t, "approach-01", BranchID(0))
	assert.Equal(t, "approach-12", BranchID(11))
}

func TestRun_EndToEnd(t *testing.T) {
	sb := &fakeSandbox{}
	pub := &recordingPublisher{}
	rec := &recorder{}
	e := newExecutor(t, script(nil), sb, WithPublisher(pub), WithRecorder(rec))

	art, err := e.Run(context.Background(), sumProblem, RunOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, art.RunID)
	assert.Equal(t, []string{"direct addition", "bitwise add", "sum of a list"}, art.Plan.Approaches)
	require.Len(t, art.Branches, 3)
	for i, b := range art.Branches {
		assert.Equal(t, BranchID(i), b.ID)
		assert.Equal(t, art.Plan.Approaches[i], b.Approach)
		assert.Equal(t, b.ID, b.Candidate.BranchID)
		assert.Equal(t, "def f(a, b):\n    return a + b\n", b.Candidate.Code)
		assert.Equal(t, []string{"add", "return"}, b.Reasoning.ImplementationSteps)
	}
	assert.Equal(t, evalText, art.Evaluation.Text)
	assert.Equal(t, FinalBranchID, art.Final.BranchID)
	assert.True(t, art.Accepted())
	assert.Equal(t, sandbox.OutcomePassed, art.Verification.Kind)

	require.Len(t, sb.oracles, 1)
	assert.Equal(t, oracle, sb.oracles[0], "test cases are the default oracle")
	assert.Equal(t, []*Artifacts{art}, rec.runs)

	assert.True(t, pub.has("planner", events.StatusStarted, ""))
	assert.True(t, pub.has("planner", events.StatusCompleted, ""))
	assert.True(t, pub.has("reasoning", events.StatusCompleted, "approach-03"))
	assert.True(t, pub.has("verification", events.StatusCompleted, ""))
}

func TestRun_BranchStagesPublishedSeparately(t *testing.T) {
	pub := &recordingPublisher{}
	e := newExecutor(t, script(nil), &fakeSandbox{}, WithPublisher(pub))

	_, err := e.Run(context.Background(), sumProblem, RunOptions{})
	require.NoError(t, err)

	for i := range 3 {
		id := BranchID(i)
		reasoned := pub.index("reasoning", events.StatusCompleted, id)
		started := pub.index("coding", events.StatusStarted, id)
		coded := pub.index("coding", events.StatusCompleted, id)
		require.GreaterOrEqual(t, reasoned, 0, id)
		require.GreaterOrEqual(t, started, 0, id)
		require.GreaterOrEqual(t, coded, 0, id)
		assert.Less(t, reasoned, started, "coding starts after reasoning completes for %s", id)
		assert.Less(t, started, coded)
	}
}

func TestRun_CodingFailurePublishedAsCoding(t *testing.T) {
	pub := &recordingPublisher{}
	gen := script(map[prompt.StageID]generator.Func{
		prompt.Coding: func(context.Context, prompt.StageID, string) (string, error) { return "```python\n```", nil },
	})

	_, err := newExecutor(t, gen, &fakeSandbox{}, WithPublisher(pub)).Run(context.Background(), sumProblem, RunOptions{})
	require.Error(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	var codingFailed bool
	for _, ev := range pub.events {
		if ev.Stage == "coding" && ev.Status == events.StatusFailed {
			codingFailed = true
			assert.True(t, strings.HasPrefix(ev.BranchID, "approach-"), ev.BranchID)
		}
	}
	assert.True(t, codingFailed)
}

func TestRun_VerificationFailureIsAValue(t *testing.T) {
	sb := &fakeSandbox{}
	pub := &recordingPublisher{}
	rec := &recorder{}
	gen := script(map[prompt.StageID]generator.Func{
		prompt.Synthesizer: func(context.Context, prompt.StageID, string) (string, error) { return subCode, nil },
	})
	e := newExecutor(t, gen, sb, WithPublisher(pub), WithRecorder(rec))

	art, err := e.Run(context.Background(), sumProblem, RunOptions{Oracle: "def check(c): assert c(2,3)==5"})
	require.NoError(t, err)
	assert.False(t, art.Accepted())
	assert.Equal(t, sandbox.OutcomeAssertionFailure, art.Verification.Kind)
	assert.Contains(t, art.Verification.Diagnostic, "candidate(2,3)==5")
	assert.Equal(t, "def check(c): assert c(2,3)==5", sb.oracles[0], "explicit oracle wins")
	assert.Empty(t, rec.runs, "rejected runs are not recorded")
	assert.True(t, pub.has("verification", events.StatusFailed, ""))
}

func TestRun_BranchesRunInParallelAndJoinBeforeEvaluate(t *testing.T) {
	const width = 3
	var (
		started   sync.WaitGroup
		coded     atomic.Int32
		evaluated atomic.Bool
	)
	started.Add(width)

	gen := script(map[prompt.StageID]generator.Func{
		prompt.Reasoning: func(ctx context.Context, _ prompt.StageID, _ string) (string, error) {
			started.Done()
			// Every branch must be in flight at once for this to return.
			done := make(chan struct{})
			go func() { started.Wait(); close(done) }()
			select {
			case <-done:
				return reasoningJSON, nil
			case <-time.After(3 * time.Second):
				return "", errors.New("branches did not run in parallel")
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
		prompt.Coding: func(context.Context, prompt.StageID, string) (string, error) {
			assert.False(t, evaluated.Load(), "evaluator started before a branch finished")
			time.Sleep(20 * time.Millisecond)
			coded.Add(1)
			return addCode, nil
		},
		prompt.Evaluator: func(_ context.Context, _ prompt.StageID, p string) (string, error) {
			evaluated.Store(true)
			assert.Equal(t, int32(width), coded.Load(), "evaluator must observe every branch")
			for i := 0; i < width; i++ {
				assert.Contains(t, p, "("+BranchID(i)+") Solution:")
			}
			return evalText, nil
		},
	})

	e := newExecutor(t, gen, &fakeSandbox{}, WithWidth(width))
	art, err := e.Run(context.Background(), sumProblem, RunOptions{})
	require.NoError(t, err)
	assert.Len(t, art.Branches, width)
}

func TestRun_FanOutPolicies(t *testing.T) {
	onePlan := `{"problem_description": "p", "approaches": ["only one"]}`
	gen := func() generator.Generator {
		return script(map[prompt.StageID]generator.Func{
			prompt.Planner: func(context.Context, prompt.StageID, string) (string, error) { return onePlan, nil },
		})
	}

	art, err := newExecutor(t, gen(), &fakeSandbox{}, WithFanOutPolicy(config.FanOutTruncate)).Run(context.Background(), sumProblem, RunOptions{})
	require.NoError(t, err)
	assert.Len(t, art.Branches, 1)

	art, err = newExecutor(t, gen(), &fakeSandbox{}, WithFanOutPolicy(config.FanOutPad)).Run(context.Background(), sumProblem, RunOptions{})
	require.NoError(t, err)
	require.Len(t, art.Branches, 3)
	assert.Equal(t, "approach-03", art.Branches[2].ID)
	assert.Equal(t, "only one", art.Branches[2].Approach)

	_, err = newExecutor(t, gen(), &fakeSandbox{}, WithFanOutPolicy(config.FanOutStrict)).Run(context.Background(), sumProblem, RunOptions{})
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, prompt.Planner, se.Stage)
}

func TestRun_StageFailuresBlockDownstream(t *testing.T) {
	var evaluatorCalls atomic.Int32
	countEval := func(context.Context, prompt.StageID, string) (string, error) {
		evaluatorCalls.Add(1)
		return evalText, nil
	}

	tests := []struct {
		name     string
		override map[prompt.StageID]generator.Func
		stage    prompt.StageID
		branch   bool
		kind     error
	}{
		{
			name: "planner format violation",
			override: map[prompt.StageID]generator.Func{
				prompt.Planner: func(context.Context, prompt.StageID, string) (string, error) { return "three ideas, no json", nil },
			},
			stage: prompt.Planner,
			kind:  schema.ErrFormatViolation,
		},
		{
			name: "planner schema violation",
			override: map[prompt.StageID]generator.Func{
				prompt.Planner: func(context.Context, prompt.StageID, string) (string, error) {
					return `{"problem_description": "p", "approaches": []}`, nil
				},
			},
			stage: prompt.Planner,
			kind:  schema.ErrSchemaViolation,
		},
		{
			name: "one branch reasoning violation",
			override: map[prompt.StageID]generator.Func{
				prompt.Reasoning: func(_ context.Context, _ prompt.StageID, p string) (string, error) {
					if strings.Contains(p, "bitwise add") {
						return `{"algorithm_breakdown": "x"}`, nil
					}
					return reasoningJSON, nil
				},
			},
			stage:  prompt.Reasoning,
			branch: true,
			kind:   schema.ErrSchemaViolation,
		},
		{
			name: "empty code",
			override: map[prompt.StageID]generator.Func{
				prompt.Coding: func(context.Context, prompt.StageID, string) (string, error) { return "```python\n```", nil },
			},
			stage:  prompt.Coding,
			branch: true,
			kind:   schema.ErrFormatViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evaluatorCalls.Store(0)
			tt.override[prompt.Evaluator] = countEval
			sb := &fakeSandbox{}

			art, err := newExecutor(t, script(tt.override), sb).Run(context.Background(), sumProblem, RunOptions{})
			assert.Nil(t, art)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.stage, se.Stage)
			if tt.branch {
				assert.True(t, strings.HasPrefix(se.BranchID, "approach-"), se.BranchID)
			}

			assert.Zero(t, evaluatorCalls.Load(), "no partial artifact flows downstream")
			assert.Empty(t, sb.candidates)
		})
	}
}

func TestRun_GeneratorErrorPropagates(t *testing.T) {
	boom := &generator.TransientError{Err: errors.New("overloaded")}
	gen := script(map[prompt.StageID]generator.Func{
		prompt.Synthesizer: func(context.Context, prompt.StageID, string) (string, error) { return "", boom },
	})

	_, err := newExecutor(t, gen, &fakeSandbox{}).Run(context.Background(), sumProblem, RunOptions{})
	require.Error(t, err)
	assert.True(t, generator.IsTransient(err))
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, prompt.Synthesizer, se.Stage)
}

func TestRun_SandboxInfrastructureError(t *testing.T) {
	sb := &fakeSandbox{err: errors.New("no python")}
	_, err := newExecutor(t, script(nil), sb).Run(context.Background(), sumProblem, RunOptions{})
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, prompt.Verification, se.Stage)
}

func TestRun_InputValidation(t *testing.T) {
	e := newExecutor(t, script(nil), &fakeSandbox{})

	_, err := e.Run(context.Background(), schema.ProblemSpec{TestCases: oracle}, RunOptions{})
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)

	_, err = e.Run(context.Background(), schema.ProblemSpec{ProblemDescription: "p"}, RunOptions{})
	assert.ErrorIs(t, err, ErrNoOracle)

	_, err = e.Run(context.Background(), sumProblem, RunOptions{RunID: "bad id!"})
	assert.ErrorIs(t, err, ErrInvalidRunID)

	art, err := e.Run(context.Background(), sumProblem, RunOptions{RunID: "run-42"})
	require.NoError(t, err)
	assert.Equal(t, "run-42", art.RunID)
}

func TestRun_LogsAndSpans(t *testing.T) {
	tl := logging.NewTestLogger()
	tt := telemetry.NewTestTelemetry()
	tracer := tt.Tracer("test")

	prompts, err := prompt.Default()
	require.NoError(t, err)
	stages := NewStages(script(nil), prompts, WithStageTracer(tracer), WithStageLogger(tl.Logger))
	e := NewExecutor(stages, &fakeSandbox{}, WithTracer(tracer), WithLogger(tl.Logger))

	art, err := e.Run(context.Background(), sumProblem, RunOptions{})
	require.NoError(t, err)

	tt.AssertSpanExists(t, "pipeline.Run")
	tt.AssertSpanExists(t, "pipeline.planner")
	assert.Len(t, tt.SpansNamed("pipeline.reasoning"), 3)
	assert.Len(t, tt.SpansNamed("pipeline.coding"), 3)
	tt.AssertSpanExists(t, "pipeline.synthesizer")

	tl.AssertLogged(t, zapcore.InfoLevel, "run finished")
	tl.AssertField(t, "run finished", "run_id", art.RunID)
}

func TestRun_WithPythonSandbox(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	cfg := config.Default().Sandbox
	cfg.WorkDir = t.TempDir()
	sb, err := sandbox.New(cfg)
	require.NoError(t, err)

	art, err := newExecutor(t, script(nil), sb).Run(context.Background(), sumProblem, RunOptions{})
	require.NoError(t, err)
	assert.True(t, art.Accepted(), art.Verification.Diagnostic)

	gen := script(map[prompt.StageID]generator.Func{
		prompt.Synthesizer: func(context.Context, prompt.StageID, string) (string, error) { return subCode, nil },
	})
	art, err = newExecutor(t, gen, sb).Run(context.Background(), sumProblem, RunOptions{})
	require.NoError(t, err)
	assert.False(t, art.Accepted())
	assert.Equal(t, "assertion failed: assert candidate(2,3)==5", art.Verification.Diagnostic)
}
