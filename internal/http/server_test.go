package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/arbiter/internal/archive"
	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/format"
	"github.com/fyrsmithlabs/arbiter/internal/generator"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/prompt"
	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
	"github.com/fyrsmithlabs/arbiter/internal/telemetry"
)

type stubSandbox struct {
	oracle string
}

func (s *stubSandbox) Bind(_ context.Context, candidate string) (*sandbox.Handle, error) {
	if strings.TrimSpace(candidate) == "" {
		return nil, sandbox.ErrEmptyCandidate
	}
	return nil, nil
}

func (s *stubSandbox) Run(_ context.Context, _ *sandbox.Handle, oracle string) (sandbox.Result, error) {
	s.oracle = oracle
	if strings.Contains(oracle, "fail") {
		return sandbox.Result{Kind: sandbox.OutcomeAssertionFailure, Diagnostic: "assertion failed: assert False"}, nil
	}
	return sandbox.Result{Passed: true, Kind: sandbox.OutcomePassed}, nil
}

type stubSolver struct {
	art *pipeline.Artifacts
	err error
}

func (s stubSolver) Run(_ context.Context, problem schema.ProblemSpec, opts pipeline.RunOptions) (*pipeline.Artifacts, error) {
	if s.err != nil {
		return nil, s.err
	}
	art := *s.art
	art.Problem = problem
	art.RunID = opts.RunID
	return &art, nil
}

type stubSearcher struct {
	gotK int
}

func (s *stubSearcher) Search(_ context.Context, query string, k int) ([]archive.Match, error) {
	s.gotK = k
	return []archive.Match{{RunID: "run-1", Problem: query, Code: "x = 1\n", Similarity: 0.9}}, nil
}

func setupTestServer(t *testing.T, deps Deps) (*Server, *logging.TestLogger) {
	t.Helper()
	if deps.Sandbox == nil {
		deps.Sandbox = &stubSandbox{}
	}
	tl := logging.NewTestLogger()
	s, err := NewServer(deps, tl.Logger, config.ServerConfig{BodyLimit: "1K"})
	require.NoError(t, err)
	return s, tl
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(Deps{}, logging.NewNop(), config.ServerConfig{})
	assert.ErrorContains(t, err, "sandbox cannot be nil")

	_, err = NewServer(Deps{Sandbox: &stubSandbox{}}, nil, config.ServerConfig{})
	assert.ErrorContains(t, err, "logger is required")

	s, err := NewServer(Deps{Sandbox: &stubSandbox{}}, logging.NewNop(), config.ServerConfig{})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", s.config.Host)
	assert.Equal(t, 9191, s.config.Port)
	assert.NotNil(t, s.deps.Format, "default tag vocabulary")
}

func TestHandleHealth(t *testing.T) {
	s, tl := setupTestServer(t, Deps{Version: "1.2.3"})

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, HealthResponse{Status: "ok", Version: "1.2.3"}, resp)

	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	tl.AssertField(t, "http request", "uri", "/health")
}

func TestHandleHealth_Telemetry(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.NewDefaultConfig())
	require.NoError(t, err)
	s, _ := setupTestServer(t, Deps{Telemetry: tel})

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Telemetry)
	assert.True(t, resp.Telemetry.Healthy)

	require.NoError(t, tel.Shutdown(context.Background()))
	rec = do(t, s, http.MethodGet, "/health", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Telemetry.Healthy)
}

func TestHandleSolve(t *testing.T) {
	art := &pipeline.Artifacts{
		Final:        pipeline.CandidateSolution{BranchID: pipeline.FinalBranchID, Code: "x = 1\n"},
		Verification: sandbox.Result{Passed: true, Kind: sandbox.OutcomePassed},
	}

	t.Run("returns artifacts", func(t *testing.T) {
		s, _ := setupTestServer(t, Deps{Solver: stubSolver{art: art}})
		rec := do(t, s, http.MethodPost, "/api/v1/solve", SolveRequest{ProblemDescription: "p", TestCases: "t", RunID: "run-9"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var got pipeline.Artifacts
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "run-9", got.RunID)
		assert.Equal(t, "p", got.Problem.ProblemDescription)
		assert.True(t, got.Accepted())
	})

	tests := []struct {
		name   string
		err    error
		status int
		stage  string
	}{
		{name: "stage failure", err: &pipeline.StageError{Stage: prompt.Reasoning, BranchID: "approach-02", Err: schema.SchemaViolation("reasoning", "edge_cases", "required")}, status: http.StatusBadGateway, stage: "reasoning"},
		{name: "transient backend", err: &pipeline.StageError{Stage: prompt.Planner, Err: &generator.TransientError{Err: errors.New("429")}}, status: http.StatusServiceUnavailable, stage: "planner"},
		{name: "bad problem", err: schema.SchemaViolation("problem", "problem_description", "required"), status: http.StatusBadRequest},
		{name: "no oracle", err: pipeline.ErrNoOracle, status: http.StatusBadRequest},
		{name: "internal", err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := setupTestServer(t, Deps{Solver: stubSolver{err: tt.err}})
			rec := do(t, s, http.MethodPost, "/api/v1/solve", SolveRequest{ProblemDescription: "p"})
			assert.Equal(t, tt.status, rec.Code)
			if tt.stage != "" {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.stage, resp.Stage)
			}
		})
	}

	t.Run("no solver", func(t *testing.T) {
		s, _ := setupTestServer(t, Deps{})
		rec := do(t, s, http.MethodPost, "/api/v1/solve", SolveRequest{ProblemDescription: "p"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHandleVerify(t *testing.T) {
	sb := &stubSandbox{}
	s, _ := setupTestServer(t, Deps{Sandbox: sb})

	rec := do(t, s, http.MethodPost, "/api/v1/verify", VerifyRequest{Candidate: "def f(): return 1", Oracle: "def check(c): assert c() == 1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res sandbox.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Passed)
	assert.Equal(t, "def check(c): assert c() == 1", sb.oracle)

	rec = do(t, s, http.MethodPost, "/api/v1/verify", VerifyRequest{Candidate: "def f(): return 1", Oracle: "fail"})
	require.Equal(t, http.StatusOK, rec.Code, "a failed verification is still a 200")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, sandbox.OutcomeAssertionFailure, res.Kind)

	rec = do(t, s, http.MethodPost, "/api/v1/verify", VerifyRequest{Candidate: "  ", Oracle: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/verify", VerifyRequest{Candidate: "x = 1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFormat(t *testing.T) {
	s, _ := setupTestServer(t, Deps{})

	rec := do(t, s, http.MethodPost, "/api/v1/format", FormatRequest{Text: "<think> add </think>\n<answer>5</answer>"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp format.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, "add", resp.Reasoning)
	assert.Equal(t, "5", resp.Answer)

	rec = do(t, s, http.MethodPost, "/api/v1/format", FormatRequest{Text: "<answer>5</answer>"})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	assert.True(t, resp.AnswerFound)
}

func TestHandleValidate(t *testing.T) {
	s, _ := setupTestServer(t, Deps{})

	rec := do(t, s, http.MethodPost, "/api/v1/validate/planner", ValidateRequest{Output: `{"problem_description": "p", "approaches": ["a"]}`})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ValidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)

	rec = do(t, s, http.MethodPost, "/api/v1/validate/planner", ValidateRequest{Output: `{"problem_description": "p", "approaches": []}`})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = ValidateResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	assert.Equal(t, "schema violation", resp.Kind)
	assert.Equal(t, "approaches", resp.Field)

	rec = do(t, s, http.MethodPost, "/api/v1/validate/reasoning", ValidateRequest{Output: "not json"})
	resp = ValidateResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "format violation", resp.Kind)

	rec = do(t, s, http.MethodPost, "/api/v1/validate/bogus", ValidateRequest{Output: "{}"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSearch(t *testing.T) {
	s, _ := setupTestServer(t, Deps{})
	rec := do(t, s, http.MethodGet, "/api/v1/solutions?q=sum", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	searcher := &stubSearcher{}
	s, _ = setupTestServer(t, Deps{Searcher: searcher})

	rec = do(t, s, http.MethodGet, "/api/v1/solutions?q=sum&k=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "run-1", resp.Matches[0].RunID)
	assert.Equal(t, 2, searcher.gotK)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/solutions", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/solutions?q=x&k=0", nil).Code)
}

func TestBodyLimit(t *testing.T) {
	s, _ := setupTestServer(t, Deps{})
	rec := do(t, s, http.MethodPost, "/api/v1/format", FormatRequest{Text: strings.Repeat("x", 4096)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := setupTestServer(t, Deps{})
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
