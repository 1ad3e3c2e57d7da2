package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/archive"
	"github.com/fyrsmithlabs/arbiter/internal/generator"
	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
	"github.com/fyrsmithlabs/arbiter/internal/telemetry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// SolveRequest is the request body for POST /api/v1/solve.
type SolveRequest struct {
	ProblemDescription string `json:"problem_description"`
	TestCases          string `json:"test_cases"`
	// Oracle overrides TestCases for verification.
	Oracle string `json:"oracle,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

// VerifyRequest is the request body for POST /api/v1/verify.
type VerifyRequest struct {
	Candidate string `json:"candidate"`
	Oracle    string `json:"oracle"`
}

// FormatRequest is the request body for POST /api/v1/format.
type FormatRequest struct {
	Text string `json:"text"`
}

// ValidateRequest is the request body for POST /api/v1/validate/:stage.
type ValidateRequest struct {
	Output string `json:"output"`
}

// ValidateResponse reports whether a stage output satisfies its contract.
type ValidateResponse struct {
	Stage  string `json:"stage"`
	Valid  bool   `json:"valid"`
	Value  any    `json:"value,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SearchResponse is the response body for GET /api/v1/solutions.
type SearchResponse struct {
	Query   string          `json:"query"`
	Matches []archive.Match `json:"matches"`
}

// ErrorResponse is returned for stage failures.
type ErrorResponse struct {
	Error    string `json:"error"`
	Stage    string `json:"stage,omitempty"`
	BranchID string `json:"branch_id,omitempty"`
}

// handleHealth reports "degraded" while telemetry exporters are failing. The
// API itself still serves, so the status code stays 200.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.deps.Version}
	if s.deps.Telemetry != nil {
		h := s.deps.Telemetry.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSolve runs a full pipeline synchronously. A rejected solution is a
// 200 with accepted=false in the verification result.
func (s *Server) handleSolve(c echo.Context) error {
	if s.deps.Solver == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "solver is not configured")
	}
	var req SolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	art, err := s.deps.Solver.Run(ctx, schema.ProblemSpec{
		ProblemDescription: req.ProblemDescription,
		TestCases:          req.TestCases,
	}, pipeline.RunOptions{RunID: req.RunID, Oracle: req.Oracle})
	if err != nil {
		return s.solveError(c, err)
	}
	return c.JSON(http.StatusOK, art)
}

func (s *Server) solveError(c echo.Context, err error) error {
	var se *pipeline.StageError
	switch {
	case errors.As(err, &se):
		status := http.StatusBadGateway
		if generator.IsTransient(err) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn(c.Request().Context(), "solve failed", zap.Error(err))
		return c.JSON(status, ErrorResponse{Error: err.Error(), Stage: string(se.Stage), BranchID: se.BranchID})
	case errors.Is(err, schema.ErrSchemaViolation), errors.Is(err, pipeline.ErrNoOracle), errors.Is(err, pipeline.ErrInvalidRunID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request canceled")
	}
	s.logger.Error(c.Request().Context(), "solve failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "solve failed")
}

// handleVerify runs a candidate against an oracle in the sandbox.
func (s *Server) handleVerify(c echo.Context) error {
	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Oracle) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "oracle field is required")
	}

	res, err := sandbox.Verify(c.Request().Context(), s.deps.Sandbox, req.Candidate, req.Oracle)
	if errors.Is(err, sandbox.ErrEmptyCandidate) {
		return echo.NewHTTPError(http.StatusBadRequest, "candidate field is required")
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "verification failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "verification failed")
	}
	return c.JSON(http.StatusOK, res)
}

// handleFormat checks the reasoning/answer segment structure of a text.
func (s *Server) handleFormat(c echo.Context) error {
	var req FormatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.JSON(http.StatusOK, s.deps.Format.Parse(req.Text))
}

// handleValidate checks raw stage output against its registered contract.
// A violation is a 200 with valid=false; an unknown stage is a 404.
func (s *Server) handleValidate(c echo.Context) error {
	stage := c.Param("stage")
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	value, err := schema.ParseStage(stage, req.Output)
	if errors.Is(err, schema.ErrUnknownStage) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, validateResponse(stage, value, err))
}

func validateResponse(stage string, value any, err error) ValidateResponse {
	if err == nil {
		return ValidateResponse{Stage: stage, Valid: true, Value: value}
	}
	resp := ValidateResponse{Stage: stage, Reason: err.Error()}
	var ve *schema.ViolationError
	if errors.As(err, &ve) {
		resp.Kind = ve.Kind.Error()
		resp.Field = ve.Field
		resp.Reason = ve.Reason
	}
	return resp
}

// handleSearch looks up archived solutions similar to ?q=.
func (s *Server) handleSearch(c echo.Context) error {
	if s.deps.Searcher == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "archive is not enabled")
	}
	query := c.QueryParam("q")
	if strings.TrimSpace(query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q parameter is required")
	}
	k := 0
	if raw := c.QueryParam("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "k must be a positive integer")
		}
		k = n
	}

	matches, err := s.deps.Searcher.Search(c.Request().Context(), query, k)
	if err != nil {
		s.logger.Error(c.Request().Context(), "archive search failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
	if matches == nil {
		matches = []archive.Match{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: query, Matches: matches})
}
