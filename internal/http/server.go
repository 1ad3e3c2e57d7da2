// Package http provides the arbiter HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/archive"
	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/format"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
	"github.com/fyrsmithlabs/arbiter/internal/telemetry"
)

// Solver runs one pipeline. *pipeline.Executor implements it.
type Solver interface {
	Run(ctx context.Context, problem schema.ProblemSpec, opts pipeline.RunOptions) (*pipeline.Artifacts, error)
}

// Searcher finds archived solutions. *archive.Archive implements it.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]archive.Match, error)
}

// Deps are the services behind the API. Solver and Searcher are optional;
// their routes answer 503 when unset.
type Deps struct {
	Solver   Solver
	Sandbox  sandbox.Sandbox
	Format   *format.Validator
	Searcher Searcher
	Version  string

	// Telemetry feeds /health. Nil omits the telemetry section.
	Telemetry *telemetry.Telemetry
}

// Server provides HTTP endpoints for arbiter.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *logging.Logger
	config config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg config.ServerConfig) (*Server, error) {
	if deps.Sandbox == nil {
		return nil, errors.New("sandbox cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if deps.Format == nil {
		deps.Format = format.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 9191
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(requestLogger(logger))
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

// requestLogger logs every request and tags its context with the request ID.
func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := req.Context()
			if id := c.Response().Header().Get(echo.HeaderXRequestID); logging.ValidateID(id) == nil {
				ctx = logging.WithRequestID(ctx, id)
				c.SetRequest(req.WithContext(ctx))
			}

			err := next(c)
			if err != nil {
				// Let echo write the error so the logged status is final.
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/solve", s.handleSolve)
	v1.POST("/verify", s.handleVerify)
	v1.POST("/format", s.handleFormat)
	v1.POST("/validate/:stage", s.handleValidate)
	v1.GET("/solutions", s.handleSearch)
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
