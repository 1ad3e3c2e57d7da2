package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/archive"
	"github.com/fyrsmithlabs/arbiter/internal/format"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/sandbox"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
	"github.com/fyrsmithlabs/arbiter/internal/secrets"
)

// Solver runs one pipeline. *pipeline.Executor implements it.
type Solver interface {
	Run(ctx context.Context, problem schema.ProblemSpec, opts pipeline.RunOptions) (*pipeline.Artifacts, error)
}

// Searcher finds archived solutions. *archive.Archive implements it.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]archive.Match, error)
}

// Deps are the services behind the tools. Solver, Searcher and Redactor are
// optional; solve_problem and search_solutions are only registered when
// their service is set.
type Deps struct {
	Solver   Solver
	Sandbox  sandbox.Sandbox
	Format   *format.Validator
	Searcher Searcher
	Redactor *secrets.Redactor
}

// Server is an MCP server that calls arbiter packages directly.
type Server struct {
	mcp      *mcp.Server
	deps     Deps
	registry *ToolRegistry
	metrics  *Metrics
	logger   *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "arbiter")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "arbiter",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates a new MCP server with the given services.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Name == "" {
		cfg.Name = "arbiter"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if deps.Sandbox == nil {
		return nil, errors.New("sandbox is required")
	}
	if deps.Format == nil {
		deps.Format = format.Default()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		deps:     deps,
		registry: NewToolRegistry(),
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Tools returns the registered tool metadata sorted by name.
func (s *Server) Tools() []*ToolMetadata {
	return s.registry.List()
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session on t. Run is the stdio equivalent.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

func (s *Server) redact(text string) string {
	out, audit := s.deps.Redactor.Redact(text)
	if audit.Total() > 0 {
		s.logger.Debug(context.Background(), "redacted tool output", zap.Int("findings", audit.Total()))
	}
	return out
}
