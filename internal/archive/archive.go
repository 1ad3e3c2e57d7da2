// Package archive stores verified solutions in an embedded chromem-go
// collection and finds them again by problem similarity.
//
// Only accepted runs are archived. The document ID is the run ID and the
// document content is the problem description; the code and test cases ride
// along as metadata.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/pipeline"
	"github.com/fyrsmithlabs/arbiter/internal/sanitize"
	"github.com/fyrsmithlabs/arbiter/internal/secrets"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/arbiter/internal/archive")

const defaultK = 5

// Metadata keys.
const (
	metaCode       = "code"
	metaTestCases  = "test_cases"
	metaApproaches = "approaches"
	metaBranches   = "branches"
	metaRecordedAt = "recorded_at"
)

var (
	// ErrEmptyQuery is returned by Search for a blank query.
	ErrEmptyQuery = errors.New("search query cannot be empty")
	// ErrNotAccepted is returned by Record for runs that failed verification.
	ErrNotAccepted = errors.New("only accepted runs are archived")
)

// Embedder turns text into a vector. langchaingo's embeddings.Embedder
// satisfies it.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Match is one archived solution returned by Search.
type Match struct {
	RunID      string    `json:"run_id"`
	Problem    string    `json:"problem"`
	Code       string    `json:"code"`
	TestCases  string    `json:"test_cases,omitempty"`
	Approaches int       `json:"approaches"`
	Branches   int       `json:"branches"`
	RecordedAt time.Time `json:"recorded_at"`
	Similarity float32   `json:"similarity"`
}

// Archive is a persistent collection of verified solutions.
type Archive struct {
	db         *chromem.DB
	collection *chromem.Collection
	redactor   *secrets.Redactor
	logger     *logging.Logger
}

// Option configures an Archive.
type Option func(*Archive)

// WithRedactor redacts problem text and code before they are stored.
func WithRedactor(r *secrets.Redactor) Option {
	return func(a *Archive) { a.redactor = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Archive) {
		if l != nil {
			a.logger = l
		}
	}
}

// Open opens (or creates) the archive at cfg.Path. An empty path keeps the
// archive in memory.
func Open(cfg config.ArchiveConfig, embedder Embedder, opts ...Option) (*Archive, error) {
	if embedder == nil {
		return nil, errors.New("archive: embedder is required")
	}
	if cfg.Collection == "" {
		return nil, errors.New("archive: collection is required")
	}

	a := &Archive{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.Path == "" {
		a.db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding archive path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating archive directory %s: %w", path, err)
		}
		a.db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening archive: %w", err)
		}
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	name := sanitize.Identifier(cfg.Collection)
	col, err := a.db.GetOrCreateCollection(name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", name, err)
	}
	a.collection = col

	a.logger.Debug(context.Background(), "archive opened",
		zap.String("path", cfg.Path),
		zap.String("collection", name),
		zap.Int("documents", col.Count()))
	return a, nil
}

// Count returns the number of archived solutions.
func (a *Archive) Count() int {
	return a.collection.Count()
}

// Record archives an accepted run. It implements pipeline.Recorder.
func (a *Archive) Record(ctx context.Context, art *pipeline.Artifacts) (err error) {
	ctx, span := tracer.Start(ctx, "archive.Record")
	defer func() { endSpan(span, err) }()

	if !art.Accepted() {
		return ErrNotAccepted
	}
	span.SetAttributes(attribute.String("archive.run_id", art.RunID))

	problem := a.redact(art.Problem.ProblemDescription)
	doc := chromem.Document{
		ID:      art.RunID,
		Content: problem,
		Metadata: map[string]string{
			metaCode:       a.redact(art.Final.Code),
			metaTestCases:  a.redact(art.Problem.TestCases),
			metaApproaches: strconv.Itoa(len(art.Plan.Approaches)),
			metaBranches:   strconv.Itoa(len(art.Branches)),
			metaRecordedAt: art.StartedAt.Add(art.Duration).UTC().Format(time.RFC3339),
		},
	}
	if err := a.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("archiving run %s: %w", art.RunID, err)
	}

	a.logger.Info(ctx, "archived verified solution", zap.Int("documents", a.collection.Count()))
	return nil
}

// Search returns up to k archived solutions most similar to query. k <= 0
// means 5.
func (a *Archive) Search(ctx context.Context, query string, k int) (matches []Match, err error) {
	ctx, span := tracer.Start(ctx, "archive.Search")
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = defaultK
	}
	// chromem rejects nResults larger than the collection.
	k = min(k, a.collection.Count())
	span.SetAttributes(attribute.Int("archive.k", k))
	if k == 0 {
		return nil, nil
	}

	results, err := a.collection.Query(ctx, a.redact(query), k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("searching archive: %w", err)
	}

	matches = make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, toMatch(r))
	}
	return matches, nil
}

func (a *Archive) redact(text string) string {
	if !a.redactor.Enabled() {
		return text
	}
	out, _ := a.redactor.Redact(text)
	return out
}

func toMatch(r chromem.Result) Match {
	m := Match{
		RunID:      r.ID,
		Problem:    r.Content,
		Code:       r.Metadata[metaCode],
		TestCases:  r.Metadata[metaTestCases],
		Similarity: r.Similarity,
	}
	m.Approaches, _ = strconv.Atoi(r.Metadata[metaApproaches])
	m.Branches, _ = strconv.Atoi(r.Metadata[metaBranches])
	m.RecordedAt, _ = time.Parse(time.RFC3339, r.Metadata[metaRecordedAt])
	return m
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
