package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/prompt"
)

// Langchain drives any OpenAI-compatible endpoint through langchaingo, e.g.
// a local vLLM or Ollama server.
type Langchain struct {
	llm         llms.Model
	maxTokens   int
	temperature float64
}

// NewLangchain creates a langchaingo backend. Local servers often ignore
// the token, so a placeholder is used when none is configured.
func NewLangchain(cfg config.GeneratorConfig) (*Langchain, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}

	token := cfg.APIKey.Value()
	if token == "" {
		token = "placeholder"
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
		openai.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating langchaingo client: %w", err)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Langchain{llm: llm, maxTokens: maxTokens, temperature: cfg.Temperature}, nil
}

// Generate sends p as a single prompt.
func (l *Langchain) Generate(ctx context.Context, _ prompt.StageID, p string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, l.llm, p,
		llms.WithMaxTokens(l.maxTokens),
		llms.WithTemperature(l.temperature),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransientError{Err: fmt.Errorf("langchaingo generation failed: %w", err)}
	}
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}
