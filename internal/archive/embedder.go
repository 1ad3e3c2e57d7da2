package archive

import (
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/arbiter/internal/config"
)

// NewEmbedder creates a langchaingo embedder for any OpenAI-compatible
// embeddings endpoint, including a local TEI server.
func NewEmbedder(cfg config.ArchiveConfig) (Embedder, error) {
	if cfg.EmbeddingBaseURL == "" {
		return nil, errors.New("archive.embedding_base_url is required")
	}
	if cfg.EmbeddingModel == "" {
		return nil, errors.New("archive.embedding_model is required")
	}

	// langchaingo requires a token even when the server ignores it.
	token := "placeholder"
	if cfg.EmbeddingAPIKey.IsSet() {
		token = cfg.EmbeddingAPIKey.Value()
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.EmbeddingBaseURL),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return embedder, nil
}
