// Package embedders holds the embedding providers behind the Embedder
// interface used by dense retrieval.
package embedders

import (
	"context"
	"fmt"

	"github.com/quillhq/quill/pkg/config"
)

// Embedder turns text into dense vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	GetDimension() int
	GetModelName() string
	Close() error
}

// New builds an embedder from configuration.
func New(cfg *config.EmbedderConfig) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder config cannot be nil")
	}

	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "ollama":
		return NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s (supported: openai, ollama)", cfg.Type)
	}
}
