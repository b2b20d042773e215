// Package vector abstracts the chunk index backends. Both providers expose
// hybrid search: a dense similarity pass and a sparse keyword pass blended
// by caller-supplied weights.
package vector

import (
	"context"
	"fmt"

	"github.com/quillhq/quill/pkg/config"
)

// Result is one scored chunk from the index.
type Result struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]interface{}
}

// Provider is the chunk index surface used by retrieval.
//
// Filters match metadata equality; a list-valued filter entry means "any of".
type Provider interface {
	Name() string
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]interface{}) error

	// HybridSearch blends dense similarity (vector) with sparse keyword
	// relevance (query text) using the given weights.
	HybridSearch(ctx context.Context, collection, query string, vector []float32, topK int,
		filter map[string]interface{}, denseWeight, sparseWeight float64) ([]Result, error)

	Delete(ctx context.Context, collection, id string) error
	DeleteCollection(ctx context.Context, collection string) error
	Close() error
}

// New builds a provider from configuration.
func New(cfg *config.VectorStoreConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vector store config cannot be nil")
	}

	switch cfg.Type {
	case "qdrant":
		return NewQdrantProvider(cfg)
	case "chromem":
		return NewChromemProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector store type: %s (supported: qdrant, chromem)", cfg.Type)
	}
}
