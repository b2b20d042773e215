package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/quillhq/quill/pkg/config"
)

// ChromemProvider is the embedded zero-config backend. Vectors live in
// memory (optionally persisted to disk); the sparse side of hybrid search
// is an in-process keyword scorer over chunk text.
//
// Single-process and memory-bound; use qdrant for production scale.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func NewChromemProvider(cfg *config.VectorStoreConfig) (*ChromemProvider, error) {
	var db *chromem.DB

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := filepath.Join(cfg.PersistPath, "vectors.gob")
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, false)
			if err != nil {
				slog.Warn("Failed to load existing vector database, creating new",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemProvider{
		db:          db,
		persistPath: cfg.PersistPath,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (p *ChromemProvider) Name() string { return "chromem" }

func (p *ChromemProvider) getCollection(name string) (*chromem.Collection, error) {
	p.mu.RLock()
	if col, ok := p.collections[name]; ok {
		p.mu.RUnlock()
		return col, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if col, ok := p.collections[name]; ok {
		return col, nil
	}

	// Vectors are pre-computed by the embedder; the stored embedding
	// function must never run.
	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectors must be pre-computed")
	}
	col, err := p.db.GetOrCreateCollection(name, nil, embedFn)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}
	p.collections[name] = col
	return col, nil
}

func (p *ChromemProvider) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]interface{}) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	strMetadata := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMetadata[k] = fmt.Sprint(v)
	}
	content := ""
	if c, ok := metadata["content"].(string); ok {
		content = c
	}

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  strMetadata,
		Embedding: vector,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist vector database", "error", err)
	}
	return nil
}

func (p *ChromemProvider) HybridSearch(ctx context.Context, collection, query string, vector []float32, topK int,
	filter map[string]interface{}, denseWeight, sparseWeight float64) ([]Result, error) {

	col, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}

	var whereFilter map[string]string
	if len(filter) > 0 {
		whereFilter = make(map[string]string, len(filter))
		for k, v := range filter {
			// chromem filters are exact string equality; list values fall
			// back to their first element.
			if list, ok := v.([]interface{}); ok && len(list) > 0 {
				whereFilter[k] = fmt.Sprint(list[0])
				continue
			}
			whereFilter[k] = fmt.Sprint(v)
		}
	}

	// Over-fetch the dense pass so keyword blending can promote chunks
	// the dense ranking alone would cut off.
	fetch := topK * 3
	if count := col.Count(); fetch > count {
		fetch = count
	}
	if fetch == 0 {
		return []Result{}, nil
	}

	docs, err := col.QueryEmbedding(ctx, vector, fetch, whereFilter, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	queryTokens := tokenize(query)
	results := make([]Result, 0, len(docs))
	for _, d := range docs {
		metadata := make(map[string]interface{}, len(d.Metadata))
		for k, v := range d.Metadata {
			metadata[k] = v
		}
		sparse := keywordScore(queryTokens, tokenize(d.Content))
		results = append(results, Result{
			ID:       d.ID,
			Content:  d.Content,
			Score:    float32(denseWeight*float64(d.Similarity) + sparseWeight*sparse),
			Metadata: metadata,
		})
	}
	sortByScore(results)

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (p *ChromemProvider) Delete(ctx context.Context, collection, id string) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist vector database", "error", err)
	}
	return nil
}

func (p *ChromemProvider) DeleteCollection(ctx context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	delete(p.collections, collection)
	return nil
}

func (p *ChromemProvider) Close() error {
	return p.persist()
}

func (p *ChromemProvider) persist() error {
	if p.persistPath == "" {
		return nil
	}
	dbPath := filepath.Join(p.persistPath, "vectors.gob")
	if err := p.db.Export(dbPath, false, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}
	return nil
}

var _ Provider = (*ChromemProvider)(nil)
