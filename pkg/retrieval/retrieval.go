// Package retrieval implements the retrieval-augmented search fabric: query
// strategy, preparation, concurrent hybrid search, aggregation and optional
// reranking over the chunk index.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/embedders"
	"github.com/quillhq/quill/pkg/observability"
	"github.com/quillhq/quill/pkg/vector"
)

// Chunk is one retrieved unit of indexed text.
type Chunk struct {
	ChunkID  string                 `json:"chunk_id"`
	DocID    string                 `json:"doc_id,omitempty"`
	Content  string                 `json:"content"`
	Score    float32                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Request shapes one retrieve call.
type Request struct {
	Query    string
	NResults int

	// Filter scoping, applied in precedence order: group, id list, single id.
	DocumentGroupID string
	FilterDocIDs    []string
	FilterDocID     string

	UseReranker  bool
	DenseWeight  float64
	SparseWeight float64

	// Techniques overrides the configured technique pool when non-empty.
	Techniques []Technique

	ResearchContext string
	AgentContext    string
}

// GroupResolver expands a document group into its member doc ids.
type GroupResolver interface {
	DocIDs(ctx context.Context, groupID string) ([]string, error)
}

// ModelCaller is the narrow LLM surface the engine needs for query
// enhancement and reranking. Backed by the fast dispatch tier.
type ModelCaller interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Engine executes the retrieval pipeline.
type Engine struct {
	vector     vector.Provider
	embedder   embedders.Embedder
	collection string
	settings   config.SearchSettings

	strategist Strategist
	preparer   *Preparer
	reranker   Reranker
	groups     GroupResolver
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithStrategist(s Strategist) Option { return func(e *Engine) { e.strategist = s } }

func WithReranker(r Reranker) Option { return func(e *Engine) { e.reranker = r } }

func WithGroupResolver(g GroupResolver) Option { return func(e *Engine) { e.groups = g } }

func WithModelCaller(m ModelCaller) Option { return func(e *Engine) { e.preparer = NewPreparer(m) } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine builds a retrieval engine over a vector provider and embedder.
func NewEngine(provider vector.Provider, embedder embedders.Embedder, collection string,
	settings config.SearchSettings, opts ...Option) *Engine {

	e := &Engine{
		vector:     provider,
		embedder:   embedder,
		collection: collection,
		settings:   settings,
		strategist: NewRuleStrategist(settings.Techniques),
		preparer:   NewPreparer(nil),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Retrieve runs the full pipeline. Complete retrieval failure yields an
// empty list, never an error.
func (e *Engine) Retrieve(ctx context.Context, req Request) ([]Chunk, error) {
	startTime := time.Now()

	if req.NResults <= 0 {
		req.NResults = e.settings.NResults
	}
	if req.DenseWeight == 0 && req.SparseWeight == 0 {
		req.DenseWeight = e.settings.DenseWeight
		req.SparseWeight = e.settings.SparseWeight
	}

	techniques := req.Techniques
	if len(techniques) == 0 {
		techniques = e.strategist.Techniques(req.Query, req.ResearchContext, req.AgentContext)
	}

	queries := e.preparer.Prepare(ctx, techniques, req.Query, e.logger)

	filter, err := e.buildFilter(ctx, req)
	if err != nil {
		e.logger.Warn("Failed to build retrieval filter", "error", err)
		return []Chunk{}, nil
	}

	results := make([][]vector.Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			hits, searchErr := e.searchOne(gctx, q, req.NResults, filter, req.DenseWeight, req.SparseWeight)
			if searchErr != nil {
				// Per-query failures degrade; the remaining queries decide.
				e.logger.Warn("Hybrid search failed for prepared query",
					"technique", q.Technique, "error", searchErr)
				return nil
			}
			results[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	chunks := aggregate(results)

	if req.UseReranker && e.settings.UseReranker && e.reranker != nil && len(chunks) > 1 {
		reranked, rerankErr := e.reranker.Rerank(ctx, req.Query, chunks)
		if rerankErr != nil {
			e.logger.Warn("Reranking failed, keeping aggregation order", "error", rerankErr)
		} else {
			chunks = reranked
		}
	}

	if len(chunks) > req.NResults {
		chunks = chunks[:req.NResults]
	}

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordRetrieval(ctx, time.Since(startTime), len(chunks))
	}
	return chunks, nil
}

func (e *Engine) searchOne(ctx context.Context, q PreparedQuery, topK int,
	filter map[string]interface{}, denseWeight, sparseWeight float64) ([]vector.Result, error) {

	// Hyde queries embed the hypothetical document but keep the original
	// query text for the sparse side.
	embedText := q.Text
	sparseText := q.Original
	if q.Technique != TechniqueHyde {
		sparseText = q.Text
	}

	dense, err := e.embedder.Embed(ctx, embedText)
	if err != nil {
		return nil, err
	}
	return e.vector.HybridSearch(ctx, e.collection, sparseText, dense, topK, filter, denseWeight, sparseWeight)
}

func (e *Engine) buildFilter(ctx context.Context, req Request) (map[string]interface{}, error) {
	switch {
	case req.DocumentGroupID != "" && e.groups != nil:
		docIDs, err := e.groups.DocIDs(ctx, req.DocumentGroupID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"doc_id": docIDs}, nil
	case len(req.FilterDocIDs) > 0:
		return map[string]interface{}{"doc_id": req.FilterDocIDs}, nil
	case req.FilterDocID != "":
		return map[string]interface{}{"doc_id": req.FilterDocID}, nil
	default:
		return nil, nil
	}
}

// aggregate unions per-query results in first-seen order without rescoring.
func aggregate(results [][]vector.Result) []Chunk {
	seen := make(map[string]struct{})
	var chunks []Chunk

	for _, hits := range results {
		for _, hit := range hits {
			key := chunkKey(hit)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			chunks = append(chunks, toChunk(hit, key))
		}
	}
	return chunks
}

func chunkKey(hit vector.Result) string {
	if id, ok := hit.Metadata["chunk_id"].(string); ok && id != "" {
		return id
	}
	if hit.ID != "" {
		return hit.ID
	}
	return hashText(hit.Content)
}

func toChunk(hit vector.Result, key string) Chunk {
	docID := ""
	if d, ok := hit.Metadata["doc_id"].(string); ok {
		docID = d
	}
	return Chunk{
		ChunkID:  key,
		DocID:    docID,
		Content:  hit.Content,
		Score:    hit.Score,
		Metadata: hit.Metadata,
	}
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
