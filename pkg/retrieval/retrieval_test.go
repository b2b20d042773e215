package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/vector"
)

type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.Embed(ctx, t)
	}
	return out, nil
}

func (f *fakeEmbedder) GetDimension() int    { return 2 }
func (f *fakeEmbedder) GetModelName() string { return "fake" }
func (f *fakeEmbedder) Close() error         { return nil }

type fakeVectorProvider struct {
	mu      sync.Mutex
	results map[string][]vector.Result // keyed by query text
	filters []map[string]interface{}
	queries []string
	failAll bool
}

func (f *fakeVectorProvider) Name() string { return "fake" }

func (f *fakeVectorProvider) Upsert(ctx context.Context, collection, id string, v []float32, md map[string]interface{}) error {
	return nil
}

func (f *fakeVectorProvider) HybridSearch(ctx context.Context, collection, query string, v []float32, topK int,
	filter map[string]interface{}, dw, sw float64) ([]vector.Result, error) {

	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.filters = append(f.filters, filter)
	f.mu.Unlock()

	if f.failAll {
		return nil, errors.New("index unavailable")
	}
	hits := f.results[query]
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (f *fakeVectorProvider) Delete(ctx context.Context, collection, id string) error { return nil }
func (f *fakeVectorProvider) DeleteCollection(ctx context.Context, collection string) error {
	return nil
}
func (f *fakeVectorProvider) Close() error { return nil }

type fakeModel struct {
	response string
	err      error
}

func (f *fakeModel) Generate(ctx context.Context, prompt string) (string, error) {
	return f.response, f.err
}

func hit(chunkID, content string, score float32) vector.Result {
	return vector.Result{
		ID:      chunkID,
		Content: content,
		Score:   score,
		Metadata: map[string]interface{}{
			"chunk_id": chunkID,
			"doc_id":   "doc-" + chunkID,
			"content":  content,
		},
	}
}

func testSettings() config.SearchSettings {
	return config.SearchSettings{
		NResults:     5,
		DenseWeight:  0.7,
		SparseWeight: 0.3,
		UseReranker:  true,
		Techniques:   []string{"identity", "sub_query"},
	}
}

func TestRetrieveIdentityOnlyMatchesHybridSearch(t *testing.T) {
	provider := &fakeVectorProvider{results: map[string][]vector.Result{
		"raft consensus": {
			hit("c1", "leader election", 0.9),
			hit("c2", "log replication", 0.8),
			hit("c3", "snapshots", 0.7),
		},
	}}
	engine := NewEngine(provider, &fakeEmbedder{}, "chunks", testSettings())

	chunks, err := engine.Retrieve(context.Background(), Request{
		Query:       "raft consensus",
		NResults:    2,
		UseReranker: false,
		Techniques:  []Technique{TechniqueIdentity},
	})
	require.NoError(t, err)

	// Identity-only with no reranker returns exactly the hybrid search's
	// first n_results, in order.
	require.Len(t, chunks, 2)
	assert.Equal(t, "c1", chunks[0].ChunkID)
	assert.Equal(t, "c2", chunks[1].ChunkID)
	assert.Equal(t, "doc-c1", chunks[0].DocID)
}

func TestRetrieveDeduplicatesAcrossQueries(t *testing.T) {
	provider := &fakeVectorProvider{results: map[string][]vector.Result{
		"original query here": {hit("c1", "alpha", 0.9), hit("c2", "beta", 0.8)},
		"sub one":             {hit("c2", "beta", 0.85), hit("c3", "gamma", 0.6)},
		"sub two":             {hit("c1", "alpha", 0.7)},
	}}
	model := &fakeModel{response: `["sub one", "sub two"]`}
	engine := NewEngine(provider, &fakeEmbedder{}, "chunks", testSettings(),
		WithModelCaller(model))

	chunks, err := engine.Retrieve(context.Background(), Request{
		Query:      "original query here",
		NResults:   10,
		Techniques: []Technique{TechniqueIdentity, TechniqueSubQuery},
	})
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, "c1", chunks[0].ChunkID)
	assert.Equal(t, "c2", chunks[1].ChunkID)
	assert.Equal(t, "c3", chunks[2].ChunkID)
}

func TestRetrieveTotalFailureReturnsEmptyList(t *testing.T) {
	provider := &fakeVectorProvider{failAll: true}
	engine := NewEngine(provider, &fakeEmbedder{}, "chunks", testSettings())

	chunks, err := engine.Retrieve(context.Background(), Request{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestRetrievePreparerFailureDegradesToIdentity(t *testing.T) {
	provider := &fakeVectorProvider{results: map[string][]vector.Result{
		"the query": {hit("c1", "alpha", 0.9)},
	}}
	model := &fakeModel{err: errors.New("model down")}
	engine := NewEngine(provider, &fakeEmbedder{}, "chunks", testSettings(),
		WithModelCaller(model))

	chunks, err := engine.Retrieve(context.Background(), Request{
		Query:      "the query",
		Techniques: []Technique{TechniqueIdentity, TechniqueSubQuery, TechniqueStepBack},
	})
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"the query"}, provider.queries)
}

func TestRetrieveRerankerOrdersByModelRanking(t *testing.T) {
	provider := &fakeVectorProvider{results: map[string][]vector.Result{
		"q": {hit("c1", "alpha", 0.9), hit("c2", "beta", 0.8), hit("c3", "gamma", 0.7)},
	}}
	engine := NewEngine(provider, &fakeEmbedder{}, "chunks", testSettings(),
		WithReranker(NewLLMReranker(&fakeModel{response: "[2, 0]"})))

	chunks, err := engine.Retrieve(context.Background(), Request{
		Query:       "q",
		NResults:    3,
		UseReranker: true,
		Techniques:  []Technique{TechniqueIdentity},
	})
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, "c3", chunks[0].ChunkID)
	assert.Equal(t, "c1", chunks[1].ChunkID)
	// Omitted chunks keep first-seen order at the tail.
	assert.Equal(t, "c2", chunks[2].ChunkID)
}

type fakeGroups struct{ ids []string }

func (f *fakeGroups) DocIDs(ctx context.Context, groupID string) ([]string, error) {
	if len(f.ids) == 0 {
		return nil, fmt.Errorf("group %s not found", groupID)
	}
	return f.ids, nil
}

func TestRetrieveFilterPrecedence(t *testing.T) {
	provider := &fakeVectorProvider{results: map[string][]vector.Result{}}
	engine := NewEngine(provider, &fakeEmbedder{}, "chunks", testSettings(),
		WithGroupResolver(&fakeGroups{ids: []string{"d1", "d2"}}))

	_, err := engine.Retrieve(context.Background(), Request{
		Query:           "q",
		DocumentGroupID: "g1",
		FilterDocID:     "ignored",
		Techniques:      []Technique{TechniqueIdentity},
	})
	require.NoError(t, err)

	require.Len(t, provider.filters, 1)
	assert.Equal(t, []string{"d1", "d2"}, provider.filters[0]["doc_id"])

	_, err = engine.Retrieve(context.Background(), Request{
		Query:       "q",
		FilterDocID: "d9",
		Techniques:  []Technique{TechniqueIdentity},
	})
	require.NoError(t, err)
	assert.Equal(t, "d9", provider.filters[1]["doc_id"])
}

func TestRuleStrategist(t *testing.T) {
	s := NewRuleStrategist([]string{"identity", "sub_query", "step_back"})

	techniques := s.Techniques("short", "", "")
	assert.Equal(t, []Technique{TechniqueIdentity}, techniques)

	techniques = s.Techniques("how does raft handle leader election and log replication", "", "")
	assert.Contains(t, techniques, TechniqueSubQuery)

	techniques = s.Techniques("short", "", "writing the consensus section")
	assert.Contains(t, techniques, TechniqueStepBack)
	assert.NotContains(t, techniques, TechniqueHyde)
}
