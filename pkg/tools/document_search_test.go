package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/retrieval"
)

type fakeSearcher struct {
	lastRequest retrieval.Request
	chunks      []retrieval.Chunk
}

func (f *fakeSearcher) Retrieve(ctx context.Context, req retrieval.Request) ([]retrieval.Chunk, error) {
	f.lastRequest = req
	return f.chunks, nil
}

func TestDocumentSearchMapsArguments(t *testing.T) {
	searcher := &fakeSearcher{chunks: []retrieval.Chunk{
		{ChunkID: "c1", DocID: "d1", Content: "leader election", Score: 0.9},
	}}
	tool := NewDocumentSearchTool(searcher)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"query":             "raft",
		"n_results":         float64(3),
		"document_group_id": "g1",
		"filter_doc_ids":    []interface{}{"d1", "d2"},
		"use_reranker":      true,
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, "raft", searcher.lastRequest.Query)
	assert.Equal(t, 3, searcher.lastRequest.NResults)
	assert.Equal(t, "g1", searcher.lastRequest.DocumentGroupID)
	assert.Equal(t, []string{"d1", "d2"}, searcher.lastRequest.FilterDocIDs)
	assert.True(t, searcher.lastRequest.UseReranker)

	var chunks []retrieval.Chunk
	require.NoError(t, json.Unmarshal([]byte(result.Content), &chunks))
	require.Len(t, chunks, 1)
	assert.Equal(t, "c1", chunks[0].ChunkID)
	assert.Equal(t, 1, result.Metadata["num_results"])
}

func TestDocumentSearchRequiresQuery(t *testing.T) {
	tool := NewDocumentSearchTool(&fakeSearcher{})
	_, err := tool.Execute(context.Background(), map[string]interface{}{})
	require.Error(t, err)
}
