package embedders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/pkg/config"
)

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(&config.EmbedderConfig{Type: "bert"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported embedder type")
}

func TestOpenAIEmbedderRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(&config.EmbedderConfig{Type: "openai"})
	require.Error(t, err)
}

func TestOpenAIEmbedBatchPreservesOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Answer out of order; the embedder must restore input order.
		data := make([]map[string]interface{}, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"embedding": []float32{float32(i), float32(i)},
				"index":     i,
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	defer server.Close()

	cfg := &config.EmbedderConfig{
		Type: "openai", Model: "text-embedding-3-small",
		APIKey: "sk-test", Host: server.URL,
		Dimension: 2, Timeout: 5, BatchSize: 2,
	}
	embedder, err := NewOpenAIEmbedder(cfg)
	require.NoError(t, err)

	vectors, err := embedder.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{0, 0}, vectors[0])
	assert.Equal(t, []float32{1, 1}, vectors[1])
	// Third text lands in its own batch, so its index restarts at zero.
	assert.Equal(t, []float32{0, 0}, vectors[2])
}

func TestOpenAIEmbedSingle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
		})
	}))
	defer server.Close()

	cfg := &config.EmbedderConfig{
		Type: "openai", Model: "text-embedding-3-small",
		APIKey: "sk-test", Host: server.URL,
		Dimension: 3, Timeout: 5, BatchSize: 64,
	}
	embedder, err := NewOpenAIEmbedder(cfg)
	require.NoError(t, err)

	vector, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
	assert.Equal(t, 3, embedder.GetDimension())
}

func TestOllamaEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": []float32{1, 2, 3},
		})
	}))
	defer server.Close()

	cfg := &config.EmbedderConfig{
		Type: "ollama", Model: "nomic-embed-text",
		Host: server.URL, Dimension: 3, Timeout: 5,
	}
	embedder, err := NewOllamaEmbedder(cfg)
	require.NoError(t, err)

	vectors, err := embedder.EmbedBatch(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 2, 3}, vectors[0])
}
