package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/qerrors"
)

// Ollama's llama runner crashes when it receives concurrent embedding
// requests, so all calls are serialized process-wide.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder calls a local Ollama instance.
type OllamaEmbedder struct {
	config *config.EmbedderConfig
	client *http.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func NewOllamaEmbedder(cfg *config.EmbedderConfig) (*OllamaEmbedder, error) {
	return &OllamaEmbedder{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
	}, nil
}

func (e *OllamaEmbedder) GetDimension() int    { return e.config.Dimension }
func (e *OllamaEmbedder) GetModelName() string { return e.config.Model }
func (e *OllamaEmbedder) Close() error         { return nil }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	for attempt := 0; attempt < 3; attempt++ {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
			e.config.Host+"/api/embeddings", bytes.NewReader(payload))
		if reqErr != nil {
			return nil, fmt.Errorf("failed to create request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = e.client.Do(req)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	if err != nil {
		return nil, qerrors.New(qerrors.CategoryProviderNetwork, "embedders", "ollama",
			"embedding request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, qerrors.New(qerrors.CategoryProviderNetwork, "embedders", "ollama",
			fmt.Sprintf("ollama API returned status %d: %s", resp.StatusCode, string(body)), nil)
	}

	response := &ollamaEmbedResponse{}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Embedding) == 0 {
		return nil, qerrors.New(qerrors.CategoryProviderNetwork, "embedders", "ollama",
			"received empty embedding", nil)
	}
	return response.Embedding, nil
}

// EmbedBatch embeds texts one at a time; the Ollama embeddings endpoint has
// no batch form.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vector, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results = append(results, vector)
	}
	return results, nil
}
