package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Reranker reorders aggregated chunks against the original query.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []Chunk) ([]Chunk, error)
}

// LLMReranker asks a model to rank chunk excerpts by relevance. Ties and
// omissions keep first-seen order.
type LLMReranker struct {
	model ModelCaller

	// ExcerptChars bounds how much of each chunk the prompt carries.
	ExcerptChars int
}

func NewLLMReranker(model ModelCaller) *LLMReranker {
	return &LLMReranker{model: model, ExcerptChars: 500}
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []Chunk) ([]Chunk, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `Rank the following passages by relevance to the query.
Respond with a JSON array of passage numbers, most relevant first.

Query: %s

`, query)
	for i, chunk := range chunks {
		excerpt := chunk.Content
		if len(excerpt) > r.ExcerptChars {
			excerpt = excerpt[:r.ExcerptChars]
		}
		fmt.Fprintf(&b, "[%d] %s\n\n", i, excerpt)
	}

	text, err := r.model.Generate(ctx, b.String())
	if err != nil {
		return nil, err
	}

	var order []int
	if err := json.Unmarshal([]byte(extractJSONArray(text)), &order); err != nil {
		return nil, fmt.Errorf("failed to parse rerank order: %w", err)
	}

	reranked := make([]Chunk, 0, len(chunks))
	used := make(map[int]bool, len(order))
	for _, idx := range order {
		if idx >= 0 && idx < len(chunks) && !used[idx] {
			used[idx] = true
			reranked = append(reranked, chunks[idx])
		}
	}
	// Chunks the model omitted keep their first-seen order at the tail.
	for i, chunk := range chunks {
		if !used[i] {
			reranked = append(reranked, chunk)
		}
	}
	return reranked, nil
}
