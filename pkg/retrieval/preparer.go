package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// PreparedQuery is one materialized search query.
type PreparedQuery struct {
	Technique Technique
	Text      string
	Original  string
}

// Preparer materializes prepared queries from techniques. Enhancement
// techniques need a model; without one they silently degrade to identity.
type Preparer struct {
	model ModelCaller
}

func NewPreparer(model ModelCaller) *Preparer {
	return &Preparer{model: model}
}

// Prepare never fails: any technique that cannot be materialized is dropped,
// and identity is always present.
func (p *Preparer) Prepare(ctx context.Context, techniques []Technique, query string, logger *slog.Logger) []PreparedQuery {
	prepared := []PreparedQuery{{Technique: TechniqueIdentity, Text: query, Original: query}}

	if p.model == nil {
		return prepared
	}

	for _, technique := range techniques {
		switch technique {
		case TechniqueIdentity:
			// Already present.
		case TechniqueSubQuery:
			subs, err := p.subQueries(ctx, query)
			if err != nil {
				logger.Warn("Sub-query preparation failed", "error", err)
				continue
			}
			for _, sub := range subs {
				prepared = append(prepared, PreparedQuery{Technique: TechniqueSubQuery, Text: sub, Original: query})
			}
		case TechniqueStepBack:
			broad, err := p.stepBack(ctx, query)
			if err != nil {
				logger.Warn("Step-back preparation failed", "error", err)
				continue
			}
			prepared = append(prepared, PreparedQuery{Technique: TechniqueStepBack, Text: broad, Original: query})
		case TechniqueHyde:
			doc, err := p.hypotheticalDocument(ctx, query)
			if err != nil {
				logger.Warn("Hyde preparation failed", "error", err)
				continue
			}
			prepared = append(prepared, PreparedQuery{Technique: TechniqueHyde, Text: doc, Original: query})
		}
	}
	return prepared
}

func (p *Preparer) subQueries(ctx context.Context, query string) ([]string, error) {
	prompt := fmt.Sprintf(`Decompose the following search query into 2-3 focused sub-queries.
Preserve the query's language. Respond with a JSON array of strings only.

Query: %s`, query)

	text, err := p.model.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var subs []string
	if err := json.Unmarshal([]byte(extractJSONArray(text)), &subs); err != nil {
		return nil, fmt.Errorf("failed to parse sub-queries: %w", err)
	}
	if len(subs) > 3 {
		subs = subs[:3]
	}
	return subs, nil
}

func (p *Preparer) stepBack(ctx context.Context, query string) (string, error) {
	prompt := fmt.Sprintf(`Rewrite the following search query as a single broader background
question about its underlying topic. Preserve the query's language.
Respond with the question only.

Query: %s`, query)

	text, err := p.model.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (p *Preparer) hypotheticalDocument(ctx context.Context, query string) (string, error) {
	prompt := fmt.Sprintf(`Write a short hypothetical passage (3-5 sentences) that would
perfectly answer the following query. Preserve the query's language.
Respond with the passage only.

Query: %s`, query)

	text, err := p.model.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// extractJSONArray tolerates models that wrap JSON in prose or fences.
func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
