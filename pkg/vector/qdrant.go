package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/quillhq/quill/pkg/config"
	"github.com/quillhq/quill/pkg/qerrors"
)

// QdrantProvider backs the chunk index with a Qdrant server over gRPC.
type QdrantProvider struct {
	client *qdrant.Client
	config *config.VectorStoreConfig
}

func NewQdrantProvider(cfg *config.VectorStoreConfig) (*QdrantProvider, error) {
	useTLS := false
	if cfg.EnableTLS != nil {
		useTLS = *cfg.EnableTLS
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, qerrors.New(qerrors.CategoryConfiguration, "vector", "qdrant",
			fmt.Sprintf("failed to create Qdrant client for %s:%d", cfg.Host, cfg.Port), err)
	}

	return &QdrantProvider{client: client, config: cfg}, nil
}

func (p *QdrantProvider) Name() string { return "qdrant" }

func (p *QdrantProvider) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]interface{}) error {
	if err := p.ensureCollection(ctx, collection, len(vector)); err != nil {
		return err
	}

	payload := make(map[string]*qdrant.Value, len(metadata))
	for key, value := range metadata {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return fmt.Errorf("failed to convert metadata value for key %s: %w", key, err)
		}
		payload[key] = val
	}

	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

func (p *QdrantProvider) HybridSearch(ctx context.Context, collection, query string, vector []float32, topK int,
	filter map[string]interface{}, denseWeight, sparseWeight float64) ([]Result, error) {

	request := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		request.Filter = buildQdrantFilter(filter)
	}

	searchResult, err := p.client.GetPointsClient().Search(ctx, request)
	if err != nil {
		return nil, qerrors.New(qerrors.CategoryProviderNetwork, "vector", "qdrant",
			"search failed", err)
	}

	results := convertQdrantResults(searchResult.Result)

	// The server scores the dense side only; blend in keyword relevance
	// against the chunk text client-side.
	queryTokens := tokenize(query)
	for i := range results {
		sparse := keywordScore(queryTokens, tokenize(results[i].Content))
		results[i].Score = float32(denseWeight*float64(results[i].Score) + sparseWeight*sparse)
	}
	sortByScore(results)
	return results, nil
}

func (p *QdrantProvider) Delete(ctx context.Context, collection, id string) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point %s: %w", id, err)
	}
	return nil
}

func (p *QdrantProvider) DeleteCollection(ctx context.Context, collection string) error {
	if err := p.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

func (p *QdrantProvider) ensureCollection(ctx context.Context, collection string, dimension int) error {
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func buildQdrantFilter(filter map[string]interface{}) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))

	for key, value := range filter {
		// List values mean "any of".
		var keywords []string
		switch v := value.(type) {
		case []interface{}:
			for _, item := range v {
				keywords = append(keywords, fmt.Sprint(item))
			}
		case []string:
			keywords = v
		default:
			keywords = []string{fmt.Sprint(value)}
		}

		if len(keywords) == 1 {
			conditions = append(conditions, keywordCondition(key, keywords[0]))
			continue
		}
		should := make([]*qdrant.Condition, 0, len(keywords))
		for _, kw := range keywords {
			should = append(should, keywordCondition(key, kw))
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{
				Filter: &qdrant.Filter{Should: should},
			},
		})
	}

	return &qdrant.Filter{Must: conditions}
}

func keywordCondition(key, keyword string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: keyword},
				},
			},
		},
	}
}

func convertQdrantResults(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))

	for _, point := range points {
		var id string
		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		metadata := make(map[string]interface{}, len(point.Payload))
		for key, value := range point.Payload {
			metadata[key] = qdrantValueToAny(value)
		}

		content := ""
		if c, ok := metadata["content"].(string); ok {
			content = c
		}

		results = append(results, Result{
			ID:       id,
			Content:  content,
			Score:    point.Score,
			Metadata: metadata,
		})
	}
	return results
}

func qdrantValueToAny(value *qdrant.Value) interface{} {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]interface{}, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValueToAny(item)
		}
		return list
	default:
		return value
	}
}

var _ Provider = (*QdrantProvider)(nil)
