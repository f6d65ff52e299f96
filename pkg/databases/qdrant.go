package databases

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/nestor-ai/nestor/pkg/config"
)

// QdrantStore talks to a qdrant instance over gRPC. Collections are
// created with cosine distance and payloads round-trip string, integer,
// double, bool, and list values.
type QdrantStore struct {
	client *qdrant.Client
	config *config.VectorStoreConfig
}

func NewQdrantStore(cfg *config.VectorStoreConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{
		client: client,
		config: cfg,
	}, nil
}

func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", dimension)
	}

	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %q: %w", collection, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		// A concurrent EnsureCollection may have won the race.
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create collection %q: %w", collection, err)
	}
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, rec := range records {
		payload := make(map[string]*qdrant.Value, len(rec.Tags)+1)
		for key, value := range rec.Tags {
			val, err := qdrant.NewValue(value)
			if err != nil {
				return fmt.Errorf("failed to convert tag %q for point %s: %w", key, rec.ID, err)
			}
			payload[key] = val
		}
		textVal, err := qdrant.NewValue(rec.Text)
		if err != nil {
			return fmt.Errorf("failed to convert text for point %s: %w", rec.ID, err)
		}
		payload[tagText] = textVal

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Embedding...),
			Payload: payload,
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d points into %q: %w", len(points), collection, err)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, k int, filter map[string]any) ([]Hit, error) {
	if err := validateSearch(vector, k); err != nil {
		return nil, err
	}

	request := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		request.Filter = buildQdrantFilter(filter)
	}

	response, err := s.client.GetPointsClient().Search(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to search collection %q: %w", collection, err)
	}

	return sortHits(convertQdrantPoints(response.Result), k), nil
}

func (s *QdrantStore) DeleteCollection(ctx context.Context, collection string) error {
	if err := s.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to delete collection %q: %w", collection, err)
	}
	return nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// buildQdrantFilter translates equality tag filters into typed qdrant
// match conditions.
func buildQdrantFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   key,
					Match: qdrantMatch(value),
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func qdrantMatch(value any) *qdrant.Match {
	switch v := value.(type) {
	case string:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
	case bool:
		return &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}
	case int:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
	case int64:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}
	case float64:
		// JSON filters decode numbers as float64; whole values match
		// integer payloads.
		if v == float64(int64(v)) {
			return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
		}
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprint(v)}}
	default:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprint(v)}}
	}
}

func convertQdrantPoints(points []*qdrant.ScoredPoint) []Hit {
	hits := make([]Hit, 0, len(points))
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

		tags := make(map[string]any, len(point.Payload))
		for key, value := range point.Payload {
			tags[key] = qdrantValue(value)
		}

		text := ""
		if v, ok := tags[tagText].(string); ok {
			text = v
			delete(tags, tagText)
		}

		hits = append(hits, Hit{
			ID:    id,
			Score: point.Score,
			Text:  text,
			Tags:  tags,
		})
	}
	return hits
}

func qdrantValue(value *qdrant.Value) any {
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
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValue(item)
		}
		return list
	default:
		return value
	}
}
