package databases

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nestor-ai/nestor/pkg/config"
)

const defaultPineconeIndex = "nestor"

// PineconeStore maps collections onto namespaces of one serverless index.
// The index itself is provisioned out of band; EnsureCollection verifies
// it exists and that its dimension matches.
//
// Config mapping: Host names the index, IndexHost (optional) pins the
// data-plane URL and skips the control-plane lookup on connect.
type PineconeStore struct {
	client    *pinecone.Client
	config    *config.VectorStoreConfig
	indexName string

	mu        sync.Mutex
	indexHost string
}

func NewPineconeStore(cfg *config.VectorStoreConfig) (*PineconeStore, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone requires an API key")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}

	indexName := cfg.Host
	if indexName == "" {
		indexName = defaultPineconeIndex
	}

	return &PineconeStore{
		client:    client,
		config:    cfg,
		indexName: indexName,
		indexHost: cfg.IndexHost,
	}, nil
}

func (s *PineconeStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", dimension)
	}

	index, err := s.client.DescribeIndex(ctx, s.indexName)
	if err != nil {
		return fmt.Errorf("pinecone index %q must be provisioned before use: %w", s.indexName, err)
	}
	if index.Dimension != int32(dimension) {
		return fmt.Errorf("pinecone index %q has dimension %d, collection %q expects %d",
			s.indexName, index.Dimension, collection, dimension)
	}

	s.mu.Lock()
	s.indexHost = index.Host
	s.mu.Unlock()
	return nil
}

// connect opens a data-plane connection scoped to the collection's
// namespace.
func (s *PineconeStore) connect(ctx context.Context, namespace string) (*pinecone.IndexConnection, error) {
	s.mu.Lock()
	host := s.indexHost
	s.mu.Unlock()

	if host == "" {
		index, err := s.client.DescribeIndex(ctx, s.indexName)
		if err != nil {
			return nil, fmt.Errorf("failed to describe pinecone index %q: %w", s.indexName, err)
		}
		host = index.Host
		s.mu.Lock()
		s.indexHost = host
		s.mu.Unlock()
	}

	conn, err := s.client.Index(pinecone.NewIndexConnParams{
		Host:      host,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pinecone index %q: %w", s.indexName, err)
	}
	return conn, nil
}

func (s *PineconeStore) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	conn, err := s.connect(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	vectors := make([]*pinecone.Vector, 0, len(records))
	for _, rec := range records {
		fields := make(map[string]any, len(rec.Tags)+1)
		for key, value := range rec.Tags {
			fields[key] = value
		}
		fields[tagText] = rec.Text

		metadata, err := structpb.NewStruct(fields)
		if err != nil {
			return fmt.Errorf("failed to convert tags for point %s: %w", rec.ID, err)
		}

		vectors = append(vectors, &pinecone.Vector{
			Id:       rec.ID,
			Values:   rec.Embedding,
			Metadata: metadata,
		})
	}

	if _, err := conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("failed to upsert %d points into %q: %w", len(vectors), collection, err)
	}
	return nil
}

func (s *PineconeStore) Search(ctx context.Context, collection string, vector []float32, k int, filter map[string]any) ([]Hit, error) {
	if err := validateSearch(vector, k); err != nil {
		return nil, err
	}

	conn, err := s.connect(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var metadataFilter *pinecone.MetadataFilter
	if len(filter) > 0 {
		metadataFilter, err = structpb.NewStruct(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to convert filter: %w", err)
		}
	}

	response, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(k),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search collection %q: %w", collection, err)
	}

	return sortHits(convertPineconeMatches(response.Matches), k), nil
}

func (s *PineconeStore) DeleteCollection(ctx context.Context, collection string) error {
	conn, err := s.connect(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteAllVectorsInNamespace(ctx); err != nil {
		return fmt.Errorf("failed to delete collection %q: %w", collection, err)
	}
	return nil
}

// Close releases nothing: pinecone connections are per-call and the
// client itself holds no resources.
func (s *PineconeStore) Close() error {
	return nil
}

func convertPineconeMatches(matches []*pinecone.ScoredVector) []Hit {
	hits := make([]Hit, 0, len(matches))
	for _, match := range matches {
		if match.Vector == nil {
			continue
		}

		tags := make(map[string]any)
		if match.Vector.Metadata != nil {
			for key, value := range match.Vector.Metadata.AsMap() {
				tags[key] = normalizePineconeTag(value)
			}
		}

		text := ""
		if v, ok := tags[tagText].(string); ok {
			text = v
			delete(tags, tagText)
		}

		hits = append(hits, Hit{
			ID:    match.Vector.Id,
			Score: match.Score,
			Text:  text,
			Tags:  tags,
		})
	}
	return hits
}

// normalizePineconeTag turns whole float64 metadata numbers back into
// int64 so tags round-trip the same as on the other backends.
func normalizePineconeTag(value any) any {
	if f, ok := value.(float64); ok && f == math.Trunc(f) && !math.IsInf(f, 0) {
		return int64(f)
	}
	return value
}
