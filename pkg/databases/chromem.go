package databases

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/nestor-ai/nestor/pkg/config"
)

// ChromemStore is the embedded, in-process backend used by dev mode and
// tests. Vectors live in memory, with optional write-through persistence
// to a directory when PersistPath is set.
//
// chromem keeps metadata as strings, so tag values are stringified on
// write and parsed back (int64, float64, bool, string) on read to match
// what the qdrant payload round-trip returns.
type ChromemStore struct {
	db     *chromem.DB
	config *config.VectorStoreConfig

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	dimensions  map[string]int
}

func NewChromemStore(cfg *config.VectorStoreConfig) (*ChromemStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		db, err = chromem.NewPersistentDB(cfg.PersistPath, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent vector database: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemStore{
		db:          db,
		config:      cfg,
		collections: make(map[string]*chromem.Collection),
		dimensions:  make(map[string]int),
	}, nil
}

// noEmbed satisfies the chromem constructor; every document arrives with
// a precomputed embedding.
func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("documents carry precomputed embeddings")
}

func (s *ChromemStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", dimension)
	}
	_, err := s.getCollection(collection, dimension)
	return err
}

func (s *ChromemStore) getCollection(name string, dimension int) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(name, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %q: %w", name, err)
	}
	s.collections[name] = col
	if dimension > 0 {
		s.dimensions[name] = dimension
	}
	return col, nil
}

func (s *ChromemStore) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	col, err := s.getCollection(collection, 0)
	if err != nil {
		return err
	}

	s.mu.RLock()
	dimension := s.dimensions[collection]
	s.mu.RUnlock()

	docs := make([]chromem.Document, 0, len(records))
	for _, rec := range records {
		if dimension > 0 && len(rec.Embedding) != dimension {
			return fmt.Errorf("point %s has dimension %d, collection %q expects %d",
				rec.ID, len(rec.Embedding), collection, dimension)
		}
		metadata := make(map[string]string, len(rec.Tags))
		for key, value := range rec.Tags {
			metadata[key] = fmt.Sprint(value)
		}
		docs = append(docs, chromem.Document{
			ID:        rec.ID,
			Content:   rec.Text,
			Metadata:  metadata,
			Embedding: rec.Embedding,
		})
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert %d points into %q: %w", len(docs), collection, err)
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, collection string, vector []float32, k int, filter map[string]any) ([]Hit, error) {
	if err := validateSearch(vector, k); err != nil {
		return nil, err
	}

	col, err := s.getCollection(collection, 0)
	if err != nil {
		return nil, err
	}

	// chromem rejects queries asking for more results than the collection
	// holds: clamp instead, the contract allows fewer than k.
	n := k
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return []Hit{}, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for key, value := range filter {
			where[key] = fmt.Sprint(value)
		}
	}

	results, err := col.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to search collection %q: %w", collection, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		tags := make(map[string]any, len(res.Metadata))
		for key, value := range res.Metadata {
			tags[key] = parseTagValue(value)
		}
		hits = append(hits, Hit{
			ID:    res.ID,
			Score: res.Similarity,
			Text:  res.Content,
			Tags:  tags,
		})
	}
	return sortHits(hits, k), nil
}

func (s *ChromemStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection %q: %w", collection, err)
	}
	delete(s.collections, collection)
	delete(s.dimensions, collection)
	return nil
}

// Close releases nothing: the persistent database writes through on every
// mutation.
func (s *ChromemStore) Close() error {
	return nil
}

// parseTagValue recovers typed tag values from chromem's string metadata.
// Integers parse before floats and bools so "1" stays numeric.
func parseTagValue(value string) any {
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
