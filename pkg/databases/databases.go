// Package databases puts the supported vector store backends behind one
// VectorStore interface: qdrant over gRPC for production, the embedded
// chromem store for dev mode and tests, and pinecone serverless.
//
// All backends speak cosine similarity and honor the same result
// contract: at most k hits, descending score, ties broken by
// lexicographic id.
package databases

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/registry"
)

// tagText is the reserved payload key that carries chunk text on backends
// without a first-class document body.
const tagText = "text"

// Record is one embedded chunk bound for a collection.
type Record struct {
	// ID is the point id; string form of a UUID on every backend.
	ID string `json:"id"`

	// Text is the chunk body returned verbatim on hits.
	Text string `json:"text"`

	// Embedding is the chunk vector; its length must match the collection
	// dimension.
	Embedding []float32 `json:"embedding,omitempty"`

	// Tags are provenance fields round-tripped with the point
	// (document_id, document_name, page_number, chunk_number).
	Tags map[string]any `json:"tags,omitempty"`
}

// Hit is one search result.
type Hit struct {
	ID    string         `json:"id"`
	Score float32        `json:"score"`
	Text  string         `json:"text"`
	Tags  map[string]any `json:"tags,omitempty"`
}

// VectorStore is the backend contract. Search returns at most k hits in
// descending score order with ties broken by lexicographic id, and fewer
// than k when the collection holds fewer points. A nil filter matches
// everything; filter entries are equality matches against tags.
type VectorStore interface {
	EnsureCollection(ctx context.Context, collection string, dimension int) error
	Upsert(ctx context.Context, collection string, records []Record) error
	Search(ctx context.Context, collection string, vector []float32, k int, filter map[string]any) ([]Hit, error)
	DeleteCollection(ctx context.Context, collection string) error
	Close() error
}

// sortHits enforces the result contract on vendor output: descending
// score, ties by id, truncated to k.
func sortHits(hits []Hit, k int) []Hit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// validateSearch rejects arguments no backend can serve.
func validateSearch(vector []float32, k int) error {
	if len(vector) == 0 {
		return fmt.Errorf("query vector cannot be empty")
	}
	if k <= 0 {
		return fmt.Errorf("k must be positive, got %d", k)
	}
	return nil
}

// Registry holds named vector stores.
type Registry struct {
	*registry.BaseRegistry[VectorStore]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[VectorStore](),
	}
}

// CreateFromConfig builds a store for the configured backend type and
// registers it under name.
func (r *Registry) CreateFromConfig(name string, cfg *config.VectorStoreConfig) (VectorStore, error) {
	if name == "" {
		return nil, fmt.Errorf("vector store name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("vector store config cannot be nil")
	}

	var (
		store VectorStore
		err   error
	)
	switch cfg.Type {
	case config.VectorStoreQdrant:
		store, err = NewQdrantStore(cfg)
	case config.VectorStoreChromem:
		store, err = NewChromemStore(cfg)
	case config.VectorStorePinecone:
		store, err = NewPineconeStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store %q: %w", name, err)
	}

	if err := r.Register(name, store); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// GetStore returns a registered store by name.
func (r *Registry) GetStore(name string) (VectorStore, error) {
	store, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("vector store %q not found (available: %v)", name, r.Names())
	}
	return store, nil
}

// Close closes every registered store.
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.Names() {
		store, ok := r.Get(name)
		if !ok {
			continue
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
