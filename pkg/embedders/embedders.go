// Package embedders provides the embedding clients behind the provider
// registry: OpenAI-compatible, watsonx, and Gemini. Batch embedding splits
// the input into provider-sized batches and runs them with bounded
// concurrency, reassembling vectors in input order.
package embedders

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/registry"
)

// Embedder converts text into fixed-width vectors.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order.
	// Empty input yields an empty, non-nil result.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the vector width this embedder produces.
	Dimension() int

	// ModelName is the vendor model identifier.
	ModelName() string

	Close() error
}

// Registry holds named embedders for lookup by provider name.
type Registry struct {
	*registry.BaseRegistry[Embedder]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Embedder](),
	}
}

// CreateFromConfig builds the embedder for a provider's embedding model and
// registers it under the provider name.
func (r *Registry) CreateFromConfig(name string, provider *config.ProviderConfig, model *config.ModelConfig) (Embedder, error) {
	if name == "" {
		return nil, fmt.Errorf("embedder name cannot be empty")
	}
	if provider == nil || model == nil {
		return nil, fmt.Errorf("embedder config cannot be nil")
	}
	if model.Type != config.ModelEmbedding {
		return nil, fmt.Errorf("model %q is not an embedding model", model.Model)
	}

	var embedder Embedder
	var err error

	switch provider.Type {
	case config.ProviderOpenAI:
		embedder, err = NewOpenAIEmbedder(provider, model)
	case config.ProviderWatsonx:
		embedder, err = NewWatsonxEmbedder(provider, model)
	case config.ProviderGemini:
		embedder, err = NewGeminiEmbedder(provider, model)
	case config.ProviderAnthropic:
		return nil, fmt.Errorf("provider type %q has no embeddings API", provider.Type)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s", provider.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	if err := r.Register(name, embedder); err != nil {
		return nil, fmt.Errorf("failed to register embedder: %w", err)
	}

	return embedder, nil
}

// GetEmbedder returns the embedder registered under name.
func (r *Registry) GetEmbedder(name string) (Embedder, error) {
	embedder, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("embedder '%s' not found", name)
	}
	return embedder, nil
}

// embedInBatches splits texts into batches of batchSize and embeds them
// with at most concurrency requests in flight. Vectors land at the offset
// of their source text, so the result is in input order regardless of
// completion order. The first failing batch cancels the rest.
func embedInBatches(ctx context.Context, texts []string, batchSize, concurrency int, embed func(ctx context.Context, batch []string) ([][]float32, error)) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if batchSize <= 0 {
		batchSize = len(texts)
	}

	results := make([][]float32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end

		g.Go(func() error {
			vectors, err := embed(ctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vectors) != end-start {
				return fmt.Errorf("expected %d embeddings, got %d", end-start, len(vectors))
			}
			copy(results[start:end], vectors)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
