// Package llms puts the supported LLM vendors behind one Provider
// interface and layers a Service on top that resolves a caller's
// parameter set, template, provider, and model before dispatching.
//
// Providers cache their vendor clients lazily: the first call builds the
// client, Close drops it, and the next call rebuilds it. Embedding
// requests are delegated to the matching pkg/embedders client.
package llms

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/registry"
)

// streamBufferSize is the chunk channel capacity; it keeps slow consumers
// from stalling the vendor read loop on every token.
const streamBufferSize = 100

// Stream chunk types. A stream carries zero or more text chunks followed
// by exactly one terminal done or error chunk.
const (
	ChunkText  = "text"
	ChunkDone  = "done"
	ChunkError = "error"
)

// StreamChunk is one increment of a streaming generation.
type StreamChunk struct {
	Type   string
	Text   string
	Tokens int
	Error  error
}

// GenerationParams are the fully resolved settings for one generation
// call. The Service fills them from the caller's parameter set and the
// provider's default model; nothing here is optional by the time a
// provider sees it except the zero-valued sampling knobs.
type GenerationParams struct {
	Model             string
	System            string
	MaxTokens         int
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty *float64
	StopSequences     []string
}

// Result is one completed generation.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	FinishReason string
}

// Provider is a single configured LLM vendor endpoint.
type Provider interface {
	// Name returns the registry name of this provider instance.
	Name() string

	// Generate produces one completion for the prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (*Result, error)

	// GenerateStream produces a completion incrementally. The returned
	// channel closes after a terminal done or error chunk; a consumed
	// stream cannot be restarted.
	GenerateStream(ctx context.Context, prompt string, params GenerationParams) (<-chan StreamChunk, error)

	// Embed produces one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Close drops the cached vendor client. The next call re-creates it.
	// Close is idempotent.
	Close() error
}

// Registry holds named providers.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// CreateFromConfig builds a provider for the config's wire protocol and
// registers it under the given name.
func (r *Registry) CreateFromConfig(name string, cfg *config.ProviderConfig) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("provider name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("provider config cannot be nil")
	}

	var (
		provider Provider
		err      error
	)
	switch cfg.Type {
	case config.ProviderOpenAI:
		provider, err = NewOpenAIProvider(name, cfg)
	case config.ProviderAnthropic:
		provider, err = NewAnthropicProvider(name, cfg)
	case config.ProviderWatsonx:
		provider, err = NewWatsonxProvider(name, cfg)
	case config.ProviderGemini:
		provider, err = NewGeminiProvider(name, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %q: %w", name, err)
	}

	if err := r.Register(name, provider); err != nil {
		_ = provider.Close()
		return nil, err
	}
	return provider, nil
}

// GetProvider returns a registered provider by name.
func (r *Registry) GetProvider(name string) (Provider, error) {
	provider, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("provider %q not found (available: %v)", name, r.Names())
	}
	return provider, nil
}

// Close closes every registered provider.
func (r *Registry) Close() error {
	var errs []error
	for _, provider := range r.List() {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", provider.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// defaultModelConfig picks the default model of a type from a provider
// config, or the first active one by name when none is marked default.
func defaultModelConfig(cfg *config.ProviderConfig, typ config.ModelType) *config.ModelConfig {
	names := make([]string, 0, len(cfg.Models))
	for name := range cfg.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	var fallback *config.ModelConfig
	for _, name := range names {
		m := cfg.Models[name]
		if m == nil || m.Type != typ {
			continue
		}
		if m.Active != nil && !*m.Active {
			continue
		}
		if m.Default {
			return m
		}
		if fallback == nil {
			fallback = m
		}
	}
	return fallback
}
