package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RetrieverKind selects the retrieval path for a pipeline.
type RetrieverKind string

const (
	RetrieverVector  RetrieverKind = "vector"
	RetrieverKeyword RetrieverKind = "keyword"
	RetrieverHybrid  RetrieverKind = "hybrid"
)

// ContextStrategy names how retrieved passages are folded into the prompt.
type ContextStrategy string

const (
	// ContextConcatenate joins passages in retrieval order.
	ContextConcatenate ContextStrategy = "concatenate"
	// ContextPriority orders passages by score before joining.
	ContextPriority ContextStrategy = "priority"
)

// PipelineConfig is a user's retrieval-generation recipe, optionally scoped
// to a collection. Exactly one pipeline per (owner, collection) pair may be
// the default.
//
// ConfigMetadata carries per-request overrides; only the config Resolver
// reads it.
type PipelineConfig struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	CollectionID     *uuid.UUID      `json:"collection_id,omitempty"`
	Name             string          `json:"name"`
	ChunkingStrategy string          `json:"chunking_strategy,omitempty"`
	EmbeddingModel   string          `json:"embedding_model"`
	Retriever        RetrieverKind   `json:"retriever"`
	ContextStrategy  ContextStrategy `json:"context_strategy,omitempty"`
	MaxContextLength int             `json:"max_context_length,omitempty"`
	Timeout          time.Duration   `json:"timeout,omitempty"`
	ConfigMetadata   map[string]any  `json:"config_metadata,omitempty"`
	ProviderID       uuid.UUID       `json:"provider_id"`
	IsDefault        bool            `json:"is_default"`
	Timestamps
}

// Validate checks the pipeline record.
func (p *PipelineConfig) Validate() error {
	if p.UserID == uuid.Nil {
		return fmt.Errorf("user_id is required")
	}
	if p.EmbeddingModel == "" {
		return fmt.Errorf("embedding_model is required")
	}
	switch p.Retriever {
	case RetrieverVector, RetrieverKeyword, RetrieverHybrid:
	default:
		return fmt.Errorf("invalid retriever %q (valid: vector, keyword, hybrid)", p.Retriever)
	}
	switch p.ContextStrategy {
	case ContextConcatenate, ContextPriority, "":
	default:
		return fmt.Errorf("invalid context_strategy %q", p.ContextStrategy)
	}
	if p.MaxContextLength < 0 {
		return fmt.Errorf("max_context_length must be non-negative")
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}
