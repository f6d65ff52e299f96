package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LLMParameters is a named, user-owned generation parameter set.
// At most one set per owner may be the default.
type LLMParameters struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"user_id"`
	Name              string    `json:"name"`
	MaxNewTokens      int       `json:"max_new_tokens"`
	Temperature       float64   `json:"temperature"`
	TopK              int       `json:"top_k"`
	TopP              float64   `json:"top_p"`
	RepetitionPenalty *float64  `json:"repetition_penalty,omitempty"`
	IsDefault         bool      `json:"is_default"`
	Timestamps
}

// Validate checks the parameter bounds. UserID may be uuid.Nil for the
// system-provided default set.
func (p *LLMParameters) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.MaxNewTokens <= 0 {
		return fmt.Errorf("max_new_tokens must be positive")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if p.TopK < 0 {
		return fmt.Errorf("top_k must be non-negative")
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("top_p must be between 0 and 1")
	}
	if p.RepetitionPenalty != nil && *p.RepetitionPenalty <= 0 {
		return fmt.Errorf("repetition_penalty must be positive")
	}
	return nil
}

// Provider is a registered LLM vendor endpoint. Names are unique; at most
// one provider is the system default.
type Provider struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	BaseURL   string    `json:"base_url"`
	APIKey    string    `json:"-"`
	OrgID     string    `json:"org_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	IsActive  bool      `json:"is_active"`
	IsDefault bool      `json:"is_default"`
	Timestamps
}

// Validate checks the provider record.
func (p *Provider) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Type == "" {
		return fmt.Errorf("type is required")
	}
	if p.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	return nil
}

// ModelKind distinguishes generation from embedding models.
type ModelKind string

const (
	ModelKindGeneration ModelKind = "generation"
	ModelKindEmbedding  ModelKind = "embedding"
)

// Model is a provider-served model with its runtime envelope. At most one
// model per (provider, kind) pair is the default.
type Model struct {
	ID               uuid.UUID     `json:"id"`
	ProviderID       uuid.UUID     `json:"provider_id"`
	ModelID          string        `json:"model_id"`
	Kind             ModelKind     `json:"kind"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	MaxRetries       int           `json:"max_retries,omitempty"`
	BatchSize        int           `json:"batch_size,omitempty"`
	RetryDelay       time.Duration `json:"retry_delay,omitempty"`
	ConcurrencyLimit int           `json:"concurrency_limit,omitempty"`
	Stream           bool          `json:"stream"`
	RateLimit        int           `json:"rate_limit,omitempty"`
	IsDefault        bool          `json:"is_default"`
	IsActive         bool          `json:"is_active"`
	Timestamps
}

// Validate checks the model record.
func (m *Model) Validate() error {
	if m.ProviderID == uuid.Nil {
		return fmt.Errorf("provider_id is required")
	}
	if m.ModelID == "" {
		return fmt.Errorf("model_id is required")
	}
	switch m.Kind {
	case ModelKindGeneration, ModelKindEmbedding:
	default:
		return fmt.Errorf("invalid kind %q (valid: generation, embedding)", m.Kind)
	}
	if m.Timeout < 0 || m.RetryDelay < 0 {
		return fmt.Errorf("timeout and retry_delay must be non-negative")
	}
	if m.MaxRetries < 0 || m.BatchSize < 0 || m.ConcurrencyLimit < 0 || m.RateLimit < 0 {
		return fmt.Errorf("retry, batch, concurrency, and rate limits must be non-negative")
	}
	return nil
}
