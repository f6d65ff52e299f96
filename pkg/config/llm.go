package config

import (
	"fmt"
	"time"
)

// ProviderType identifies the LLM provider wire protocol.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderWatsonx   ProviderType = "watsonx"
	ProviderGemini    ProviderType = "gemini"
)

// ModelType distinguishes generation from embedding models.
type ModelType string

const (
	ModelGeneration ModelType = "generation"
	ModelEmbedding  ModelType = "embedding"
)

// ProviderConfig configures an LLM provider. Providers declared here are
// seeded into the provider registry at start-up.
type ProviderConfig struct {
	// Type selects the wire protocol (openai, anthropic, watsonx, gemini).
	Type ProviderType `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,description=Provider wire protocol,enum=openai,enum=anthropic,enum=watsonx,enum=gemini,default=openai"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=Custom base URL for API endpoint"`

	// OrgID is the organization id (OpenAI) or project id (watsonx).
	OrgID string `yaml:"org_id,omitempty" json:"org_id,omitempty" jsonschema:"title=Organization ID,description=Organization or project id"`

	// ProjectID scopes watsonx requests to a project.
	ProjectID string `yaml:"project_id,omitempty" json:"project_id,omitempty" jsonschema:"title=Project ID,description=watsonx project id"`

	// Active marks the provider as usable. Default: true
	Active *bool `yaml:"active,omitempty" json:"active,omitempty" jsonschema:"title=Active,default=true"`

	// Default marks the system default provider. At most one provider may
	// set this.
	Default bool `yaml:"default,omitempty" json:"default,omitempty" jsonschema:"title=Default,description=System default provider"`

	// Models declares the models served by this provider.
	Models map[string]*ModelConfig `yaml:"models,omitempty" json:"models,omitempty" jsonschema:"title=Models,description=Models served by this provider"`
}

// ModelConfig configures a single model of a provider.
type ModelConfig struct {
	// Model is the vendor model identifier (e.g., "gpt-4o").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Vendor model identifier"`

	// Type is the model role (generation, embedding). Default: generation
	Type ModelType `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,enum=generation,enum=embedding,default=generation"`

	// Timeout bounds a single provider call. Default: 60s
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,default=60s"`

	// MaxRetries is the retry budget for transient errors. Default: 3
	MaxRetries *int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"title=Max Retries,minimum=0,default=3"`

	// RetryDelay is the initial backoff delay. Default: 1s
	RetryDelay time.Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty" jsonschema:"title=Retry Delay,default=1s"`

	// BatchSize groups texts per embedding request. Default: 32
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty" jsonschema:"title=Batch Size,minimum=1,default=32"`

	// ConcurrencyLimit bounds parallel embedding batches. Default: 4
	ConcurrencyLimit int `yaml:"concurrency_limit,omitempty" json:"concurrency_limit,omitempty" jsonschema:"title=Concurrency Limit,minimum=1,default=4"`

	// Dimension is the embedding vector width. Defaults per known model;
	// required for models the service does not know.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty" jsonschema:"title=Dimension,minimum=1"`

	// Stream enables streaming generation when the caller asks for it.
	// Default: true
	Stream *bool `yaml:"stream,omitempty" json:"stream,omitempty" jsonschema:"title=Stream,default=true"`

	// RateLimit is the per-minute request budget; 0 means unlimited.
	RateLimit int `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty" jsonschema:"title=Rate Limit,minimum=0,default=0"`

	// Default marks the default model for its (provider, type) pair.
	Default bool `yaml:"default,omitempty" json:"default,omitempty" jsonschema:"title=Default"`

	// Active marks the model as usable. Default: true
	Active *bool `yaml:"active,omitempty" json:"active,omitempty" jsonschema:"title=Active,default=true"`
}

// SetDefaults applies default values.
func (c *ProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = ProviderOpenAI
	}

	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(string(c.Type))
	}

	if c.BaseURL == "" {
		switch c.Type {
		case ProviderOpenAI:
			c.BaseURL = "https://api.openai.com/v1"
		case ProviderAnthropic:
			c.BaseURL = "https://api.anthropic.com"
		case ProviderWatsonx:
			c.BaseURL = "https://us-south.ml.cloud.ibm.com"
		case ProviderGemini:
			c.BaseURL = "https://generativelanguage.googleapis.com"
		}
	}

	if c.Active == nil {
		c.Active = BoolPtr(true)
	}

	if len(c.Models) == 0 {
		c.Models = map[string]*ModelConfig{
			"default": {Default: true},
		}
	}
	for name := range c.Models {
		m := c.Models[name]
		m.setDefaults(c.Type)
		c.Models[name] = m
	}
}

func (m *ModelConfig) setDefaults(provider ProviderType) {
	if m.Type == "" {
		m.Type = ModelGeneration
	}

	if m.Model == "" {
		switch provider {
		case ProviderOpenAI:
			if m.Type == ModelEmbedding {
				m.Model = "text-embedding-3-small"
			} else {
				m.Model = "gpt-4o"
			}
		case ProviderAnthropic:
			m.Model = "claude-sonnet-4-20250514"
		case ProviderWatsonx:
			if m.Type == ModelEmbedding {
				m.Model = "ibm/slate-125m-english-rtrvr"
			} else {
				m.Model = "ibm/granite-3-8b-instruct"
			}
		case ProviderGemini:
			if m.Type == ModelEmbedding {
				m.Model = "text-embedding-004"
			} else {
				m.Model = "gemini-2.0-flash"
			}
		}
	}

	if m.Type == ModelEmbedding && m.Dimension == 0 {
		m.Dimension = defaultDimension(m.Model)
	}

	if m.Timeout == 0 {
		m.Timeout = 60 * time.Second
	}
	if m.MaxRetries == nil {
		m.MaxRetries = IntPtr(3)
	}
	if m.RetryDelay == 0 {
		m.RetryDelay = time.Second
	}
	if m.BatchSize == 0 {
		m.BatchSize = 32
	}
	if m.ConcurrencyLimit == 0 {
		m.ConcurrencyLimit = 4
	}
	if m.Stream == nil {
		m.Stream = BoolPtr(true)
	}
	if m.Active == nil {
		m.Active = BoolPtr(true)
	}
}

// defaultDimension returns the embedding width of well-known models.
func defaultDimension(model string) int {
	switch model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-004":
		return 768
	case "ibm/slate-125m-english-rtrvr", "ibm/slate-30m-english-rtrvr":
		return 768
	default:
		return 1536
	}
}

// Validate checks the provider configuration.
func (c *ProviderConfig) Validate() error {
	validTypes := map[ProviderType]bool{
		ProviderOpenAI:    true,
		ProviderAnthropic: true,
		ProviderWatsonx:   true,
		ProviderGemini:    true,
	}
	if !validTypes[c.Type] {
		return fmt.Errorf("invalid provider type %q (valid: openai, anthropic, watsonx, gemini)", c.Type)
	}

	if c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider type %q", c.Type)
	}

	if c.Type == ProviderWatsonx && c.ProjectID == "" {
		return fmt.Errorf("project_id is required for watsonx")
	}

	defaults := 0
	for name, m := range c.Models {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("model %q: %w", name, err)
		}
		if m.Default && m.Type == ModelGeneration {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one default generation model per provider")
	}

	return nil
}

// Validate checks the model configuration.
func (m *ModelConfig) Validate() error {
	if m.Model == "" {
		return fmt.Errorf("model is required")
	}
	switch m.Type {
	case ModelGeneration, ModelEmbedding:
	default:
		return fmt.Errorf("invalid model type %q (valid: generation, embedding)", m.Type)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	if m.MaxRetries != nil && *m.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if m.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if m.ConcurrencyLimit <= 0 {
		return fmt.Errorf("concurrency_limit must be positive")
	}
	if m.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be non-negative")
	}
	if m.Type == ModelEmbedding && m.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive for embedding models")
	}
	return nil
}
