// Package config defines the service configuration: YAML-decoded structs
// with SetDefaults/Validate, environment expansion, process-wide Settings,
// and the hierarchical Resolver used for per-pipeline overrides.
package config

import (
	"fmt"
	"os"
)

// Config is the root configuration for the service.
type Config struct {
	Version     string            `yaml:"version,omitempty" json:"version,omitempty" jsonschema:"title=Version"`
	Name        string            `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description"`
	Metadata    map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty" jsonschema:"title=Metadata"`

	// Logger configures logging.
	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty" jsonschema:"title=Logger"`

	// Server configures the HTTP server, auth, and observability.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server"`

	// Database configures the relational store.
	Database DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty" jsonschema:"title=Database"`

	// Settings holds the process-wide tunable defaults.
	Settings Settings `yaml:"settings,omitempty" json:"settings,omitempty" jsonschema:"title=Settings"`

	// Providers declares LLM providers by name.
	Providers map[string]*ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty" jsonschema:"title=Providers"`

	// VectorStores declares vector store backends by name.
	VectorStores map[string]*VectorStoreConfig `yaml:"vector_stores,omitempty" json:"vector_stores,omitempty" jsonschema:"title=Vector Stores"`
}

// SetDefaults applies default values across all sections. Zero-config
// start-up works when credentials are present in the environment: a default
// provider and vector store are synthesized.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "nestor"
	}

	c.Logger.SetDefaults()
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Settings.SetDefaults()

	if c.Providers == nil {
		c.Providers = make(map[string]*ProviderConfig)
	}
	if len(c.Providers) == 0 {
		c.Providers["default"] = &ProviderConfig{
			Type:    detectProviderFromEnv(),
			Default: true,
			Models: map[string]*ModelConfig{
				"generation": {Type: ModelGeneration, Default: true},
				"embedding":  {Type: ModelEmbedding, Default: true},
			},
		}
	}
	for name := range c.Providers {
		p := c.Providers[name]
		p.SetDefaults()
		c.Providers[name] = p
	}

	if c.VectorStores == nil {
		c.VectorStores = make(map[string]*VectorStoreConfig)
	}
	if len(c.VectorStores) == 0 {
		c.VectorStores["main"] = &VectorStoreConfig{}
	}
	for name := range c.VectorStores {
		vs := c.VectorStores[name]
		vs.SetDefaults()
		c.VectorStores[name] = vs
	}

	// Fall back to the first default embedding model declared by a provider.
	if c.Settings.EmbeddingModel == "" {
		for _, p := range c.Providers {
			for _, m := range p.Models {
				if m.Type == ModelEmbedding && m.Default {
					c.Settings.EmbeddingModel = m.Model
					break
				}
			}
			if c.Settings.EmbeddingModel != "" {
				break
			}
		}
	}
}

// Validate checks the whole configuration for errors.
func (c *Config) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	defaults := 0
	credentialed := 0
	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
		if p.Default {
			defaults++
		}
		if p.APIKey != "" {
			credentialed++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one default provider (found %d)", defaults)
	}
	if credentialed == 0 {
		return fmt.Errorf("at least one provider needs credentials (set OPENAI_API_KEY, ANTHROPIC_API_KEY, WATSONX_API_KEY, or GEMINI_API_KEY)")
	}

	for name, vs := range c.VectorStores {
		if err := vs.Validate(); err != nil {
			return fmt.Errorf("vector store %q: %w", name, err)
		}
	}

	if c.Settings.EmbeddingModel == "" {
		return fmt.Errorf("settings: embedding_model is required (set NESTOR_EMBEDDING_MODEL or declare an embedding model)")
	}

	return nil
}

// DefaultProvider returns the name of the default provider, or the only
// provider when exactly one is declared.
func (c *Config) DefaultProvider() (string, bool) {
	for name, p := range c.Providers {
		if p.Default {
			return name, true
		}
	}
	if len(c.Providers) == 1 {
		for name := range c.Providers {
			return name, true
		}
	}
	return "", false
}

// detectProviderFromEnv detects provider type based on available API keys.
func detectProviderFromEnv() ProviderType {
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return ProviderAnthropic
	}
	if os.Getenv("WATSONX_API_KEY") != "" {
		return ProviderWatsonx
	}
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		return ProviderGemini
	}
	// Default to OpenAI
	return ProviderOpenAI
}
