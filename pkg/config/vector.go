package config

import (
	"fmt"
	"time"
)

// VectorStoreType identifies the vector store backend.
type VectorStoreType string

const (
	VectorStoreQdrant   VectorStoreType = "qdrant"
	VectorStoreChromem  VectorStoreType = "chromem"
	VectorStorePinecone VectorStoreType = "pinecone"
)

// VectorStoreConfig configures a vector store backend.
//
// Example:
//
//	vector_stores:
//	  main:
//	    type: qdrant
//	    host: localhost
//	    port: 6334
type VectorStoreConfig struct {
	// Type identifies the backend (qdrant, chromem, pinecone).
	// Default: qdrant
	Type VectorStoreType `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,description=Vector store backend,enum=qdrant,enum=chromem,enum=pinecone,default=qdrant"`

	// Host is the store hostname (qdrant). Default: localhost
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Vector store hostname"`

	// Port is the store port (qdrant gRPC). Default: 6334
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,description=Vector store port"`

	// APIKey authenticates against managed deployments (qdrant cloud,
	// pinecone). Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key (use ${ENV_VAR})"`

	// UseTLS enables TLS for the connection.
	UseTLS bool `yaml:"use_tls,omitempty" json:"use_tls,omitempty" jsonschema:"title=Use TLS"`

	// Insecure skips TLS certificate verification.
	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty" jsonschema:"title=Insecure,description=Skip TLS verification"`

	// Timeout bounds store operations. Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,default=30s"`

	// PersistPath enables file persistence for the embedded chromem store.
	// Empty keeps vectors in memory only.
	PersistPath string `yaml:"persist_path,omitempty" json:"persist_path,omitempty" jsonschema:"title=Persist Path,description=File persistence path (chromem)"`

	// Compress gzips persisted chromem data.
	Compress bool `yaml:"compress,omitempty" json:"compress,omitempty" jsonschema:"title=Compress,description=Compress persisted data (chromem)"`

	// IndexHost is the pinecone index host URL.
	IndexHost string `yaml:"index_host,omitempty" json:"index_host,omitempty" jsonschema:"title=Index Host,description=Index host URL (pinecone)"`

	// NProbe tunes search recall on IVF-style indexes; passed through as a
	// search param. 0 uses the store default.
	NProbe int `yaml:"nprobe,omitempty" json:"nprobe,omitempty" jsonschema:"title=NProbe,minimum=0"`
}

// SetDefaults applies default values.
func (c *VectorStoreConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = VectorStoreQdrant
	}
	if c.Type == VectorStoreQdrant {
		if c.Host == "" {
			c.Host = envString("NESTOR_VECTOR_STORE_HOST", "localhost")
		}
		if c.Port == 0 {
			c.Port = envInt("NESTOR_VECTOR_STORE_PORT", 6334)
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate checks the configuration for errors.
func (c *VectorStoreConfig) Validate() error {
	switch c.Type {
	case VectorStoreQdrant:
		if c.Host == "" {
			return fmt.Errorf("host is required for qdrant")
		}
		if c.Port <= 0 {
			return fmt.Errorf("port must be positive for qdrant")
		}
	case VectorStoreChromem:
		// Embedded store; nothing required.
	case VectorStorePinecone:
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for pinecone")
		}
	default:
		return fmt.Errorf("unknown vector store type: %q", c.Type)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	if c.NProbe < 0 {
		return fmt.Errorf("nprobe must be non-negative")
	}
	return nil
}
