package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nestor-ai/nestor/pkg/config/provider"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "test.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}
	return configFile
}

func TestLoader_File_Load(t *testing.T) {
	os.Setenv("NESTOR_JWT_SECRET", "test-secret")
	defer os.Unsetenv("NESTOR_JWT_SECRET")

	configFile := writeConfigFile(t, `
version: "1.0"
name: "test-service"
settings:
  number_of_results: 5
  enable_reranking: true
  embedding_model: text-embedding-3-small
providers:
  openai:
    type: openai
    api_key: test-key
    models:
      gen:
        model: gpt-4o
        type: generation
        default: true
vector_stores:
  main:
    type: chromem
`)

	p, err := provider.NewFileProvider(configFile)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Version != "1.0" {
		t.Errorf("expected version 1.0, got %s", cfg.Version)
	}
	if cfg.Name != "test-service" {
		t.Errorf("expected name 'test-service', got %s", cfg.Name)
	}
	if cfg.Settings.NumberOfResults != 5 {
		t.Errorf("expected number_of_results 5, got %d", cfg.Settings.NumberOfResults)
	}
	if !*cfg.Settings.EnableReranking {
		t.Error("expected enable_reranking true")
	}
	if len(cfg.Providers) != 1 {
		t.Errorf("expected 1 provider, got %d", len(cfg.Providers))
	}
	if cfg.Providers["openai"].Models["gen"].Model != "gpt-4o" {
		t.Errorf("unexpected model: %+v", cfg.Providers["openai"].Models["gen"])
	}
	if cfg.VectorStores["main"].Type != VectorStoreChromem {
		t.Errorf("expected chromem store, got %s", cfg.VectorStores["main"].Type)
	}
}

func TestLoader_EnvVarExpansion(t *testing.T) {
	os.Setenv("NESTOR_TEST_KEY", "secret-key-123")
	os.Setenv("NESTOR_JWT_SECRET", "test-secret")
	defer func() {
		os.Unsetenv("NESTOR_TEST_KEY")
		os.Unsetenv("NESTOR_JWT_SECRET")
	}()

	configFile := writeConfigFile(t, `
settings:
  embedding_model: text-embedding-3-small
providers:
  openai:
    type: openai
    api_key: ${NESTOR_TEST_KEY}
`)

	p, err := provider.NewFileProvider(configFile)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Providers["openai"].APIKey != "secret-key-123" {
		t.Errorf("expected expanded api key, got %q", cfg.Providers["openai"].APIKey)
	}
}

func TestLoader_ValidationFailure(t *testing.T) {
	os.Setenv("NESTOR_JWT_SECRET", "test-secret")
	defer os.Unsetenv("NESTOR_JWT_SECRET")

	configFile := writeConfigFile(t, `
settings:
  retrieval_type: graph
  embedding_model: text-embedding-3-small
providers:
  openai:
    type: openai
    api_key: test-key
`)

	p, err := provider.NewFileProvider(configFile)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	if _, err := loader.Load(context.Background()); err == nil {
		t.Error("expected validation error for bad retrieval_type")
	}
}

func TestLoader_Watch_ReloadsOnChange(t *testing.T) {
	os.Setenv("NESTOR_JWT_SECRET", "test-secret")
	defer os.Unsetenv("NESTOR_JWT_SECRET")

	configFile := writeConfigFile(t, `
settings:
  number_of_results: 5
  embedding_model: text-embedding-3-small
providers:
  openai:
    type: openai
    api_key: test-key
`)

	p, err := provider.NewFileProvider(configFile)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	reloaded := make(chan *Config, 1)
	loader := NewLoader(p, WithOnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = loader.Watch(ctx) }()

	// Give the watcher time to establish before writing.
	time.Sleep(200 * time.Millisecond)

	updated := `
settings:
  number_of_results: 9
  embedding_model: text-embedding-3-small
providers:
  openai:
    type: openai
    api_key: test-key
`
	if err := os.WriteFile(configFile, []byte(updated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Settings.NumberOfResults != 9 {
			t.Errorf("reloaded number_of_results = %d, want 9", cfg.Settings.NumberOfResults)
		}
	case <-time.After(3 * time.Second):
		t.Error("expected reload to be triggered, but it wasn't")
	}
}
