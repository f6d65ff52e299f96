package llms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/config"
)

func TestRegistryCreateFromConfig(t *testing.T) {
	reg := NewRegistry()

	provider, err := reg.CreateFromConfig("primary", openAIProviderConfig("https://api.openai.example"))
	require.NoError(t, err)
	assert.Equal(t, "primary", provider.Name())

	got, err := reg.GetProvider("primary")
	require.NoError(t, err)
	assert.Same(t, provider, got)
}

func TestRegistryCreateFromConfigDuplicateName(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.CreateFromConfig("primary", openAIProviderConfig("https://api.openai.example"))
	require.NoError(t, err)

	_, err = reg.CreateFromConfig("primary", anthropicProviderConfig("https://api.anthropic.example"))
	assert.ErrorContains(t, err, "already registered")
}

func TestRegistryCreateFromConfigUnsupportedType(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.CreateFromConfig("mystery", &config.ProviderConfig{Type: "cohere", APIKey: "k"})
	assert.ErrorContains(t, err, "unsupported provider type")
}

func TestRegistryGetProviderMissing(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.GetProvider("ghost")
	assert.ErrorContains(t, err, "not found")
}

func TestDefaultModelConfigPrefersDefault(t *testing.T) {
	cfg := &config.ProviderConfig{
		Models: map[string]*config.ModelConfig{
			"a": {Model: "model-a", Type: config.ModelGeneration},
			"b": {Model: "model-b", Type: config.ModelGeneration, Default: true},
			"c": {Model: "model-c", Type: config.ModelEmbedding, Default: true},
		},
	}

	gen := defaultModelConfig(cfg, config.ModelGeneration)
	require.NotNil(t, gen)
	assert.Equal(t, "model-b", gen.Model)

	emb := defaultModelConfig(cfg, config.ModelEmbedding)
	require.NotNil(t, emb)
	assert.Equal(t, "model-c", emb.Model)
}

func TestDefaultModelConfigFallsBackByName(t *testing.T) {
	cfg := &config.ProviderConfig{
		Models: map[string]*config.ModelConfig{
			"zeta":  {Model: "model-z", Type: config.ModelGeneration},
			"alpha": {Model: "model-a", Type: config.ModelGeneration},
		},
	}

	// No default flagged: the first active model by config name wins.
	got := defaultModelConfig(cfg, config.ModelGeneration)
	require.NotNil(t, got)
	assert.Equal(t, "model-a", got.Model)
}

func TestDefaultModelConfigSkipsInactive(t *testing.T) {
	cfg := &config.ProviderConfig{
		Models: map[string]*config.ModelConfig{
			"off": {Model: "model-off", Type: config.ModelGeneration, Default: true, Active: config.BoolPtr(false)},
			"on":  {Model: "model-on", Type: config.ModelGeneration},
		},
	}

	got := defaultModelConfig(cfg, config.ModelGeneration)
	require.NotNil(t, got)
	assert.Equal(t, "model-on", got.Model)

	assert.Nil(t, defaultModelConfig(cfg, config.ModelEmbedding))
}
