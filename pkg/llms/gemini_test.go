package llms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/config"
)

func TestGeminiConfigMapping(t *testing.T) {
	params := GenerationParams{
		Model:         "gemini-test",
		System:        "Be brief.",
		MaxTokens:     64,
		Temperature:   0.3,
		TopK:          40,
		TopP:          0.9,
		StopSequences: []string{"END"},
	}
	cfg := geminiConfig(params)

	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.3, float64(*cfg.Temperature), 1e-6)
	assert.Equal(t, int32(64), cfg.MaxOutputTokens)
	require.NotNil(t, cfg.TopP)
	assert.InDelta(t, 0.9, float64(*cfg.TopP), 1e-6)
	require.NotNil(t, cfg.TopK)
	assert.InDelta(t, 40, float64(*cfg.TopK), 1e-6)
	assert.Equal(t, []string{"END"}, cfg.StopSequences)
	require.NotNil(t, cfg.SystemInstruction)
	require.Len(t, cfg.SystemInstruction.Parts, 1)
	assert.Equal(t, "Be brief.", cfg.SystemInstruction.Parts[0].Text)
}

func TestGeminiConfigOmitsUnsetKnobs(t *testing.T) {
	cfg := geminiConfig(GenerationParams{Model: "gemini-test", MaxTokens: 10})

	assert.Nil(t, cfg.TopP)
	assert.Nil(t, cfg.TopK)
	assert.Nil(t, cfg.SystemInstruction)
	assert.Empty(t, cfg.StopSequences)
}

func TestGeminiContents(t *testing.T) {
	contents := geminiContents("hello")

	require.Len(t, contents, 1)
	assert.Equal(t, "user", contents[0].Role)
	require.Len(t, contents[0].Parts, 1)
	assert.Equal(t, "hello", contents[0].Parts[0].Text)
}

func TestNewGeminiProviderRequiresKey(t *testing.T) {
	_, err := NewGeminiProvider("gem", &config.ProviderConfig{Type: config.ProviderGemini})
	assert.ErrorContains(t, err, "API key")
}

func TestGeminiEmbedWithoutEmbeddingModel(t *testing.T) {
	provider, err := NewGeminiProvider("gem", &config.ProviderConfig{Type: config.ProviderGemini, APIKey: "key"})
	require.NoError(t, err)

	_, err = provider.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedding model")
}
