package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/types"
)

func TestEnhancementRewritesTheQuestion(t *testing.T) {
	provider := &scriptedProvider{}
	stage := &enhancementStage{deps: testDeps(t, provider, &stubStore{})}

	pc := testContext("What's   the difference between maps and slices?")
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.Equal(t, "What is the difference between maps and slices?", pc.RewrittenQuery)
	assert.Equal(t, []string{pc.RewrittenQuery}, pc.QueryVariants)
	assert.Empty(t, provider.prompts, "vector retrieval makes no expansion call")
}

func TestEnhancementDisabledPassesQuestionThrough(t *testing.T) {
	stage := &enhancementStage{deps: testDeps(t, &scriptedProvider{}, &stubStore{})}

	pc := testContext("What's a mutex?")
	pc.Meta["enable_query_enhancement"] = false
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.Equal(t, "What's a mutex?", pc.RewrittenQuery)
	assert.Equal(t, []string{"What's a mutex?"}, pc.QueryVariants)
}

func TestEnhancementHybridExpandsVariants(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{
		{text: `["goroutine scheduling internals", "how the Go scheduler works"]`},
	}}
	stage := &enhancementStage{deps: testDeps(t, provider, &stubStore{})}

	pc := testContext("How are goroutines scheduled?")
	pc.Pipeline.Retriever = types.RetrieverHybrid
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.Equal(t, []string{
		"How are goroutines scheduled?",
		"goroutine scheduling internals",
		"how the Go scheduler works",
	}, pc.QueryVariants)

	require.Len(t, provider.prompts, 1)
	assert.Contains(t, provider.prompts[0], "How are goroutines scheduled?")
	assert.Equal(t, expansionMaxTokens, provider.params[0].MaxTokens)
}

func TestEnhancementExpansionFailureDegrades(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{{err: errors.New("model down")}}}
	stage := &enhancementStage{deps: testDeps(t, provider, &stubStore{})}

	pc := testContext("How are goroutines scheduled?")
	pc.Pipeline.Retriever = types.RetrieverHybrid
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.Equal(t, []string{"How are goroutines scheduled?"}, pc.QueryVariants)
}

func TestEnhancementKeywordAppendsCanonicalForm(t *testing.T) {
	stage := &enhancementStage{deps: testDeps(t, &scriptedProvider{}, &stubStore{})}

	pc := testContext("What is the capital of France?")
	pc.Pipeline.Retriever = types.RetrieverKeyword
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.Equal(t, "What is the capital of France? capital of France", pc.RewrittenQuery)
}

func TestEnhancementRetrievalTypeFromMetadata(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{{text: `["variant one"]`}}}
	stage := &enhancementStage{deps: testDeps(t, provider, &stubStore{})}

	// Pipeline says vector; the request overrides to hybrid.
	pc := testContext("How are goroutines scheduled?")
	pc.Meta["retrieval_type"] = "hybrid"
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.Equal(t, []string{"How are goroutines scheduled?", "variant one"}, pc.QueryVariants)
}
