package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReasoningSkipsSimpleQuestions(t *testing.T) {
	provider := &scriptedProvider{}
	stage := &reasoningStage{deps: testDeps(t, provider, &stubStore{hits: goHits()})}

	pc := testContext("What is Go?")
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.False(t, pc.CoTUsed)
	assert.Nil(t, pc.CoTOutput)
	assert.Empty(t, provider.prompts, "the heuristic gate rejects short questions without a model call")
}

func TestReasoningDisabledByConfig(t *testing.T) {
	provider := &scriptedProvider{}
	stage := &reasoningStage{deps: testDeps(t, provider, &stubStore{hits: goHits()})}

	pc := testContext("Compare the garbage collector in Go with the one in Java and explain the trade-offs.")
	pc.Meta["enable_reasoning"] = false
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.False(t, pc.CoTUsed)
	assert.Empty(t, provider.prompts)
}

func TestReasoningForcedRunsTheEngine(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{
		{text: `["What's a goroutine?"]`},
		{text: "A goroutine is a lightweight thread.\nConfidence: 0.9"},
		{text: "Goroutines are lightweight threads scheduled by the runtime."},
	}}
	store := &stubStore{hits: goHits()}
	deps := testDeps(t, provider, store)
	stage := &reasoningStage{deps: deps}

	pc := testContext("What is Go?")
	pc.Meta["force_reasoning"] = true
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	require.True(t, pc.CoTUsed)
	require.NotNil(t, pc.CoTOutput)
	assert.Equal(t, "Goroutines are lightweight threads scheduled by the runtime.", pc.CoTOutput.FinalAnswer)
	require.Len(t, pc.CoTOutput.ReasoningSteps, 1)
	assert.Equal(t, "A goroutine is a lightweight thread.", pc.CoTOutput.ReasoningSteps[0].IntermediateAnswer)
	assert.Equal(t, 0.9, pc.CoTOutput.TotalConfidence)

	// Decomposition, one step, synthesis.
	require.Len(t, provider.prompts, 3)
	// The step budget is MaxTokens scaled by the default 1.5 multiplier.
	assert.Equal(t, 150, provider.params[1].MaxTokens)

	// Step retrieval goes through the shared embed-and-search path, with
	// the sub-question rewritten for retrieval.
	assert.Equal(t, 1, store.searchCount())
	assert.Equal(t, []string{"What is a goroutine?"}, deps.Embedder.(*fixedEmbedder).embedded())

	// Engine calls are tallied into the request usage.
	assert.Equal(t, TokenUsage{InputTokens: 30, OutputTokens: 15, TotalTokens: 45}, pc.Usage)
}

func TestReasoningFailureFallsBackToSingleShot(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{
		{err: errors.New("decompose down")},
		{err: errors.New("step down")},
		{err: errors.New("still down")},
	}}
	stage := &reasoningStage{deps: testDeps(t, provider, &stubStore{hits: goHits()})}

	pc := testContext("What is Go?")
	pc.Meta["force_reasoning"] = true
	sr := stage.Execute(context.Background(), pc)

	// Decomposition failure degrades to a single step over the question;
	// the step then fails twice and the stage hands over to generation.
	require.True(t, sr.Success)
	assert.False(t, pc.CoTUsed)
	assert.Nil(t, pc.CoTOutput)
	assert.Len(t, provider.prompts, 3)
}

func TestReasoningCancelledContextFailsTheStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{replies: []reply{
		{text: `["What's a goroutine?"]`},
		{err: errors.New("interrupted")},
	}}
	stage := &reasoningStage{deps: testDeps(t, provider, &stubStore{hits: goHits()})}

	pc := testContext("What is Go?")
	pc.Meta["force_reasoning"] = true

	// The stubs ignore cancellation, so the run reaches the scripted step
	// failure; the stage must surface the cancellation, not fall back.
	sr := stage.Execute(ctx, pc)
	assert.False(t, sr.Success)
	assert.ErrorIs(t, sr.Err, context.Canceled)
}

func TestReasoningDepthFromMetadata(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{
		{text: `["first part", "second part"]`},
		{text: "First answer.\nConfidence: 0.8"},
		{text: "Second answer.\nConfidence: 0.7"},
		{text: "Combined answer."},
	}}
	stage := &reasoningStage{deps: testDeps(t, provider, &stubStore{hits: goHits()})}

	pc := testContext("What is Go?")
	pc.Meta["force_reasoning"] = true
	pc.Meta["cot_max_reasoning_depth"] = 2
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	require.NotNil(t, pc.CoTOutput)
	assert.Contains(t, provider.prompts[0], "at most 2 ordered sub-questions")
	assert.Len(t, pc.CoTOutput.ReasoningSteps, 2)
	assert.Equal(t, 0.7, pc.CoTOutput.TotalConfidence)
}
