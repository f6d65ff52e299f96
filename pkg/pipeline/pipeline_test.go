package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/databases"
	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/evaluation"
	"github.com/nestor-ai/nestor/pkg/llms"
	"github.com/nestor-ai/nestor/pkg/observability"
	"github.com/nestor-ai/nestor/pkg/storage"
	"github.com/nestor-ai/nestor/pkg/templates"
	"github.com/nestor-ai/nestor/pkg/types"
)

type reply struct {
	text string
	err  error
}

// scriptedProvider pops replies in order and records every prompt and its
// parameters. Calls beyond the script fail the run.
type scriptedProvider struct {
	replies []reply
	prompts []string
	params  []llms.GenerationParams
	delay   time.Duration
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, prompt string, params llms.GenerationParams) (*llms.Result, error) {
	call := len(p.prompts)
	p.prompts = append(p.prompts, prompt)
	p.params = append(p.params, params)

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if call >= len(p.replies) {
		return nil, fmt.Errorf("unexpected generation call %d", call+1)
	}
	r := p.replies[call]
	if r.err != nil {
		return nil, r.err
	}
	return &llms.Result{Text: r.text, InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, nil
}

func (p *scriptedProvider) GenerateStream(context.Context, string, llms.GenerationParams) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("streaming not scripted")
}

func (p *scriptedProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding not scripted")
}

func (p *scriptedProvider) Close() error { return nil }

// fixedEmbedder returns one constant vector and records the embedded
// texts. Safe for the concurrent fan-out.
type fixedEmbedder struct {
	mu     sync.Mutex
	vector []float32
	err    error
	texts  []string
}

func newFixedEmbedder() *fixedEmbedder {
	return &fixedEmbedder{vector: []float32{0.1, 0.2, 0.3}}
}

func (e *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
	if e.err != nil {
		return nil, e.err
	}
	return e.vector, nil
}

func (e *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vector, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vector)
	}
	return out, nil
}

func (e *fixedEmbedder) Dimension() int    { return len(e.vector) }
func (e *fixedEmbedder) ModelName() string { return "test-embedder" }
func (e *fixedEmbedder) Close() error      { return nil }

func (e *fixedEmbedder) embedded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

// stubStore serves scripted hits. byCall entries are consumed one per
// search; once drained (or when unset) every search returns hits.
type stubStore struct {
	mu          sync.Mutex
	hits        []databases.Hit
	byCall      [][]databases.Hit
	err         error
	searches    int
	ks          []int
	collections []string
}

func (s *stubStore) Search(_ context.Context, collection string, _ []float32, k int, _ map[string]any) ([]databases.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches++
	s.ks = append(s.ks, k)
	s.collections = append(s.collections, collection)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.byCall) > 0 {
		hits := s.byCall[0]
		s.byCall = s.byCall[1:]
		return hits, nil
	}
	return s.hits, nil
}

func (s *stubStore) EnsureCollection(context.Context, string, int) error { return nil }
func (s *stubStore) Upsert(context.Context, string, []databases.Record) error {
	return nil
}
func (s *stubStore) DeleteCollection(context.Context, string) error { return nil }
func (s *stubStore) Close() error                                   { return nil }

func (s *stubStore) searchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searches
}

func testDeps(t *testing.T, provider llms.Provider, store databases.VectorStore) *Deps {
	t.Helper()

	settings := &config.Settings{}
	settings.SetDefaults()

	repo := storage.NewMemoryStore().Templates()
	require.NoError(t, templates.SeedSystemDefaults(context.Background(), repo))

	return &Deps{
		Resolver:  config.NewResolver(settings),
		Templates: templates.NewService(repo),
		Provider:  provider,
		Embedder:  newFixedEmbedder(),
		Store:     store,
		StoreName: "memory",
		Params:    llms.GenerationParams{Model: "test-model", MaxTokens: 100},
	}
}

func testContext(question string) *Context {
	return &Context{
		Question:   question,
		UserID:     uuid.New(),
		Collection: "collection_test",
		Pipeline: &types.PipelineConfig{
			Retriever:       types.RetrieverVector,
			ContextStrategy: types.ContextConcatenate,
		},
		Meta: map[string]any{},
	}
}

func goHits() []databases.Hit {
	return []databases.Hit{
		{ID: "c1", Score: 0.9, Text: "Goroutines are lightweight threads managed by the Go runtime."},
		{ID: "c2", Score: 0.7, Text: "Channels carry values between goroutines."},
	}
}

func TestExecutorHappyPath(t *testing.T) {
	store := &stubStore{hits: goHits()}
	provider := &scriptedProvider{replies: []reply{{text: "A goroutine is a lightweight thread."}}}
	exec, err := NewExecutor(testDeps(t, provider, store))
	require.NoError(t, err)

	pc := testContext("What's a goroutine?")
	res, err := exec.Execute(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, "A goroutine is a lightweight thread.", pc.Answer)
	assert.Equal(t, "What is a goroutine?", pc.RewrittenQuery)
	assert.False(t, pc.CoTUsed)
	require.Len(t, pc.QueryResults, 2)
	assert.Equal(t, "c1", pc.QueryResults[0].ID)

	require.Len(t, provider.prompts, 1)
	prompt := provider.prompts[0]
	assert.Contains(t, prompt, "You are a helpful assistant.")
	assert.Contains(t, prompt, "[1] Goroutines are lightweight threads")
	assert.Contains(t, prompt, "[2] Channels carry values")
	assert.Contains(t, prompt, "Question: What's a goroutine?")

	assert.Equal(t, TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, pc.Usage)
	assert.NotNil(t, pc.Evaluation)
	assert.Empty(t, pc.Evaluation)

	assert.False(t, res.Legacy)
	assert.Greater(t, res.Duration, time.Duration(0))
	names := make([]string, 0, len(res.Stages))
	for _, timing := range res.Stages {
		names = append(names, timing.Name)
	}
	assert.Equal(t, exec.Stages(), names)
	assert.Equal(t, 1, store.searchCount())
}

func TestExecutorStageOrder(t *testing.T) {
	exec, err := NewExecutor(testDeps(t, &scriptedProvider{}, &stubStore{}))
	require.NoError(t, err)

	assert.Equal(t, []string{
		StageEnhancement,
		StageRetrieval,
		StageReranking,
		StageReasoning,
		StageGeneration,
		StageEvaluation,
	}, exec.Stages())
}

func TestExecutorShortCircuitsOnStageFailure(t *testing.T) {
	store := &stubStore{err: errdefs.NewVectorStore("qdrant", "search failed", errors.New("connection refused"))}
	provider := &scriptedProvider{}
	exec, err := NewExecutor(testDeps(t, provider, store))
	require.NoError(t, err)

	res, err := exec.Execute(context.Background(), testContext("What is Go?"))
	require.Error(t, err)
	assert.Nil(t, res)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageRetrieval, stageErr.Stage)
	assert.Equal(t, errdefs.KindVectorStore, stageErr.Kind)
	assert.Contains(t, err.Error(), "retrieval stage failed")
	assert.Contains(t, err.Error(), string(errdefs.KindVectorStore))

	// Generation never ran.
	assert.Empty(t, provider.prompts)
}

func TestExecutorLegacyPath(t *testing.T) {
	recorder := &captureMetrics{}
	prev := observability.GetGlobalMetrics()
	observability.SetGlobalMetrics(recorder)
	defer observability.SetGlobalMetrics(prev)

	store := &stubStore{hits: goHits()}
	provider := &scriptedProvider{replies: []reply{{text: "An answer."}}}
	exec, err := NewExecutor(testDeps(t, provider, store))
	require.NoError(t, err)

	pc := testContext("What is Go?")
	pc.Meta["pipeline_rollout_percent"] = 0
	res, err := exec.Execute(context.Background(), pc)
	require.NoError(t, err)

	assert.True(t, res.Legacy)
	assert.Empty(t, res.Stages)
	assert.Equal(t, "An answer.", pc.Answer)
	assert.Empty(t, recorder.stageNames(), "legacy path records no per-stage metrics")
}

func TestExecutorRecordsStageMetrics(t *testing.T) {
	recorder := &captureMetrics{}
	prev := observability.GetGlobalMetrics()
	observability.SetGlobalMetrics(recorder)
	defer observability.SetGlobalMetrics(prev)

	store := &stubStore{hits: goHits()}
	provider := &scriptedProvider{replies: []reply{{text: "An answer."}}}
	exec, err := NewExecutor(testDeps(t, provider, store))
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), testContext("What is Go?"))
	require.NoError(t, err)

	assert.Equal(t, exec.Stages(), recorder.stageNames())
	assert.Equal(t, 1, recorder.vectorSearchCount())
}

func TestExecutorDeadlineShortCircuits(t *testing.T) {
	store := &stubStore{hits: goHits()}
	provider := &scriptedProvider{
		replies: []reply{{text: "too late"}},
		delay:   2 * time.Second,
	}
	exec, err := NewExecutor(testDeps(t, provider, store))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := exec.Execute(ctx, testContext("What is Go?"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, res)
	assert.Less(t, elapsed, time.Second)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageGeneration, stageErr.Stage)
	assert.Equal(t, errdefs.KindDeadlineExceeded, stageErr.Kind)
}

func TestExecutorGroundTruthAndJudge(t *testing.T) {
	store := &stubStore{hits: goHits()}
	provider := &scriptedProvider{replies: []reply{
		{text: "An answer about goroutines."},
		{text: "0.9"},
		{text: "0.7"},
		{text: "0.8"},
	}}
	exec, err := NewExecutor(testDeps(t, provider, store))
	require.NoError(t, err)

	pc := testContext("What is Go?")
	pc.GroundTruth = []string{"c2"}
	pc.Meta["enable_llm_judge"] = true
	_, err = exec.Execute(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, evaluation.Metrics{
		evaluation.MetricHitRate:          1.0,
		evaluation.MetricReciprocalRank:   0.5,
		evaluation.MetricAnswerRelevance:  0.9,
		evaluation.MetricFaithfulness:     0.7,
		evaluation.MetricContextRelevance: 0.8,
	}, pc.Evaluation)

	// One generation call plus three judge calls, all tallied.
	require.Len(t, provider.prompts, 4)
	assert.Equal(t, TokenUsage{InputTokens: 40, OutputTokens: 20, TotalTokens: 60}, pc.Usage)
	for _, params := range provider.params[1:] {
		assert.Equal(t, judgeMaxTokens, params.MaxTokens)
	}
}

func TestNewExecutorValidatesDeps(t *testing.T) {
	deps := testDeps(t, &scriptedProvider{}, &stubStore{})
	deps.Provider = nil

	_, err := NewExecutor(deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}

func TestStageErrorUnwraps(t *testing.T) {
	inner := errdefs.NewValidation("pipeline", "bad input")
	err := stageError(StageGeneration, inner)

	assert.Equal(t, StageGeneration, err.Stage)
	assert.Equal(t, errdefs.KindValidation, err.Kind)
	assert.ErrorIs(t, err, inner)
}

func TestStageErrorWithoutCause(t *testing.T) {
	err := stageError(StageRetrieval, nil)
	require.NotNil(t, err.Err)
	assert.Equal(t, errdefs.KindInternal, err.Kind)
}

// captureMetrics records stage and vector search calls; everything else is
// inherited noop behavior.
type captureMetrics struct {
	observability.NoopMetrics
	mu       sync.Mutex
	stages   []string
	searches int
}

func (m *captureMetrics) RecordStage(_ context.Context, stage string, _ time.Duration, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage)
}

func (m *captureMetrics) RecordVectorSearch(_ context.Context, _ string, _ time.Duration, _ int, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches++
}

func (m *captureMetrics) stageNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stages...)
}

func (m *captureMetrics) vectorSearchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searches
}
