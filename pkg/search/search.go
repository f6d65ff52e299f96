// Package search is the service facade over the pipeline. It validates
// the request, resolves which pipeline serves the caller, binds the
// provider, embedder and vector store handles for the run, applies the
// pipeline deadline, and maps the pipeline context onto the public
// response shape.
//
// The request never names a pipeline. Resolution walks the (user,
// collection) default, then the user-wide default, and fails with
// ConfigurationMissing when neither exists.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/databases"
	"github.com/nestor-ai/nestor/pkg/embedders"
	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/evaluation"
	"github.com/nestor-ai/nestor/pkg/llms"
	"github.com/nestor-ai/nestor/pkg/observability"
	"github.com/nestor-ai/nestor/pkg/pipeline"
	"github.com/nestor-ai/nestor/pkg/reasoning"
	"github.com/nestor-ai/nestor/pkg/storage"
	"github.com/nestor-ai/nestor/pkg/templates"
	"github.com/nestor-ai/nestor/pkg/types"
)

// Input is one search request. It deliberately carries no pipeline field:
// the service resolves the pipeline for the caller, and the HTTP layer
// rejects bodies that try to supply one.
type Input struct {
	Question       string         `json:"question"`
	CollectionID   uuid.UUID      `json:"collection_id"`
	UserID         uuid.UUID      `json:"user_id"`
	ConfigMetadata map[string]any `json:"config_metadata,omitempty"`

	// GroundTruth lists the chunk ids an evaluation run expects. Classical
	// retrieval metrics are computed only when it is set.
	GroundTruth []string `json:"ground_truth,omitempty"`
}

// Validate rejects requests no pipeline could serve.
func (in *Input) Validate() error {
	if strings.TrimSpace(in.Question) == "" {
		return errdefs.NewValidation("search", "question cannot be empty")
	}
	if in.UserID == uuid.Nil {
		return errdefs.NewValidation("search", "user_id is required")
	}
	if in.CollectionID == uuid.Nil {
		return errdefs.NewValidation("search", "collection_id is required")
	}
	return nil
}

// Document is one source document the retrieved chunks came from.
type Document struct {
	DocumentName string         `json:"document_name"`
	Title        string         `json:"title,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// QueryResult is one retrieved chunk as returned to the client.
type QueryResult struct {
	ChunkID    string    `json:"chunk_id"`
	Text       string    `json:"text"`
	Score      float32   `json:"score"`
	Embeddings []float32 `json:"embeddings,omitempty"`
}

// Metadata summarizes how the answer was produced.
type Metadata struct {
	CoTUsed           bool                `json:"cot_used"`
	ReasoningStrategy string              `json:"reasoning_strategy,omitempty"`
	TokenUsage        pipeline.TokenUsage `json:"token_usage"`
	ExecutionTime     time.Duration       `json:"execution_time"`
}

// Output is the public search response.
type Output struct {
	Answer         string             `json:"answer"`
	Documents      []Document         `json:"documents"`
	QueryResults   []QueryResult      `json:"query_results"`
	RewrittenQuery string             `json:"rewritten_query"`
	Evaluation     evaluation.Metrics `json:"evaluation"`
	CoTOutput      *reasoning.Output  `json:"cot_output,omitempty"`
	Metadata       Metadata           `json:"metadata"`
}

// Deps are the long-lived handles the facade draws on. One Service is
// shared across requests; per-request state lives in the pipeline context.
type Deps struct {
	Store     storage.Store
	Providers *llms.Registry
	Embedders *embedders.Registry
	Templates *templates.Service
	Resolver  *config.Resolver

	// Vector is the backend every collection lives in. VectorName labels
	// it in metrics, e.g. "qdrant".
	Vector     databases.VectorStore
	VectorName string
}

func (d *Deps) validate() error {
	if d.Store == nil {
		return fmt.Errorf("search: store is required")
	}
	if d.Providers == nil {
		return fmt.Errorf("search: provider registry is required")
	}
	if d.Embedders == nil {
		return fmt.Errorf("search: embedder registry is required")
	}
	if d.Templates == nil {
		return fmt.Errorf("search: template service is required")
	}
	if d.Resolver == nil {
		return fmt.Errorf("search: config resolver is required")
	}
	if d.Vector == nil {
		return fmt.Errorf("search: vector store is required")
	}
	return nil
}

// Service answers questions against a collection.
type Service struct {
	store      storage.Store
	providers  *llms.Registry
	embedders  *embedders.Registry
	templates  *templates.Service
	resolver   *config.Resolver
	vector     databases.VectorStore
	vectorName string
}

func NewService(deps Deps) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Service{
		store:      deps.Store,
		providers:  deps.Providers,
		embedders:  deps.Embedders,
		templates:  deps.Templates,
		resolver:   deps.Resolver,
		vector:     deps.Vector,
		vectorName: deps.VectorName,
	}, nil
}

// Search runs one question through the resolved pipeline and shapes the
// response. Errors carry a taxonomy kind all the way up; a fired pipeline
// deadline surfaces as DeadlineExceeded regardless of which stage was
// in flight.
func (s *Service) Search(ctx context.Context, in Input) (*Output, error) {
	tracer := observability.GetTracer("nestor.search")
	ctx, span := tracer.Start(ctx, observability.SpanSearch,
		trace.WithAttributes(
			attribute.String(observability.AttrUserID, in.UserID.String()),
			attribute.String(observability.AttrCollection, in.CollectionID.String()),
		),
	)
	defer span.End()

	start := time.Now()
	out, err := s.search(ctx, in, nil)
	observability.GetGlobalMetrics().RecordSearch(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// SearchStream is Search with incremental answer delivery: onDelta
// receives each generation text delta as it arrives, and the full Output
// is returned once the run completes. Stages before generation run
// exactly as in Search, so deltas only start after retrieval settles.
func (s *Service) SearchStream(ctx context.Context, in Input, onDelta func(delta string)) (*Output, error) {
	if onDelta == nil {
		return nil, errdefs.NewValidation("search", "delta sink is required for streaming")
	}
	tracer := observability.GetTracer("nestor.search")
	ctx, span := tracer.Start(ctx, observability.SpanSearch,
		trace.WithAttributes(
			attribute.String(observability.AttrUserID, in.UserID.String()),
			attribute.String(observability.AttrCollection, in.CollectionID.String()),
			attribute.Bool("nestor.search.stream", true),
		),
	)
	defer span.End()

	start := time.Now()
	out, err := s.search(ctx, in, onDelta)
	observability.GetGlobalMetrics().RecordSearch(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func (s *Service) search(ctx context.Context, in Input, onDelta func(string)) (*Output, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	collection, err := s.store.Collections().Get(ctx, in.CollectionID)
	if err != nil {
		return nil, err
	}
	if !collection.HasMember(in.UserID) {
		return nil, errdefs.NewNotFound("search", "collection", in.CollectionID.String())
	}

	pipe, err := s.resolvePipeline(ctx, in.UserID, in.CollectionID)
	if err != nil {
		return nil, err
	}

	exec, err := s.executor(ctx, pipe)
	if err != nil {
		return nil, err
	}

	if pipe.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pipe.Timeout)
		defer cancel()
	}

	pc := &pipeline.Context{
		Question:    strings.TrimSpace(in.Question),
		UserID:      in.UserID,
		Pipeline:    pipe,
		Collection:  collection.VectorStoreName,
		Meta:        mergeMeta(pipe.ConfigMetadata, in.ConfigMetadata),
		GroundTruth: in.GroundTruth,
		OnDelta:     onDelta,
	}

	res, err := exec.Execute(ctx, pc)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errdefs.Wrap(errdefs.KindDeadlineExceeded, "search", "request deadline exceeded", err)
		}
		return nil, err
	}

	slog.Debug("search completed",
		"user_id", in.UserID,
		"collection", collection.Name,
		"duration", res.Duration,
		"results", len(pc.QueryResults),
		"cot_used", pc.CoTUsed,
	)
	return buildOutput(pc, res), nil
}

// resolvePipeline walks the default chain: the (user, collection) default,
// then the user-wide default.
func (s *Service) resolvePipeline(ctx context.Context, userID, collectionID uuid.UUID) (*types.PipelineConfig, error) {
	pipe, err := s.store.Pipelines().DefaultFor(ctx, userID, &collectionID)
	if err == nil {
		return pipe, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}

	pipe, err = s.store.Pipelines().DefaultFor(ctx, userID, nil)
	if err == nil {
		return pipe, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	return nil, errdefs.NewConfigurationMissing("search", fmt.Sprintf("default pipeline for user %s", userID))
}

// executor binds the pipeline's provider, embedder and parameters to a
// fresh stage executor for this request.
func (s *Service) executor(ctx context.Context, pipe *types.PipelineConfig) (*pipeline.Executor, error) {
	row, err := s.store.Providers().Get(ctx, pipe.ProviderID)
	if err != nil {
		return nil, err
	}
	if !row.IsActive {
		return nil, errdefs.NewValidation("search", fmt.Sprintf("provider %q is inactive", row.Name))
	}

	provider, ok := s.providers.Get(row.Name)
	if !ok {
		return nil, errdefs.NewConfigurationMissing("search", fmt.Sprintf("registered client for provider %q", row.Name))
	}
	embedder, err := s.embedders.GetEmbedder(row.Name)
	if err != nil {
		return nil, errdefs.NewConfigurationMissing("search", fmt.Sprintf("registered embedder for provider %q", row.Name))
	}

	params, err := s.generationParams(ctx, pipe.UserID, row)
	if err != nil {
		return nil, err
	}

	return pipeline.NewExecutor(&pipeline.Deps{
		Resolver:  s.resolver,
		Templates: s.templates,
		Provider:  provider,
		Embedder:  embedder,
		Store:     s.vector,
		StoreName: s.vectorName,
		Params:    params,
	})
}

// generationParams resolves the base parameters for the run from the
// provider's default generation model and the user's parameter set.
func (s *Service) generationParams(ctx context.Context, userID uuid.UUID, row *types.Provider) (llms.GenerationParams, error) {
	model, err := s.store.Models().DefaultFor(ctx, row.ID, types.ModelKindGeneration)
	if errdefs.IsNotFound(err) {
		return llms.GenerationParams{}, errdefs.NewConfigurationMissing("search", fmt.Sprintf("default generation model for provider %q", row.Name))
	}
	if err != nil {
		return llms.GenerationParams{}, err
	}
	if !model.IsActive {
		return llms.GenerationParams{}, errdefs.NewConfigurationMissing("search", fmt.Sprintf("active generation model for provider %q", row.Name))
	}

	set, err := s.userParameters(ctx, userID)
	if err != nil {
		return llms.GenerationParams{}, err
	}

	return llms.GenerationParams{
		Model:             model.ModelID,
		MaxTokens:         set.MaxNewTokens,
		Temperature:       set.Temperature,
		TopK:              set.TopK,
		TopP:              set.TopP,
		RepetitionPenalty: set.RepetitionPenalty,
	}, nil
}

// userParameters applies the lookup chain: user default, then system
// default.
func (s *Service) userParameters(ctx context.Context, userID uuid.UUID) (*types.LLMParameters, error) {
	set, err := s.store.Parameters().DefaultFor(ctx, userID)
	if err == nil {
		return set, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}

	set, err = s.store.Parameters().DefaultFor(ctx, uuid.Nil)
	if err == nil {
		return set, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	return nil, errdefs.NewConfigurationMissing("search", "default LLM parameter set")
}

// mergeMeta overlays request metadata on the stored pipeline metadata.
func mergeMeta(stored, request map[string]any) map[string]any {
	if len(stored) == 0 && len(request) == 0 {
		return nil
	}
	merged := make(map[string]any, len(stored)+len(request))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range request {
		merged[k] = v
	}
	return merged
}

func buildOutput(pc *pipeline.Context, res *pipeline.Result) *Output {
	out := &Output{
		Answer:         pc.Answer,
		Documents:      documentsFrom(pc.QueryResults),
		QueryResults:   resultsFrom(pc.QueryResults),
		RewrittenQuery: pc.RewrittenQuery,
		Evaluation:     pc.Evaluation,
		Metadata: Metadata{
			CoTUsed:       pc.CoTUsed,
			TokenUsage:    pc.Usage,
			ExecutionTime: res.Duration,
		},
	}
	if out.Evaluation == nil {
		out.Evaluation = evaluation.Metrics{}
	}
	if pc.CoTUsed && pc.CoTOutput != nil {
		out.CoTOutput = pc.CoTOutput
		out.Metadata.ReasoningStrategy = pc.CoTOutput.ReasoningStrategy
	}
	return out
}

// Chunk tags that describe the chunk, not its document.
var chunkTags = map[string]bool{
	"document_name": true,
	"title":         true,
	"chunk_number":  true,
	"page_number":   true,
}

// documentsFrom lifts the distinct source documents out of the hit tags,
// keeping first-seen order.
func documentsFrom(hits []databases.Hit) []Document {
	seen := make(map[string]bool)
	docs := make([]Document, 0, len(hits))
	for _, hit := range hits {
		name, _ := hit.Tags["document_name"].(string)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		doc := Document{DocumentName: name}
		if title, ok := hit.Tags["title"].(string); ok {
			doc.Title = title
		}
		for key, value := range hit.Tags {
			if chunkTags[key] {
				continue
			}
			if doc.Metadata == nil {
				doc.Metadata = make(map[string]any)
			}
			doc.Metadata[key] = value
		}
		docs = append(docs, doc)
	}
	return docs
}

func resultsFrom(hits []databases.Hit) []QueryResult {
	out := make([]QueryResult, len(hits))
	for i, hit := range hits {
		out[i] = QueryResult{ChunkID: hit.ID, Text: hit.Text, Score: hit.Score}
	}
	return out
}
