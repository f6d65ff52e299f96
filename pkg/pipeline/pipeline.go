// Package pipeline runs one search request through an ordered set of
// stages: query enhancement, retrieval, reranking, reasoning, generation
// and evaluation. Stages communicate through a shared Context and return
// explicit results instead of panicking or throwing; the executor stops at
// the first failure and reports which stage broke and how.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nestor-ai/nestor/pkg/databases"
	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/evaluation"
	"github.com/nestor-ai/nestor/pkg/llms"
	"github.com/nestor-ai/nestor/pkg/observability"
	"github.com/nestor-ai/nestor/pkg/reasoning"
	"github.com/nestor-ai/nestor/pkg/types"
)

// Stage names as they appear in logs, metrics and stage errors.
const (
	StageEnhancement = "query_enhancement"
	StageRetrieval   = "retrieval"
	StageReranking   = "reranking"
	StageReasoning   = "reasoning"
	StageGeneration  = "generation"
	StageEvaluation  = "evaluation"
)

// TokenUsage accumulates token counts across every model call a request
// makes, including expansion, reranking, reasoning and judging calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *TokenUsage) add(res *llms.Result) {
	if res == nil {
		return
	}
	u.InputTokens += res.InputTokens
	u.OutputTokens += res.OutputTokens
	if res.TotalTokens > 0 {
		u.TotalTokens += res.TotalTokens
	} else {
		u.TotalTokens += res.InputTokens + res.OutputTokens
	}
}

// Context carries one request through the stages. Each stage reads the
// fields earlier stages wrote and adds its own; stages never hand partial
// state to the caller on failure.
type Context struct {
	// Inputs, set by the caller before Execute.
	Question    string
	UserID      uuid.UUID
	Pipeline    *types.PipelineConfig
	Collection  string
	Meta        map[string]any
	GroundTruth []string

	// OnDelta, when set, makes the generation stage stream: each text
	// delta is forwarded as it arrives and the full answer still lands in
	// Answer. A reasoned final answer is forwarded as a single delta.
	OnDelta func(delta string)

	// Stage outputs.
	RewrittenQuery string
	QueryVariants  []string
	QueryResults   []databases.Hit
	// RetrievalDisabled reports that number_of_results resolved to zero.
	// Later stages return an empty answer without calling the model.
	RetrievalDisabled bool
	CoTUsed        bool
	CoTOutput      *reasoning.Output
	Answer         string
	Usage          TokenUsage
	Evaluation     evaluation.Metrics
}

// StageResult is what every stage returns. A failed result carries the
// error that stopped the run.
type StageResult struct {
	Success bool
	Err     error
}

func ok() StageResult { return StageResult{Success: true} }

func fail(err error) StageResult { return StageResult{Err: err} }

// Stage is one step of the pipeline. Execute reads and mutates the shared
// Context and reports whether the run may continue.
type Stage interface {
	Name() string
	Execute(ctx context.Context, pc *Context) StageResult
}

// StageError reports which stage stopped a run and the taxonomy kind of
// the underlying error.
type StageError struct {
	Stage string
	Kind  errdefs.Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageTiming is one stage's share of a run.
type StageTiming struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// Result summarizes a completed run. Stage timings are only populated on
// the staged path; the legacy path reports the total alone.
type Result struct {
	Duration time.Duration `json:"duration"`
	Stages   []StageTiming `json:"stages,omitempty"`
	Legacy   bool          `json:"legacy,omitempty"`
}

// Executor owns the canonical stage order. Stages that are disabled for a
// given request skip themselves and pass the context through.
type Executor struct {
	deps   *Deps
	stages []Stage
}

// NewExecutor wires the six stages in canonical order.
func NewExecutor(deps *Deps) (*Executor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Executor{
		deps: deps,
		stages: []Stage{
			&enhancementStage{deps: deps},
			&retrievalStage{deps: deps},
			&rerankingStage{deps: deps},
			&reasoningStage{deps: deps},
			&generationStage{deps: deps},
			&evaluationStage{deps: deps},
		},
	}, nil
}

// Stages returns the stage names in execution order.
func (e *Executor) Stages() []string {
	names := make([]string, len(e.stages))
	for i, s := range e.stages {
		names[i] = s.Name()
	}
	return names
}

// Execute runs the request through the staged path, or through the legacy
// single-pass path when the rollout keeps this user on it. Both paths run
// the same stages and produce the same Context; they differ in the
// per-stage observability the staged path adds.
func (e *Executor) Execute(ctx context.Context, pc *Context) (*Result, error) {
	start := time.Now()

	percent := e.deps.Resolver.Int("pipeline_rollout_percent", pc.Meta, 100)
	staged := stagedRollout(pc.UserID, percent)

	var (
		res *Result
		err error
	)
	if staged {
		res, err = e.executeStaged(ctx, pc)
	} else {
		res, err = e.executeLegacy(ctx, pc)
	}
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (e *Executor) executeStaged(ctx context.Context, pc *Context) (*Result, error) {
	metrics := observability.GetGlobalMetrics()
	tracer := observability.GetTracer("nestor.pipeline")

	res := &Result{Stages: make([]StageTiming, 0, len(e.stages))}
	for _, stage := range e.stages {
		stageCtx, span := tracer.Start(ctx, observability.SpanPipelineStage,
			trace.WithAttributes(attribute.String(observability.AttrPipelineStage, stage.Name())),
		)

		start := time.Now()
		sr := stage.Execute(stageCtx, pc)
		elapsed := time.Since(start)

		if sr.Err != nil {
			span.SetAttributes(attribute.String(observability.AttrErrorType, string(errdefs.KindOf(sr.Err))))
		}
		span.End()

		metrics.RecordStage(ctx, stage.Name(), elapsed, sr.Err)
		res.Stages = append(res.Stages, StageTiming{Name: stage.Name(), Duration: elapsed})
		slog.Debug("pipeline stage finished",
			"stage", stage.Name(),
			"duration", elapsed,
			"success", sr.Success,
		)

		if !sr.Success {
			return nil, stageError(stage.Name(), sr.Err)
		}
	}
	return res, nil
}

// executeLegacy is the pre-staged code path kept alive for the rollout. It
// runs the same stages back to back without per-stage spans, metrics or
// timings, which is the difference the rollout measures.
func (e *Executor) executeLegacy(ctx context.Context, pc *Context) (*Result, error) {
	for _, stage := range e.stages {
		if sr := stage.Execute(ctx, pc); !sr.Success {
			return nil, stageError(stage.Name(), sr.Err)
		}
	}
	slog.Debug("pipeline finished on the legacy path", "user_id", pc.UserID)
	return &Result{Legacy: true}, nil
}

func stageError(stage string, err error) *StageError {
	if err == nil {
		err = errors.New("stage reported failure without an error")
	}
	return &StageError{Stage: stage, Kind: errdefs.KindOf(err), Err: err}
}
