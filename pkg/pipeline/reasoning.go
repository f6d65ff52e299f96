package pipeline

import (
	"context"
	"log/slog"

	"github.com/nestor-ai/nestor/pkg/databases"
	"github.com/nestor-ai/nestor/pkg/reasoning"
	"github.com/nestor-ai/nestor/pkg/rewrite"
)

// reasoningStage decides whether the question needs chain-of-thought and
// runs the engine when it does. An engine failure falls back to the plain
// generation stage instead of stopping the run.
type reasoningStage struct {
	deps *Deps
}

func (s *reasoningStage) Name() string { return StageReasoning }

func (s *reasoningStage) Execute(ctx context.Context, pc *Context) StageResult {
	if pc.RetrievalDisabled {
		return ok()
	}
	if !s.deps.Resolver.Bool("enable_reasoning", pc.Meta, true) {
		return ok()
	}

	engine := s.engine(pc)

	assessment := reasoning.DefaultAssessment()
	if !s.deps.Resolver.Bool("force_reasoning", pc.Meta, false) {
		assessment = engine.Assess(ctx, pc.Question)
		if !assessment.ShouldReason {
			return ok()
		}
	}

	out, err := engine.Run(ctx, pc.Question, assessment)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		slog.Warn("reasoning failed, falling back to single-shot generation", "error", err)
		return ok()
	}

	pc.CoTOutput = out
	pc.CoTUsed = true
	return ok()
}

func (s *reasoningStage) engine(pc *Context) *reasoning.Engine {
	opts := reasoning.Options{
		Model:                 s.deps.Params.Model,
		MaxDepth:              s.deps.Resolver.Int("cot_max_reasoning_depth", pc.Meta, 3),
		MaxNewTokens:          s.deps.Params.MaxTokens,
		TokenBudgetMultiplier: s.deps.Resolver.Float64("cot_token_budget_multiplier", pc.Meta, 1.5),
		Strategy:              s.deps.Resolver.String("cot_reasoning_strategy", pc.Meta, "decomposition"),
	}
	retriever := &stepRetriever{
		deps: s.deps,
		pc:   pc,
		topK: s.deps.Resolver.Int("number_of_results", pc.Meta, defaultTopK),
	}
	return reasoning.NewEngine(s.deps.budgetGenerator(pc), retriever, opts)
}

// stepRetriever fetches passages for individual reasoning steps through
// the same embed-and-search path the retrieval stage uses.
type stepRetriever struct {
	deps *Deps
	pc   *Context
	topK int
}

func (r *stepRetriever) Retrieve(ctx context.Context, query string) ([]databases.Hit, error) {
	stage := &retrievalStage{deps: r.deps}
	return stage.searchOne(ctx, r.pc, rewrite.Rewrite(query), r.topK)
}
