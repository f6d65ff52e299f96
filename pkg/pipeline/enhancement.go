package pipeline

import (
	"context"
	"log/slog"

	"github.com/nestor-ai/nestor/pkg/rewrite"
	"github.com/nestor-ai/nestor/pkg/types"
)

// hybridVariations is how many query variants the expander is asked for on
// the hybrid path, besides the rewritten original.
const hybridVariations = 3

// enhancementStage rewrites the question into retrieval form and, for
// hybrid retrieval, expands it into variants for the fan-out. Expansion
// failures degrade to the rewritten query alone.
type enhancementStage struct {
	deps *Deps
}

func (s *enhancementStage) Name() string { return StageEnhancement }

func (s *enhancementStage) Execute(ctx context.Context, pc *Context) StageResult {
	if !s.deps.Resolver.Bool("enable_query_enhancement", pc.Meta, true) {
		pc.RewrittenQuery = pc.Question
		pc.QueryVariants = []string{pc.Question}
		return ok()
	}

	// Keyword retrieval searches the canonical form too.
	opts := rewrite.Options{
		AppendCanonical: s.deps.retrieverKind(pc) == types.RetrieverKeyword,
	}
	pc.RewrittenQuery = rewrite.RewriteWith(pc.Question, opts)
	pc.QueryVariants = []string{pc.RewrittenQuery}

	if s.deps.retrieverKind(pc) == types.RetrieverHybrid {
		expander := rewrite.NewLLMExpander(s.deps.textGenerator(pc, expansionMaxTokens))
		variants, err := expander.Expand(ctx, pc.RewrittenQuery, hybridVariations)
		if err != nil {
			slog.Warn("query expansion failed, continuing with the rewritten query", "error", err)
			return ok()
		}
		pc.QueryVariants = variants
	}
	return ok()
}
