package pipeline

import (
	"context"
	"log/slog"

	"github.com/nestor-ai/nestor/pkg/rerank"
)

const defaultRerankCandidates = 20

// rerankingStage reorders the retrieved hits. It is off by default; when a
// rerank call fails the vector ordering stands.
type rerankingStage struct {
	deps *Deps
}

func (s *rerankingStage) Name() string { return StageReranking }

func (s *rerankingStage) Execute(ctx context.Context, pc *Context) StageResult {
	if !s.deps.Resolver.Bool("enable_reranking", pc.Meta, false) {
		return ok()
	}
	if len(pc.QueryResults) == 0 {
		return ok()
	}

	topK := s.deps.Resolver.Int("number_of_results", pc.Meta, defaultTopK)
	reranked, err := s.reranker(pc).Rerank(ctx, pc.RewrittenQuery, pc.QueryResults, topK)
	if err != nil {
		// The reranker hands back the vector-ordered hits alongside the
		// error, so the run continues on those.
		slog.Warn("reranking failed, keeping vector order", "error", err)
	}
	pc.QueryResults = reranked
	return ok()
}

func (s *rerankingStage) reranker(pc *Context) rerank.Reranker {
	if s.deps.Resolver.String("reranker_type", pc.Meta, "llm") == "noop" {
		return rerank.NewNoOpReranker()
	}
	maxCandidates := s.deps.Resolver.Int("reranker_top_k", pc.Meta, defaultRerankCandidates)
	return rerank.NewLLMReranker(s.deps.textGenerator(pc, rerankMaxTokens), maxCandidates)
}
