package pipeline

import (
	"context"
	"log/slog"

	"github.com/nestor-ai/nestor/pkg/evaluation"
)

// evaluationStage attaches retrieval and answer quality metrics. Classical
// metrics need caller-supplied ground-truth ids; the LLM judge runs only
// when the request enables it. Judge errors keep the metrics already
// measured; the answer stands either way.
type evaluationStage struct {
	deps *Deps
}

func (s *evaluationStage) Name() string { return StageEvaluation }

func (s *evaluationStage) Execute(ctx context.Context, pc *Context) StageResult {
	if pc.Evaluation == nil {
		pc.Evaluation = evaluation.Metrics{}
	}
	if !s.deps.Resolver.Bool("enable_evaluation", pc.Meta, true) {
		return ok()
	}

	if len(pc.GroundTruth) > 0 {
		pc.Evaluation.Merge(evaluation.Classical(pc.QueryResults, pc.GroundTruth))
	}

	if s.deps.Resolver.Bool("enable_llm_judge", pc.Meta, false) && pc.Answer != "" {
		judge := evaluation.NewJudge(s.deps.textGenerator(pc, judgeMaxTokens))
		judged, err := judge.Evaluate(ctx, pc.Question, pc.Answer, pc.QueryResults)
		if err != nil {
			slog.Warn("llm judge failed, keeping classical metrics", "error", err)
			return ok()
		}
		pc.Evaluation.Merge(judged)
	}
	return ok()
}
