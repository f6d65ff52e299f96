// Package reasoning answers complex questions in steps. A question that
// warrants it is decomposed into ordered sub-questions; each sub-question
// retrieves its own context and is answered with the answers so far in
// view; a final synthesis call combines the intermediate answers.
//
// The engine never decides on its own whether to run: callers gate it with
// Assess (or force it) and fall back to single-shot generation when Run
// returns an error.
package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nestor-ai/nestor/pkg/databases"
	"github.com/nestor-ai/nestor/pkg/tokens"
)

const (
	defaultMaxDepth     = 3
	defaultMultiplier   = 1.5
	defaultMaxNewTokens = 1024
	defaultStrategy     = "decomposition"
)

// Generator produces one completion capped at maxNewTokens output tokens.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxNewTokens int) (string, error)
}

// Retriever fetches passages for one sub-question. Implementations apply
// the same query rewriting as the retrieval stage so sub-questions hit the
// index the way top-level queries do.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]databases.Hit, error)
}

// Step records one sub-question round trip.
type Step struct {
	StepNumber         int           `json:"step_number"`
	SubQuestion        string        `json:"sub_question"`
	ContextUsed        string        `json:"context_used"`
	IntermediateAnswer string        `json:"intermediate_answer"`
	Confidence         float64       `json:"confidence"`
	ExecutionTime      time.Duration `json:"execution_time"`
}

// Output is the result of one reasoning run. TotalConfidence is the
// minimum step confidence: a chain is only as solid as its weakest link.
type Output struct {
	ReasoningSteps     []Step        `json:"reasoning_steps"`
	FinalAnswer        string        `json:"final_answer"`
	TotalConfidence    float64       `json:"total_confidence"`
	ReasoningStrategy  string        `json:"reasoning_strategy"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
}

// Options configure an Engine. Zero values fall back to defaults.
type Options struct {
	// Model names the tokenizer and context window the engine budgets
	// against.
	Model string

	// MaxDepth bounds how many sub-questions a decomposition may yield.
	// Default 3.
	MaxDepth int

	// MaxNewTokens is the base output budget of a generation call before
	// the multiplier is applied.
	MaxNewTokens int

	// TokenBudgetMultiplier scales MaxNewTokens into the per-step output
	// budget. Default 1.5, never below 1.
	TokenBudgetMultiplier float64

	// ContextWindow overrides the model's known window when positive.
	ContextWindow int

	// Strategy labels the run in the output.
	Strategy string
}

// Engine runs multi-step reasoning over a retrieval corpus.
type Engine struct {
	gen       Generator
	retriever Retriever
	opts      Options
}

// NewEngine creates an Engine. gen and retriever must be non-nil.
func NewEngine(gen Generator, retriever Retriever, opts Options) *Engine {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.MaxNewTokens <= 0 {
		opts.MaxNewTokens = defaultMaxNewTokens
	}
	if opts.TokenBudgetMultiplier < 1 {
		opts.TokenBudgetMultiplier = defaultMultiplier
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = tokens.ContextWindow(opts.Model)
	}
	if opts.Strategy == "" {
		opts.Strategy = defaultStrategy
	}
	return &Engine{gen: gen, retriever: retriever, opts: opts}
}

// Run answers the question in steps. The assessment steers decomposition;
// pass DefaultAssessment when reasoning is forced without classifying.
//
// The returned error is terminal: a step failed twice (or synthesis did)
// and the caller should fall back to single-shot generation over the top
// passages.
func (e *Engine) Run(ctx context.Context, question string, assessment Assessment) (*Output, error) {
	start := time.Now()

	subQuestions := e.plan(ctx, question, assessment)

	out := &Output{
		ReasoningSteps:    make([]Step, 0, len(subQuestions)),
		ReasoningStrategy: e.opts.Strategy,
		TotalConfidence:   1.0,
	}

	for i, sq := range subQuestions {
		step, err := e.executeStep(ctx, question, sq, i+1, out.ReasoningSteps)
		if err != nil {
			return nil, fmt.Errorf("reasoning step %d failed: %w", i+1, err)
		}
		out.ReasoningSteps = append(out.ReasoningSteps, step)
		if step.Confidence < out.TotalConfidence {
			out.TotalConfidence = step.Confidence
		}
	}

	final, err := e.synthesize(ctx, question, out.ReasoningSteps)
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	out.FinalAnswer = final
	out.TotalExecutionTime = time.Since(start)

	slog.Debug("reasoning run complete",
		"steps", len(out.ReasoningSteps),
		"confidence", out.TotalConfidence,
		"duration", out.TotalExecutionTime)
	return out, nil
}

// plan turns the question into the ordered sub-questions to execute. The
// question itself is the plan when the assessment says decomposition is
// unnecessary or when the decomposer yields nothing usable.
func (e *Engine) plan(ctx context.Context, question string, assessment Assessment) []string {
	if !assessment.NeedsDecomposition {
		return []string{question}
	}

	limit := e.opts.MaxDepth
	if assessment.DepthEstimate > 0 && assessment.DepthEstimate < limit {
		limit = assessment.DepthEstimate
	}

	subs, err := e.decompose(ctx, question, limit)
	if err != nil || len(subs) == 0 {
		slog.Debug("decomposition unavailable, reasoning over the question directly", "error", err)
		return []string{question}
	}
	return subs
}

// budget is the per-call output token cap:
// floor(MaxNewTokens * TokenBudgetMultiplier).
func (e *Engine) budget() int {
	return int(math.Floor(float64(e.opts.MaxNewTokens) * e.opts.TokenBudgetMultiplier))
}

// overflows reports whether prompt plus the output budget would exceed the
// model's context window.
func (e *Engine) overflows(prompt string, outputBudget int) bool {
	return tokens.Count(prompt, e.opts.Model)+outputBudget > e.opts.ContextWindow
}
