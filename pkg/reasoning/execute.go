package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nestor-ai/nestor/pkg/databases"
	"github.com/nestor-ai/nestor/pkg/rewrite"
	"github.com/nestor-ai/nestor/pkg/tokens"
)

const (
	// maxPassages bounds how many retrieved passages enter a step prompt.
	maxPassages = 5

	// maxPassageLen truncates each passage in the step prompt.
	maxPassageLen = 1200

	summaryMaxTokens = 512
)

// executeStep answers one sub-question. A failed step is retried once;
// the second failure is returned and ends the run.
func (e *Engine) executeStep(ctx context.Context, question, subQuestion string, number int, prior []Step) (Step, error) {
	step, err := e.tryStep(ctx, question, subQuestion, number, prior)
	if err != nil && ctx.Err() == nil {
		slog.Warn("reasoning step failed, retrying", "step", number, "error", err)
		step, err = e.tryStep(ctx, question, subQuestion, number, prior)
	}
	return step, err
}

func (e *Engine) tryStep(ctx context.Context, question, subQuestion string, number int, prior []Step) (Step, error) {
	start := time.Now()

	hits, err := e.retriever.Retrieve(ctx, subQuestion)
	if err != nil {
		return Step{}, fmt.Errorf("retrieval failed: %w", err)
	}
	contextBlock := buildContextBlock(hits)

	prompt, err := e.fitPrompt(ctx, question, subQuestion, contextBlock, prior)
	if err != nil {
		return Step{}, err
	}

	response, err := e.gen.Generate(ctx, prompt, e.budget())
	if err != nil {
		return Step{}, fmt.Errorf("generation failed: %w", err)
	}

	answer, confidence := extractConfidence(response, prior)
	return Step{
		StepNumber:         number,
		SubQuestion:        subQuestion,
		ContextUsed:        contextBlock,
		IntermediateAnswer: answer,
		Confidence:         confidence,
		ExecutionTime:      time.Since(start),
	}, nil
}

// fitPrompt builds the step prompt and brings it under the context window.
// Prior answers grow with every step, so they are the first thing folded
// into key points; if the prompt still does not fit, the retrieved context
// is cut to the remaining allowance.
func (e *Engine) fitPrompt(ctx context.Context, question, subQuestion, contextBlock string, prior []Step) (string, error) {
	budget := e.budget()
	findings := priorFindings(prior)

	prompt := stepPrompt(question, subQuestion, contextBlock, findings)
	if !e.overflows(prompt, budget) {
		return prompt, nil
	}

	if len(prior) > 0 {
		summary, err := e.summarizePrior(ctx, prior)
		if err != nil {
			return "", err
		}
		findings = summary
		prompt = stepPrompt(question, subQuestion, contextBlock, findings)
		if !e.overflows(prompt, budget) {
			return prompt, nil
		}
	}

	// Still over after summarizing: the context block is what is left to
	// give up. The placeholder keeps the Context frame in the overhead
	// count.
	overhead := tokens.Count(stepPrompt(question, subQuestion, ".", findings), e.opts.Model)
	allowance := e.opts.ContextWindow - budget - overhead
	if allowance < 0 {
		allowance = 0
	}
	contextBlock = tokens.TruncateToTokenLimit(contextBlock, e.opts.Model, allowance)
	return stepPrompt(question, subQuestion, contextBlock, findings), nil
}

// summarizePrior folds earlier answers into key points so later prompts
// stay inside the window.
func (e *Engine) summarizePrior(ctx context.Context, prior []Step) (string, error) {
	summary, err := e.gen.Generate(ctx, keyPointsPrompt(prior), summaryMaxTokens)
	if err != nil {
		return "", fmt.Errorf("summarizing prior steps failed: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// synthesize combines the intermediate answers into the final one. Like a
// step, synthesis is retried once before giving up.
func (e *Engine) synthesize(ctx context.Context, question string, steps []Step) (string, error) {
	budget := e.budget()

	prompt := synthesisPrompt(question, priorFindings(steps))
	if e.overflows(prompt, budget) && len(steps) > 0 {
		summary, err := e.summarizePrior(ctx, steps)
		if err != nil {
			return "", err
		}
		prompt = synthesisPrompt(question, summary)
	}

	answer, err := e.gen.Generate(ctx, prompt, budget)
	if err != nil && ctx.Err() == nil {
		slog.Warn("synthesis failed, retrying", "error", err)
		answer, err = e.gen.Generate(ctx, prompt, budget)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func stepPrompt(question, subQuestion, contextBlock, findings string) string {
	var sb strings.Builder
	sb.WriteString("You are answering one part of a larger question.\n\n")
	fmt.Fprintf(&sb, "Overall question: %s\n\n", rewrite.Sanitize(question))
	if findings != "" {
		fmt.Fprintf(&sb, "Answered so far:\n%s\n\n", findings)
	}
	if contextBlock != "" {
		fmt.Fprintf(&sb, "Context:\n%s\n\n", contextBlock)
	}
	fmt.Fprintf(&sb, "Current sub-question: %s\n\n", rewrite.Sanitize(subQuestion))
	sb.WriteString("Answer the current sub-question using the context above. ")
	sb.WriteString("End with a line \"Confidence: <number between 0.0 and 1.0>\" rating how well the context supports your answer.")
	return sb.String()
}

func synthesisPrompt(question, findings string) string {
	var sb strings.Builder
	sb.WriteString("Combine the findings below into one answer to the question.\n\n")
	fmt.Fprintf(&sb, "Question: %s\n\n", rewrite.Sanitize(question))
	if findings != "" {
		fmt.Fprintf(&sb, "Findings:\n%s\n\n", findings)
	}
	sb.WriteString("Answer the question directly. Draw only on the findings; say so when they do not settle the question.")
	return sb.String()
}

func keyPointsPrompt(prior []Step) string {
	var sb strings.Builder
	sb.WriteString("Condense the findings below into their key points, one bullet per finding. Keep concrete names, numbers and conclusions.\n\n")
	for _, s := range prior {
		fmt.Fprintf(&sb, "Finding %d (%s): %s\n", s.StepNumber, s.SubQuestion, s.IntermediateAnswer)
	}
	return sb.String()
}

// priorFindings renders earlier sub-questions and answers for a prompt.
func priorFindings(prior []Step) string {
	if len(prior) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, s := range prior {
		fmt.Fprintf(&sb, "Sub-question %d: %s\nAnswer %d: %s\n\n", s.StepNumber, s.SubQuestion, s.StepNumber, s.IntermediateAnswer)
	}
	return strings.TrimSpace(sb.String())
}

// buildContextBlock renders retrieved passages for a step prompt: at most
// maxPassages entries, each sanitized and truncated.
func buildContextBlock(hits []databases.Hit) string {
	if len(hits) > maxPassages {
		hits = hits[:maxPassages]
	}
	parts := make([]string, 0, len(hits))
	for i, hit := range hits {
		text := rewrite.Sanitize(hit.Text)
		if len(text) > maxPassageLen {
			text = text[:maxPassageLen] + "..."
		}
		parts = append(parts, fmt.Sprintf("[%d] %s", i+1, text))
	}
	return strings.Join(parts, "\n\n")
}
