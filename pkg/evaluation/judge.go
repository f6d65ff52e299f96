package evaluation

import (
	"context"
	"fmt"
	"strings"

	"github.com/nestor-ai/nestor/pkg/databases"
)

// maxContextLen truncates hit text in judging prompts.
const maxContextLen = 500

// Generator is the minimal generation surface the judge needs.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Judge scores an answer with model calls. Each metric is one call; a
// response that contains no usable number scores 0.5.
type Judge struct {
	gen Generator
}

func NewJudge(gen Generator) *Judge {
	return &Judge{gen: gen}
}

// Evaluate judges answer relevance, faithfulness, and context relevance.
// Without hits the context-dependent metrics are omitted: there is
// nothing to judge the answer against.
func (j *Judge) Evaluate(ctx context.Context, query, answer string, hits []databases.Hit) (Metrics, error) {
	metrics := make(Metrics, 3)

	relevance, err := j.score(ctx, answerRelevancePrompt(query, answer))
	if err != nil {
		return nil, fmt.Errorf("failed to judge answer relevance: %w", err)
	}
	metrics[MetricAnswerRelevance] = relevance

	if len(hits) == 0 {
		return metrics, nil
	}
	contexts := joinContexts(hits)

	faithfulness, err := j.score(ctx, faithfulnessPrompt(contexts, answer))
	if err != nil {
		return nil, fmt.Errorf("failed to judge faithfulness: %w", err)
	}
	metrics[MetricFaithfulness] = faithfulness

	contextRelevance, err := j.score(ctx, contextRelevancePrompt(query, contexts))
	if err != nil {
		return nil, fmt.Errorf("failed to judge context relevance: %w", err)
	}
	metrics[MetricContextRelevance] = contextRelevance

	return metrics, nil
}

func (j *Judge) score(ctx context.Context, prompt string) (float64, error) {
	response, err := j.gen.Generate(ctx, prompt)
	if err != nil {
		return 0, err
	}
	return parseScore(response), nil
}

func answerRelevancePrompt(query, answer string) string {
	return fmt.Sprintf(`Rate how relevant the answer is to the query on a scale of 0.0 to 1.0.

Query: %s
Answer: %s

Return only a number between 0.0 and 1.0 representing the relevance score.`, query, answer)
}

func faithfulnessPrompt(contexts, answer string) string {
	return fmt.Sprintf(`Rate how faithful the answer is to the provided contexts on a scale of 0.0 to 1.0.
A score of 1.0 means the answer is fully supported by the contexts.
A score of 0.0 means the answer contradicts or is not supported by the contexts.

Contexts:
%s

Answer: %s

Return only a number between 0.0 and 1.0 representing the faithfulness score.`, contexts, answer)
}

func contextRelevancePrompt(query, contexts string) string {
	return fmt.Sprintf(`Rate how relevant the provided contexts are to the query on a scale of 0.0 to 1.0.
A score of 1.0 means the contexts directly address the query.
A score of 0.0 means the contexts have nothing to do with the query.

Query: %s

Contexts:
%s

Return only a number between 0.0 and 1.0 representing the relevance score.`, query, contexts)
}

func joinContexts(hits []databases.Hit) string {
	contexts := make([]string, 0, len(hits))
	for _, hit := range hits {
		text := hit.Text
		if len(text) > maxContextLen {
			text = text[:maxContextLen] + "..."
		}
		contexts = append(contexts, text)
	}
	return strings.Join(contexts, "\n\n")
}

// parseScore extracts a 0.0-1.0 score from a model response: the leading
// number if the response starts with one, otherwise the first in-range
// number anywhere in the text, otherwise 0.5. Out-of-range leading values
// clamp.
func parseScore(response string) float64 {
	response = strings.TrimSpace(response)

	var score float64
	if _, err := fmt.Sscanf(response, "%f", &score); err == nil {
		return clampScore(score)
	}

	for _, word := range strings.Fields(response) {
		var val float64
		if _, err := fmt.Sscanf(word, "%f", &val); err == nil && val >= 0.0 && val <= 1.0 {
			return val
		}
	}
	return 0.5
}

func clampScore(score float64) float64 {
	if score < 0.0 {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}
