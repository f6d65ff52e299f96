package evaluation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/databases"
)

type queueGenerator struct {
	responses []string
	err       error
	prompts   []string
}

func (q *queueGenerator) Generate(_ context.Context, prompt string) (string, error) {
	q.prompts = append(q.prompts, prompt)
	if q.err != nil {
		return "", q.err
	}
	if len(q.responses) == 0 {
		return "0.5", nil
	}
	response := q.responses[0]
	q.responses = q.responses[1:]
	return response, nil
}

func judgedHits() []databases.Hit {
	return []databases.Hit{
		{ID: "chunk-1", Text: "Go ships a race detector."},
		{ID: "chunk-2", Text: "Goroutines are cheap."},
	}
}

func TestJudgeEvaluate(t *testing.T) {
	gen := &queueGenerator{responses: []string{"0.9", "0.8", "0.7"}}
	judge := NewJudge(gen)

	m, err := judge.Evaluate(context.Background(), "how does go detect races", "Go ships a race detector.", judgedHits())
	require.NoError(t, err)

	assert.Equal(t, 0.9, m[MetricAnswerRelevance])
	assert.Equal(t, 0.8, m[MetricFaithfulness])
	assert.Equal(t, 0.7, m[MetricContextRelevance])

	require.Len(t, gen.prompts, 3)
	assert.Contains(t, gen.prompts[0], "how does go detect races")
	assert.Contains(t, gen.prompts[0], "Go ships a race detector.")
	assert.Contains(t, gen.prompts[1], "faithful")
	assert.Contains(t, gen.prompts[1], "Goroutines are cheap.")
	assert.Contains(t, gen.prompts[2], "contexts are to the query")
}

func TestJudgeEvaluateWithoutHits(t *testing.T) {
	gen := &queueGenerator{responses: []string{"0.6"}}
	judge := NewJudge(gen)

	m, err := judge.Evaluate(context.Background(), "query", "answer", nil)
	require.NoError(t, err)

	assert.Equal(t, 0.6, m[MetricAnswerRelevance])
	assert.NotContains(t, m, MetricFaithfulness)
	assert.NotContains(t, m, MetricContextRelevance)
	assert.Len(t, gen.prompts, 1)
}

func TestJudgeEvaluatePropagatesError(t *testing.T) {
	gen := &queueGenerator{err: errors.New("model down")}
	judge := NewJudge(gen)

	_, err := judge.Evaluate(context.Background(), "query", "answer", judgedHits())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "answer relevance")
}

func TestJudgeTruncatesLongContexts(t *testing.T) {
	gen := &queueGenerator{responses: []string{"0.5", "0.5", "0.5"}}
	judge := NewJudge(gen)

	long := strings.Repeat("y", 2*maxContextLen)
	_, err := judge.Evaluate(context.Background(), "query", "answer",
		[]databases.Hit{{ID: "chunk-1", Text: long}})
	require.NoError(t, err)

	require.Len(t, gen.prompts, 3)
	assert.Contains(t, gen.prompts[1], strings.Repeat("y", maxContextLen)+"...")
	assert.NotContains(t, gen.prompts[1], strings.Repeat("y", maxContextLen+1))
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     float64
	}{
		{"bare number", "0.8", 0.8},
		{"number with trailing text", "0.9\nThe answer directly addresses the query.", 0.9},
		{"number inside prose", "I would rate this 0.85 overall.", 0.85},
		{"labeled score", "Score: 0.7", 0.7},
		{"zero is a real score", "0.0", 0.0},
		{"one", "1.0", 1.0},
		{"clamps high", "1.5", 1.0},
		{"clamps negative", "-0.2", 0.0},
		{"out-of-range prose numbers skipped", "The top 3 results matter", 0.5},
		{"no number defaults", "I cannot rate this.", 0.5},
		{"empty defaults", "", 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, parseScore(tt.response), 1e-9)
		})
	}
}
