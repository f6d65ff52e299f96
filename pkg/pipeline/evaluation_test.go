package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/evaluation"
)

func TestEvaluationClassicalWithGroundTruth(t *testing.T) {
	provider := &scriptedProvider{}
	stage := &evaluationStage{deps: testDeps(t, provider, &stubStore{})}

	pc := testContext("What is Go?")
	pc.QueryResults = goHits()
	pc.GroundTruth = []string{"c2"}
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.Equal(t, evaluation.Metrics{
		evaluation.MetricHitRate:        1.0,
		evaluation.MetricReciprocalRank: 0.5,
	}, pc.Evaluation)
	assert.Empty(t, provider.prompts, "the judge only runs when the request enables it")
}

func TestEvaluationWithoutGroundTruth(t *testing.T) {
	stage := &evaluationStage{deps: testDeps(t, &scriptedProvider{}, &stubStore{})}

	pc := testContext("What is Go?")
	pc.QueryResults = goHits()
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	require.NotNil(t, pc.Evaluation)
	assert.Empty(t, pc.Evaluation)
}

func TestEvaluationJudgeMergesScores(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{
		{text: "0.9"},
		{text: "0.7"},
		{text: "0.8"},
	}}
	stage := &evaluationStage{deps: testDeps(t, provider, &stubStore{})}

	pc := testContext("What is Go?")
	pc.QueryResults = goHits()
	pc.Answer = "Go is a programming language."
	pc.Meta["enable_llm_judge"] = true
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.Equal(t, evaluation.Metrics{
		evaluation.MetricAnswerRelevance:  0.9,
		evaluation.MetricFaithfulness:     0.7,
		evaluation.MetricContextRelevance: 0.8,
	}, pc.Evaluation)
	require.Len(t, provider.params, 3)
	assert.Equal(t, judgeMaxTokens, provider.params[0].MaxTokens)
}

func TestEvaluationJudgeFailureKeepsClassicalMetrics(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{{err: errors.New("judge down")}}}
	stage := &evaluationStage{deps: testDeps(t, provider, &stubStore{})}

	pc := testContext("What is Go?")
	pc.QueryResults = goHits()
	pc.Answer = "Go is a programming language."
	pc.GroundTruth = []string{"c1"}
	pc.Meta["enable_llm_judge"] = true
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.Equal(t, evaluation.Metrics{
		evaluation.MetricHitRate:        1.0,
		evaluation.MetricReciprocalRank: 1.0,
	}, pc.Evaluation)
}

func TestEvaluationJudgeSkippedWithoutAnswer(t *testing.T) {
	provider := &scriptedProvider{}
	stage := &evaluationStage{deps: testDeps(t, provider, &stubStore{})}

	pc := testContext("What is Go?")
	pc.Meta["enable_llm_judge"] = true
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.Empty(t, provider.prompts)
}

func TestEvaluationDisabledByConfig(t *testing.T) {
	stage := &evaluationStage{deps: testDeps(t, &scriptedProvider{}, &stubStore{})}

	pc := testContext("What is Go?")
	pc.QueryResults = goHits()
	pc.GroundTruth = []string{"c1"}
	pc.Meta["enable_evaluation"] = false
	sr := stage.Execute(context.Background(), pc)

	require.True(t, sr.Success)
	assert.Empty(t, pc.Evaluation)
}
