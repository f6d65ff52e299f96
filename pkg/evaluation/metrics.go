// Package evaluation scores search results and generated answers.
//
// Classical retrieval metrics (hit rate, reciprocal rank) compare hits
// against caller-supplied ground-truth ids and cost nothing. The judged
// metrics (faithfulness, answer relevance, context relevance) each spend
// one model call and parse a 0.0-1.0 score out of the response.
package evaluation

import (
	"strings"

	"github.com/nestor-ai/nestor/pkg/databases"
)

// Metric keys as they appear in search responses.
const (
	MetricHitRate          = "hit_rate"
	MetricReciprocalRank   = "reciprocal_rank"
	MetricFaithfulness     = "faithfulness"
	MetricAnswerRelevance  = "answer_relevance"
	MetricContextRelevance = "context_relevance"
)

// Metrics maps metric keys to scores in [0, 1].
type Metrics map[string]float64

// Merge copies every entry of other into m.
func (m Metrics) Merge(other Metrics) {
	for key, value := range other {
		m[key] = value
	}
}

// Classical computes hit rate and reciprocal rank against ground-truth
// ids. Ids match either the hit id or its document_id tag.
func Classical(hits []databases.Hit, relevantIDs []string) Metrics {
	return Metrics{
		MetricHitRate:        HitRate(hits, relevantIDs),
		MetricReciprocalRank: ReciprocalRank(hits, relevantIDs),
	}
}

// HitRate returns 1 when any hit is relevant, 0 otherwise.
func HitRate(hits []databases.Hit, relevantIDs []string) float64 {
	relevant := idSet(relevantIDs)
	for _, hit := range hits {
		if isRelevant(hit, relevant) {
			return 1.0
		}
	}
	return 0.0
}

// ReciprocalRank returns 1/rank of the first relevant hit, 0 when none
// is relevant.
func ReciprocalRank(hits []databases.Hit, relevantIDs []string) float64 {
	relevant := idSet(relevantIDs)
	for i, hit := range hits {
		if isRelevant(hit, relevant) {
			return 1.0 / float64(i+1)
		}
	}
	return 0.0
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = true
		}
	}
	return set
}

func isRelevant(hit databases.Hit, relevant map[string]bool) bool {
	if relevant[hit.ID] {
		return true
	}
	if docID, ok := hit.Tags["document_id"].(string); ok && relevant[docID] {
		return true
	}
	return false
}
