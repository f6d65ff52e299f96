// Package rerank reorders retrieved passages by semantic relevance.
//
// The LLM reranker asks a model to rank candidates and rescores them by
// position: first 1.0, then decreasing 0.05 per rank, floored at 0.1.
// Original vector scores are replaced, not preserved, so reranked scores
// are monotone within one call and meaningless across calls or against
// non-reranked results. Apply thresholds after reranking, not before.
package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/nestor-ai/nestor/pkg/databases"
	"github.com/nestor-ai/nestor/pkg/rewrite"
)

// defaultMaxCandidates caps how many hits are sent to the model; beyond
// that the prompt cost outweighs the ranking gain.
const defaultMaxCandidates = 20

// maxSnippetLen truncates hit text in the ranking prompt.
const maxSnippetLen = 500

// Generator is the minimal generation surface the reranker needs. The
// pipeline adapts its provider to this.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Reranker reorders hits by relevance to the query and trims to topK.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []databases.Hit, topK int) ([]databases.Hit, error)
}

// LLMReranker ranks hits with a model call. On a failed call it returns
// the original order trimmed to topK together with the error, so callers
// can degrade to vector order; an unparseable response degrades the same
// way without an error.
type LLMReranker struct {
	gen           Generator
	maxCandidates int
}

func NewLLMReranker(gen Generator, maxCandidates int) *LLMReranker {
	if maxCandidates <= 0 {
		maxCandidates = defaultMaxCandidates
	}
	return &LLMReranker{
		gen:           gen,
		maxCandidates: maxCandidates,
	}
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, hits []databases.Hit, topK int) ([]databases.Hit, error) {
	if len(hits) == 0 {
		return hits, nil
	}

	candidates := hits
	if len(candidates) > r.maxCandidates {
		candidates = candidates[:r.maxCandidates]
	}

	slog.Debug("reranking hits", "total", len(hits), "candidates", len(candidates))

	response, err := r.gen.Generate(ctx, buildRankingPrompt(query, candidates))
	if err != nil {
		return trimHits(hits, topK), fmt.Errorf("rerank call failed: %w", err)
	}

	order := parseRankingOrder(response, len(candidates))
	if len(order) == 0 {
		slog.Debug("rerank response unparseable, keeping vector order", "response_len", len(response))
		return trimHits(hits, topK), nil
	}

	reranked := make([]databases.Hit, 0, len(hits))
	seen := make(map[int]bool, len(order))
	for _, idx := range order {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		hit := candidates[idx]
		hit.Score = positionalScore(len(reranked))
		reranked = append(reranked, hit)
	}

	// Candidates the model skipped rank after the ones it returned, then
	// anything beyond the candidate cap, both in original vector order.
	for i, hit := range candidates {
		if seen[i] {
			continue
		}
		hit.Score = positionalScore(len(reranked))
		reranked = append(reranked, hit)
	}
	for _, hit := range hits[len(candidates):] {
		hit.Score = positionalScore(len(reranked))
		reranked = append(reranked, hit)
	}

	return trimHits(reranked, topK), nil
}

// positionalScore converts a rank position into a score: 1.0 for the
// first, 0.05 less per position, never below 0.1.
func positionalScore(position int) float32 {
	score := 1.0 - 0.05*float64(position)
	if score < 0.1 {
		score = 0.1
	}
	return float32(score)
}

func trimHits(hits []databases.Hit, topK int) []databases.Hit {
	if topK >= 0 && len(hits) > topK {
		return hits[:topK]
	}
	return hits
}

func buildRankingPrompt(query string, candidates []databases.Hit) string {
	var sb strings.Builder

	sb.WriteString("You rank search results by relevance to a query.\n\n")
	sb.WriteString(fmt.Sprintf("Query: %s\n\n", rewrite.Sanitize(query)))
	sb.WriteString("Search Results:\n\n")

	for i, hit := range candidates {
		text := hit.Text
		if len(text) > maxSnippetLen {
			text = text[:maxSnippetLen] + "..."
		}
		sb.WriteString(fmt.Sprintf("Result %d:\n", i+1))
		sb.WriteString(fmt.Sprintf("Content: %s\n", rewrite.Sanitize(text)))
		if tags := formatTags(hit.Tags); tags != "" {
			sb.WriteString(fmt.Sprintf("Tags: %s\n", tags))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Return a JSON array of result numbers sorted by relevance to the query (most relevant first).\n")
	sb.WriteString("Format: [2, 1, 3]\n")
	sb.WriteString("Only include relevant results. Exclude irrelevant ones.\n")

	return sb.String()
}

func formatTags(tags map[string]any) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", key, tags[key]))
	}
	return strings.Join(parts, ", ")
}

// parseRankingOrder extracts 1-based result numbers from the model
// response and returns them as deduplicated 0-based candidate indices.
// Out-of-range numbers are dropped. An empty slice means the response was
// unusable.
func parseRankingOrder(response string, candidates int) []int {
	response = strings.TrimSpace(response)

	var numbers []int
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start != -1 && end > start {
		raw := response[start : end+1]
		if err := json.Unmarshal([]byte(raw), &numbers); err != nil {
			// Models sometimes quote the numbers.
			raw = strings.ReplaceAll(raw, "'", "\"")
			var quoted []string
			if err := json.Unmarshal([]byte(raw), &quoted); err == nil {
				for _, q := range quoted {
					if n, err := strconv.Atoi(strings.TrimSpace(q)); err == nil {
						numbers = append(numbers, n)
					}
				}
			}
		}
	}
	if len(numbers) == 0 {
		numbers = extractNumbers(response)
	}

	order := make([]int, 0, len(numbers))
	seen := make(map[int]bool, len(numbers))
	for _, n := range numbers {
		if n < 1 || n > candidates || seen[n] {
			continue
		}
		seen[n] = true
		order = append(order, n-1)
	}
	return order
}

// extractNumbers pulls digit runs out of prose responses like "Result 2
// is the best match, then Result 1".
func extractNumbers(response string) []int {
	var numbers []int
	run := -1
	for i, r := range response {
		if r >= '0' && r <= '9' {
			if run == -1 {
				run = i
			}
			continue
		}
		if run != -1 {
			if n, err := strconv.Atoi(response[run:i]); err == nil {
				numbers = append(numbers, n)
			}
			run = -1
		}
	}
	if run != -1 {
		if n, err := strconv.Atoi(response[run:]); err == nil {
			numbers = append(numbers, n)
		}
	}
	return numbers
}

// NoOpReranker passes hits through untouched apart from the topK trim.
type NoOpReranker struct{}

func NewNoOpReranker() *NoOpReranker {
	return &NoOpReranker{}
}

func (NoOpReranker) Rerank(_ context.Context, _ string, hits []databases.Hit, topK int) ([]databases.Hit, error) {
	return trimHits(hits, topK), nil
}
