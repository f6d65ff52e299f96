package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nestor-ai/nestor/pkg/rewrite"
	"github.com/nestor-ai/nestor/pkg/tokens"
)

// complexityTokenThreshold is the query length past which a question is
// suspected to need multiple retrieval hops.
const complexityTokenThreshold = 15

const classifyMaxTokens = 128

// coordinatingConnectors hint that a question bundles several asks.
var coordinatingConnectors = map[string]bool{
	"and":          true,
	"also":         true,
	"additionally": true,
	"furthermore":  true,
}

// complexQuestionTypes are the classifier labels that warrant multi-step
// reasoning.
var complexQuestionTypes = map[string]bool{
	"multi_hop":   true,
	"comparative": true,
	"analytical":  true,
}

// Assessment is the engine's read on whether and how to reason about a
// question.
type Assessment struct {
	// ShouldReason reports whether multi-step reasoning is warranted.
	ShouldReason bool

	// Type is the classifier label: simple, multi_hop, comparative or
	// analytical.
	Type string

	// DepthEstimate is the classifier's guess at how many sub-questions
	// the question needs. Zero when unreported.
	DepthEstimate int

	// NeedsDecomposition reports whether the question should be split
	// before answering.
	NeedsDecomposition bool
}

// DefaultAssessment is the assessment to pass Run when reasoning is forced
// without classifying the question first.
func DefaultAssessment() Assessment {
	return Assessment{ShouldReason: true, Type: "multi_hop", NeedsDecomposition: true}
}

// classification is the wire shape of the classifier response.
type classification struct {
	Type               string `json:"type"`
	DepthEstimate      int    `json:"depth_estimate"`
	NeedsDecomposition bool   `json:"needs_decomposition"`
}

// Assess decides whether the question warrants multi-step reasoning. A
// cheap length and connector check gates the classifier call; when the
// classifier cannot be reached or parsed, the heuristic's verdict stands.
// Assess never fails: a broken classifier degrades, it does not abort.
func (e *Engine) Assess(ctx context.Context, question string) Assessment {
	if !e.complexityHint(question) {
		return Assessment{Type: "simple"}
	}

	cls, err := e.classify(ctx, question)
	if err != nil {
		slog.Debug("complexity classifier unavailable, trusting the heuristic", "error", err)
		return DefaultAssessment()
	}

	typ := normalizeQuestionType(cls.Type)
	return Assessment{
		ShouldReason:       complexQuestionTypes[typ],
		Type:               typ,
		DepthEstimate:      cls.DepthEstimate,
		NeedsDecomposition: cls.NeedsDecomposition,
	}
}

// complexityHint is the cheap gate: long questions and coordinating
// connectors both suggest several retrieval hops.
func (e *Engine) complexityHint(question string) bool {
	if tokens.Count(question, e.opts.Model) > complexityTokenThreshold {
		return true
	}
	for _, field := range strings.Fields(strings.ToLower(question)) {
		if coordinatingConnectors[strings.Trim(field, ".,;:!?")] {
			return true
		}
	}
	return false
}

func (e *Engine) classify(ctx context.Context, question string) (*classification, error) {
	response, err := e.gen.Generate(ctx, classificationPrompt(question), classifyMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("classification call failed: %w", err)
	}
	return parseClassification(response)
}

func classificationPrompt(question string) string {
	return fmt.Sprintf(`Classify the complexity of the question below.

Question: %s

Categories:
- simple: a single fact or definition answers it
- multi_hop: needs facts gathered in sequence, later ones depending on earlier ones
- comparative: weighs two or more things against each other
- analytical: needs interpretation or synthesis beyond lookup

Respond with JSON only:
{"type": "<simple|multi_hop|comparative|analytical>", "depth_estimate": <1-5>, "needs_decomposition": <true|false>}`,
		rewrite.Sanitize(question))
}

func parseClassification(response string) (*classification, error) {
	payload, err := extractJSONObject(response)
	if err != nil {
		return nil, err
	}
	var cls classification
	if err := json.Unmarshal([]byte(payload), &cls); err != nil {
		return nil, fmt.Errorf("malformed classification: %w", err)
	}
	if normalizeQuestionType(cls.Type) == "" {
		return nil, fmt.Errorf("classification missing type")
	}
	return &cls, nil
}

// extractJSONObject cuts the first top-level JSON object out of a response
// that may wrap it in prose or a markdown fence.
func extractJSONObject(response string) (string, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return response[start : end+1], nil
}

// normalizeQuestionType folds label variants like "Multi-Hop" onto the
// canonical snake_case labels.
func normalizeQuestionType(typ string) string {
	normalized := strings.ToLower(strings.TrimSpace(typ))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")
	switch normalized {
	case "simple", "multi_hop", "comparative", "analytical":
		return normalized
	case "multihop":
		return "multi_hop"
	}
	return ""
}
