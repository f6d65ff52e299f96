package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/nestor-ai/nestor/pkg/rewrite"
)

const decomposeMaxTokens = 512

// decompose asks the model to split the question into at most limit
// ordered sub-questions.
func (e *Engine) decompose(ctx context.Context, question string, limit int) ([]string, error) {
	response, err := e.gen.Generate(ctx, decompositionPrompt(question, limit), decomposeMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("decomposition call failed: %w", err)
	}
	return parseSubQuestions(response, limit), nil
}

func decompositionPrompt(question string, limit int) string {
	return fmt.Sprintf(`Break the question below into at most %d ordered sub-questions.
Each sub-question must be answerable on its own from a document search, and
later sub-questions may build on the answers to earlier ones.

Question: %s

Respond with a JSON array of strings only, for example:
["first sub-question", "second sub-question"]`,
		limit, rewrite.Sanitize(question))
}

// parseSubQuestions reads the decomposition response: a JSON array of
// strings when the model followed instructions, numbered or bulleted lines
// when it answered in prose. At most limit sub-questions are kept, in
// response order.
func parseSubQuestions(response string, limit int) []string {
	subs := parseJSONQuestions(response)
	if len(subs) == 0 {
		subs = parseListedQuestions(response)
	}
	if limit > 0 && len(subs) > limit {
		subs = subs[:limit]
	}
	return subs
}

func parseJSONQuestions(response string) []string {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return nil
	}

	var raw []string
	if err := json.Unmarshal([]byte(response[start:end+1]), &raw); err != nil {
		return nil
	}

	subs := make([]string, 0, len(raw))
	for _, q := range raw {
		if q = strings.TrimSpace(q); q != "" {
			subs = append(subs, q)
		}
	}
	return subs
}

func parseListedQuestions(response string) []string {
	var subs []string
	for _, line := range strings.Split(response, "\n") {
		if q, ok := stripListMarker(line); ok {
			subs = append(subs, q)
		}
	}
	return subs
}

// stripListMarker removes a leading "1.", "2)" or "-"/"*" bullet and
// reports whether the line was a list item.
func stripListMarker(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}

	if trimmed[0] == '-' || trimmed[0] == '*' {
		rest := strings.TrimSpace(trimmed[1:])
		return rest, rest != ""
	}

	i := 0
	for i < len(trimmed) && unicode.IsDigit(rune(trimmed[i])) {
		i++
	}
	if i == 0 || i >= len(trimmed) {
		return "", false
	}
	if trimmed[i] != '.' && trimmed[i] != ')' {
		return "", false
	}
	rest := strings.TrimSpace(trimmed[i+1:])
	return rest, rest != ""
}
