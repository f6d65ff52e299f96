package rewrite

import (
	"context"
	"fmt"
	"strings"
)

// Generator is the minimal generation surface the expander needs. The
// pipeline adapts its provider to this.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Expander turns one query into several retrieval variants.
type Expander interface {
	// Expand returns the original query first, followed by up to
	// numVariations distinct variants.
	Expand(ctx context.Context, query string, numVariations int) ([]string, error)
}

// LLMExpander asks a model for query variations.
type LLMExpander struct {
	gen Generator
}

// NewLLMExpander creates an expander over a generator.
func NewLLMExpander(gen Generator) *LLMExpander {
	return &LLMExpander{gen: gen}
}

// Expand implements Expander. Variations are capped at 5 to bound API cost;
// the original query always leads the result.
func (e *LLMExpander) Expand(ctx context.Context, query string, numVariations int) ([]string, error) {
	if numVariations <= 0 {
		numVariations = 3
	}
	if numVariations > 5 {
		numVariations = 5
	}

	prompt := fmt.Sprintf(`Generate %d different query variations for the following search query. Each variation should:
1. Use different wording or phrasing
2. Focus on different aspects or perspectives
3. Be semantically similar but not identical
4. Be suitable for document retrieval

Original query: %s

Return only a JSON array of query strings, without any additional text or explanation.
Example format: ["query 1", "query 2", "query 3"]`, numVariations, Sanitize(query))

	response, err := e.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query variations: %w", err)
	}

	variants, err := parseQueryArray(response)
	if err != nil {
		variants = extractQueriesFromText(response)
	}

	out := []string{query}
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(query)): true}
	for _, v := range variants {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
		if len(out) > numVariations {
			break
		}
	}
	return out, nil
}

// parseQueryArray pulls the first balanced JSON array out of the response
// and reads its string elements. Hand-rolled because model output often
// wraps the array in prose that json.Unmarshal rejects.
func parseQueryArray(response string) ([]string, error) {
	startIdx, endIdx := -1, -1
	depth := 0
	for i, char := range response {
		if char == '[' {
			if startIdx == -1 {
				startIdx = i
			}
			depth++
		} else if char == ']' {
			depth--
			if depth == 0 && startIdx != -1 {
				endIdx = i + 1
				break
			}
		}
	}
	if startIdx == -1 || endIdx == -1 {
		return nil, fmt.Errorf("no JSON array found")
	}

	inner := response[startIdx+1 : endIdx-1]

	var queries []string
	var current strings.Builder
	inQuotes := false
	escape := false
	for _, char := range inner {
		if escape {
			current.WriteRune(char)
			escape = false
			continue
		}
		if char == '\\' {
			escape = true
			continue
		}
		if char == '"' {
			if inQuotes {
				queries = append(queries, current.String())
				current.Reset()
			}
			inQuotes = !inQuotes
			continue
		}
		if inQuotes {
			current.WriteRune(char)
		}
	}

	if len(queries) == 0 {
		return nil, fmt.Errorf("failed to parse queries")
	}
	return queries, nil
}

// extractQueriesFromText scavenges plausible queries from unstructured
// model output, line by line.
func extractQueriesFromText(response string) []string {
	var queries []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, `"`) && strings.HasSuffix(line, `"`) && len(line) > 2:
			queries = append(queries, line[1:len(line)-1])
		case strings.HasPrefix(line, `'`) && strings.HasSuffix(line, `'`) && len(line) > 2:
			queries = append(queries, line[1:len(line)-1])
		case len(line) > 10 && !strings.Contains(line, ":"):
			queries = append(queries, line)
		}
	}
	return queries
}

// NoopExpander returns the original query unchanged.
type NoopExpander struct{}

// Expand implements Expander.
func (NoopExpander) Expand(_ context.Context, query string, _ int) ([]string, error) {
	return []string{query}, nil
}

var (
	_ Expander = (*LLMExpander)(nil)
	_ Expander = NoopExpander{}
)
