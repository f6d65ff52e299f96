// Package templates stores prompt templates and renders them into prompts.
//
// Templates carry {var} placeholders that are resolved at render time:
//
//	tmpl := "Context: {context}\nQuestion: {question}"
//	out, err := templates.Render(t, map[string]string{...}, "gpt-4o")
//
// Every placeholder in the format must be declared in the template's
// input_variables, and every declared placeholder must be bound at render
// time. Rendering that would exceed the template's max_context_length drops
// trailing sentences from the context-bearing variable until it fits.
package templates

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/tokens"
	"github.com/nestor-ai/nestor/pkg/types"
)

// placeholderPattern matches {var} placeholders with identifier names.
// Non-identifier brace content (JSON examples, code) is left alone.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Placeholders returns the distinct placeholder names in a template format,
// in order of first appearance.
func Placeholders(format string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(format, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Rendered is the outcome of rendering a template.
type Rendered struct {
	// Prompt is the final text, system prompt included.
	Prompt string

	// VariableLengths records the substituted character length of each
	// variable, for token accounting downstream.
	VariableLengths map[string]int

	// Truncated reports whether the context variable was cut to fit
	// max_context_length.
	Truncated bool
}

// Render substitutes vars into the template and returns the final prompt.
//
// All placeholders in the format must be bound in vars; otherwise a
// TemplateVariableMissing error lists the absent names. Values are checked
// against the template's validation schema first. The model name selects
// the tokenizer used to enforce max_context_length.
func Render(t *types.PromptTemplate, vars map[string]string, model string) (*Rendered, error) {
	if t == nil {
		return nil, errdefs.NewValidation("templates", "template is required")
	}

	names := Placeholders(t.Format)
	var missing []string
	for _, name := range names {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, errdefs.NewTemplateVariableMissing("templates", missing)
	}

	if err := validateVars(t.ValidationSchema, vars); err != nil {
		return nil, err
	}

	out := &Rendered{VariableLengths: make(map[string]int, len(names))}
	for _, name := range names {
		out.VariableLengths[name] = len(vars[name])
	}

	prompt := substitute(t.Format, vars)
	if t.SystemPrompt != "" {
		prompt = t.SystemPrompt + "\n\n" + prompt
	}

	if t.MaxContextLength > 0 && tokens.Count(prompt, model) > t.MaxContextLength && t.ContextVariable != "" {
		local := make(map[string]string, len(vars))
		for k, v := range vars {
			local[k] = v
		}
		prompt, out.Truncated = shrinkContext(t, local, model)
		out.VariableLengths[t.ContextVariable] = len(local[t.ContextVariable])
	}

	out.Prompt = prompt
	return out, nil
}

// substitute replaces placeholders with their bound values. Unbound
// placeholders never reach here; Render rejects them first.
func substitute(format string, vars map[string]string) string {
	var result strings.Builder
	lastIndex := 0
	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(format, -1) {
		start, end := loc[0], loc[1]
		name := format[loc[2]:loc[3]]

		result.WriteString(format[lastIndex:start])
		result.WriteString(vars[name])
		lastIndex = end
	}
	result.WriteString(format[lastIndex:])
	return result.String()
}

// shrinkContext re-renders with the context variable shortened sentence by
// sentence until the prompt fits, or the context is exhausted. vars is a
// private copy and carries the final context value back to Render.
func shrinkContext(t *types.PromptTemplate, vars map[string]string, model string) (string, bool) {
	sentences := SplitSentences(vars[t.ContextVariable])
	truncated := false

	for keep := len(sentences); keep >= 0; keep-- {
		vars[t.ContextVariable] = strings.TrimSpace(strings.Join(sentences[:keep], " "))
		prompt := substitute(t.Format, vars)
		if t.SystemPrompt != "" {
			prompt = t.SystemPrompt + "\n\n" + prompt
		}
		if tokens.Count(prompt, model) <= t.MaxContextLength || keep == 0 {
			return prompt, truncated
		}
		truncated = true
	}
	// Unreachable: the keep == 0 iteration always returns.
	return "", truncated
}

// SplitSentences splits text on terminal punctuation followed by
// whitespace. The punctuation stays with its sentence.
func SplitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(string(runes[start : i+1]))
				if s != "" {
					sentences = append(sentences, s)
				}
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// validateVars checks bound values against the per-variable schema. Each
// schema entry may carry "type" (only "string" is accepted for prompt
// variables) and "min_length".
func validateVars(schema map[string]any, vars map[string]string) error {
	if len(schema) == 0 {
		return nil
	}
	for name, raw := range schema {
		value, bound := vars[name]
		if !bound {
			continue
		}
		rules, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if typ, ok := rules["type"].(string); ok && typ != "string" {
			return errdefs.NewValidation("templates",
				fmt.Sprintf("variable %q: unsupported schema type %q", name, typ))
		}
		if min, ok := asInt(rules["min_length"]); ok && len(value) < min {
			return errdefs.NewValidation("templates",
				fmt.Sprintf("variable %q: value shorter than min_length %d", name, min))
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
