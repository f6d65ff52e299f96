// Package rewrite normalizes user queries before retrieval and optionally
// expands them into variations for hybrid fan-out.
package rewrite

import (
	"strings"
	"unicode"
)

// Options configure the deterministic rewrite.
type Options struct {
	// Lowercase folds the query for embedders trained on lowercased
	// corpora.
	Lowercase bool

	// AppendCanonical appends a keyword form of the question (leading
	// interrogative and trailing punctuation stripped) when it differs
	// from the query. Helps keyword retrieval match declarative text.
	AppendCanonical bool
}

// contractions maps lowercased contractions to their expansions. Applied
// token-wise, case preserved on the first letter.
var contractions = map[string]string{
	"can't":     "cannot",
	"won't":     "will not",
	"don't":     "do not",
	"doesn't":   "does not",
	"didn't":    "did not",
	"isn't":     "is not",
	"aren't":    "are not",
	"wasn't":    "was not",
	"weren't":   "were not",
	"shouldn't": "should not",
	"couldn't":  "could not",
	"wouldn't":  "would not",
	"haven't":   "have not",
	"hasn't":    "has not",
	"hadn't":    "had not",
	"what's":    "what is",
	"who's":     "who is",
	"where's":   "where is",
	"how's":     "how is",
	"it's":      "it is",
	"that's":    "that is",
	"there's":   "there is",
	"let's":     "let us",
	"i'm":       "i am",
	"i've":      "i have",
	"i'll":      "i will",
	"we're":     "we are",
	"you're":    "you are",
	"they're":   "they are",
}

// interrogatives are stripped from the front when building the canonical
// form.
var interrogatives = map[string]bool{
	"what": true, "who": true, "when": true, "where": true, "why": true,
	"how": true, "which": true, "is": true, "are": true, "was": true,
	"were": true, "do": true, "does": true, "did": true, "can": true,
	"could": true, "should": true, "would": true, "the": true, "a": true,
	"an": true,
}

// Rewrite normalizes a query with default options: whitespace collapsed,
// contractions expanded, original casing kept.
func Rewrite(query string) string {
	return RewriteWith(query, Options{})
}

// RewriteWith normalizes a query. Deterministic: equal inputs and options
// produce equal outputs.
func RewriteWith(query string, opts Options) string {
	fields := strings.Fields(query)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, expandContraction(f)...)
	}
	result := strings.Join(out, " ")

	if opts.Lowercase {
		result = strings.ToLower(result)
	}
	if opts.AppendCanonical {
		if canonical := canonicalForm(result); canonical != "" && canonical != result {
			result = result + " " + canonical
		}
	}
	return result
}

// expandContraction expands one token, keeping trailing punctuation and the
// leading capital.
func expandContraction(token string) []string {
	trimmed := strings.TrimRightFunc(token, func(r rune) bool {
		return unicode.IsPunct(r) && r != '\''
	})
	suffix := token[len(trimmed):]

	expansion, ok := contractions[strings.ToLower(trimmed)]
	if !ok {
		return []string{token}
	}

	words := strings.Fields(expansion)
	if len(trimmed) > 0 && unicode.IsUpper(rune(trimmed[0])) && len(words) > 0 {
		words[0] = strings.ToUpper(words[0][:1]) + words[0][1:]
	}
	if suffix != "" {
		words[len(words)-1] += suffix
	}
	return words
}

// canonicalForm reduces a question to its keyword core: leading
// interrogative scaffolding and terminal punctuation removed.
func canonicalForm(query string) string {
	trimmed := strings.TrimRight(query, "?!. ")
	fields := strings.Fields(trimmed)

	start := 0
	for start < len(fields) && interrogatives[strings.ToLower(fields[start])] {
		start++
	}
	if start == 0 || start >= len(fields) {
		return ""
	}
	return strings.Join(fields[start:], " ")
}

// Sanitize strips prompt-injection patterns from user text before it is
// embedded in an LLM prompt.
func Sanitize(input string) string {
	sanitized := input

	for _, role := range []string{"SYSTEM:", "System:", "system:", "ASSISTANT:", "Assistant:", "assistant:", "USER:", "User:", "user:"} {
		sanitized = strings.ReplaceAll(sanitized, role, "")
	}

	for _, phrase := range []string{
		"Ignore previous instructions", "ignore previous instructions",
		"Ignore all previous", "ignore all previous",
		"Disregard previous", "disregard previous",
	} {
		sanitized = strings.ReplaceAll(sanitized, phrase, "")
	}

	// Delimiter attacks that try to break out of the prompt structure.
	for _, delim := range []string{"---", "===", "***", "```"} {
		sanitized = strings.ReplaceAll(sanitized, delim, "")
	}

	return strings.TrimSpace(sanitized)
}
