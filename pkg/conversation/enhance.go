package conversation

import (
	"fmt"
	"strings"

	"github.com/nestor-ai/nestor/pkg/types"
)

// Follow-up questions often lean on earlier turns: "tell me more", "why
// does it do that". Enhance rewrites such questions against the most
// recent prior user question that stands on its own, so retrieval sees a
// self-contained query. Only user turns are consulted; assistant and
// system text never reaches the rewritten question.

// enhanceMarker introduces the appended context clause. A question that
// already ends with one is standalone by construction.
const enhanceMarker = "(continuing from: "

var leadingPronouns = map[string]bool{
	"it": true, "its": true, "they": true, "them": true, "their": true,
	"this": true, "that": true, "these": true, "those": true,
	"he": true, "she": true, "him": true, "his": true, "her": true,
}

var trailingPronouns = map[string]bool{
	"it": true, "this": true, "that": true, "these": true, "those": true,
	"them": true, "then": true,
}

var continuationPhrases = map[string]bool{
	"tell me more": true, "more": true, "go on": true, "continue": true,
	"keep going": true, "elaborate": true, "expand": true,
	"why": true, "how": true, "really": true,
	"what else": true, "and": true, "and then": true, "then what": true,
	"more detail": true, "more details": true, "details": true,
}

var temporalLeads = []string{
	"what happened next",
	"what happened then",
	"what happened after",
	"what happened before",
	"what came next",
	"and after",
	"and before",
	"after",
	"before",
	"since then",
}

// Enhance returns a standalone version of question. When the question is
// ambiguous it is rewritten against the most recent clear user turn in
// history; otherwise it comes back unchanged apart from trimming.
// Identical history and question always produce identical output, and an
// already-enhanced question passes through untouched.
func Enhance(history []*types.ConversationMessage, question string) string {
	q := strings.TrimSpace(question)
	if q == "" {
		return q
	}
	if strings.HasSuffix(q, ")") && strings.Contains(q, enhanceMarker) {
		return q
	}
	if !Ambiguous(q) {
		return q
	}
	turns := userTurns(history)
	for i := len(turns) - 1; i >= 0; i-- {
		if Ambiguous(turns[i]) {
			continue
		}
		return fmt.Sprintf("%s %s%s)", q, enhanceMarker, turns[i])
	}
	return q
}

// Ambiguous reports whether the question depends on earlier turns to be
// understood: it leads or ends with a bare pronoun, is a pure
// continuation, or refers to a point in time without naming a subject.
func Ambiguous(question string) bool {
	norm := normalizeQuestion(question)
	if norm == "" {
		return false
	}
	if continuationPhrases[norm] {
		return true
	}
	words := strings.Fields(norm)
	if leadingPronouns[words[0]] {
		return true
	}
	if trailingPronouns[words[len(words)-1]] {
		return true
	}
	for _, lead := range temporalLeads {
		if norm == lead {
			return true
		}
		rest, ok := strings.CutPrefix(norm, lead+" ")
		if ok && onlyFillerWords(rest) {
			return true
		}
	}
	return false
}

func normalizeQuestion(q string) string {
	norm := strings.ToLower(strings.TrimSpace(q))
	return strings.TrimRight(norm, "?!. ")
}

func onlyFillerWords(s string) bool {
	for _, w := range strings.Fields(s) {
		if !trailingPronouns[w] && w != "the" && w != "a" {
			return false
		}
	}
	return true
}

// userTurns returns the user's messages in order, trimmed, with exact
// repeats collapsed to their first occurrence.
func userTurns(history []*types.ConversationMessage) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range history {
		if m.Role != types.RoleUserMessage {
			continue
		}
		c := strings.TrimSpace(m.Content)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
