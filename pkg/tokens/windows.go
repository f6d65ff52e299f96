package tokens

import "strings"

// DefaultContextWindow is returned for models absent from the table.
const DefaultContextWindow = 4096

// contextWindows maps model prefixes to their context window in tokens.
// Longest prefix wins so "gpt-4-32k" beats "gpt-4".
var contextWindows = map[string]int{
	"gpt-3.5-turbo-16k": 16384,
	"gpt-3.5-turbo":     4096,
	"gpt-4-32k":         32768,
	"gpt-4-turbo":       128000,
	"gpt-4o":            128000,
	"gpt-4":             8192,
	"o1":                128000,
	"claude-2":          100000,
	"claude-3":          200000,
	"claude-sonnet-4":   200000,
	"claude-opus-4":     200000,
	"claude":            100000,
	"granite":           8192,
	"llama":             8192,
	"mixtral":           32768,
	"mistral":           32768,
}

// ContextWindow returns the context window for a model, matching the
// longest known prefix and defaulting to DefaultContextWindow.
func ContextWindow(model string) int {
	lower := strings.ToLower(model)

	best := 0
	window := DefaultContextWindow
	for prefix, size := range contextWindows {
		if strings.HasPrefix(lower, prefix) && len(prefix) > best {
			best = len(prefix)
			window = size
		}
	}
	return window
}
