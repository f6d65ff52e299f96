package tokens

import "math"

// TruncateToTokenLimit drops text from the tail until it is within
// maxTokens for the model. Chat-family models are truncated exactly via
// the encoding; other families by the family character ratio on rune
// boundaries.
func TruncateToTokenLimit(text, model string, maxTokens int) string {
	if text == "" || maxTokens <= 0 {
		return ""
	}

	c, err := NewCounter(model)
	if err == nil && c.encoding != nil {
		ids := c.encoding.Encode(text, nil, nil)
		if len(ids) <= maxTokens {
			return text
		}
		return c.encoding.Decode(ids[:maxTokens])
	}

	family := FamilyOf(model)
	maxChars := int(math.Floor(float64(maxTokens) * family.charsPerToken()))
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}

// SplitByTokens yields successive chunks of at most chunkSize tokens.
// Empty input yields empty output; a non-positive chunk size yields nil.
func SplitByTokens(text, model string, chunkSize int) []string {
	if text == "" || chunkSize <= 0 {
		return nil
	}

	c, err := NewCounter(model)
	if err == nil && c.encoding != nil {
		ids := c.encoding.Encode(text, nil, nil)
		chunks := make([]string, 0, (len(ids)+chunkSize-1)/chunkSize)
		for start := 0; start < len(ids); start += chunkSize {
			end := start + chunkSize
			if end > len(ids) {
				end = len(ids)
			}
			chunks = append(chunks, c.encoding.Decode(ids[start:end]))
		}
		return chunks
	}

	family := FamilyOf(model)
	chunkChars := int(math.Floor(float64(chunkSize) * family.charsPerToken()))
	if chunkChars < 1 {
		chunkChars = 1
	}
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+chunkChars-1)/chunkChars)
	for start := 0; start < len(runes); start += chunkChars {
		end := start + chunkChars
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
