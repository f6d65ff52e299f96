package reasoning

import (
	"fmt"
	"strings"
)

const confidencePrefix = "confidence:"

// extractConfidence strips a trailing self-reported confidence line from
// the answer. When the model did not report one, a heuristic over answer
// length and novelty stands in.
func extractConfidence(answer string, prior []Step) (string, float64) {
	lines := strings.Split(answer, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) < len(confidencePrefix) || !strings.EqualFold(line[:len(confidencePrefix)], confidencePrefix) {
			break
		}
		var value float64
		if n, err := fmt.Sscanf(line[len(confidencePrefix):], "%f", &value); n != 1 || err != nil {
			break
		}
		cleaned := strings.TrimSpace(strings.Join(append(lines[:i:i], lines[i+1:]...), "\n"))
		return cleaned, clampConfidence(value)
	}
	answer = strings.TrimSpace(answer)
	return answer, heuristicConfidence(answer, prior)
}

// heuristicConfidence scores an answer with no self-report: longer answers
// tend to carry more support, and answers that mostly repeat earlier steps
// carry less.
func heuristicConfidence(answer string, prior []Step) float64 {
	words := strings.Fields(answer)

	confidence := 0.5
	switch {
	case len(words) < 8:
		confidence = 0.3
	case len(words) > 60:
		confidence = 0.7
	}

	if len(prior) > 0 && novelty(answer, prior) < 0.3 {
		confidence -= 0.2
	}
	return clampConfidence(confidence)
}

// novelty is the fraction of words in answer that no prior answer used.
func novelty(answer string, prior []Step) float64 {
	seen := make(map[string]bool)
	for _, s := range prior {
		for _, w := range strings.Fields(strings.ToLower(s.IntermediateAnswer)) {
			seen[trimWord(w)] = true
		}
	}

	words := strings.Fields(strings.ToLower(answer))
	if len(words) == 0 {
		return 0
	}
	fresh := 0
	for _, w := range words {
		if !seen[trimWord(w)] {
			fresh++
		}
	}
	return float64(fresh) / float64(len(words))
}

func trimWord(w string) string {
	return strings.Trim(w, ".,;:!?\"'()")
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
