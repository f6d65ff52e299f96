// Package tokens implements token accounting across model families.
//
// Chat-completions models are counted exactly with tiktoken; other families
// fall back to a characters-per-token estimate calibrated per family. The
// package also knows model context windows and provides truncation and
// splitting helpers plus usage warnings.
package tokens

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Family groups models that share tokenization behavior.
type Family string

const (
	FamilyChat    Family = "chat"
	FamilyClaude  Family = "claude"
	FamilyGranite Family = "granite"
	FamilyLlama   Family = "llama"
	FamilyMixtral Family = "mixtral"
	FamilyUnknown Family = "unknown"
)

// charsPerToken is the estimate ratio used when no exact tokenizer exists.
func (f Family) charsPerToken() float64 {
	switch f {
	case FamilyClaude:
		return 3.5
	case FamilyGranite:
		return 3.8
	default:
		return 4.0
	}
}

var familyPrefixes = []struct {
	prefix string
	family Family
}{
	{"gpt-", FamilyChat},
	{"o1", FamilyChat},
	{"o3", FamilyChat},
	{"text-embedding", FamilyChat},
	{"text-davinci", FamilyChat},
	{"claude", FamilyClaude},
	{"anthropic.claude", FamilyClaude},
	{"granite", FamilyGranite},
	{"ibm/granite", FamilyGranite},
	{"llama", FamilyLlama},
	{"meta-llama", FamilyLlama},
	{"mixtral", FamilyMixtral},
	{"mistral", FamilyMixtral},
}

// FamilyOf classifies a model string by prefix.
func FamilyOf(model string) Family {
	lower := strings.ToLower(model)
	for _, fp := range familyPrefixes {
		if strings.HasPrefix(lower, fp.prefix) {
			return fp.family
		}
	}
	return FamilyUnknown
}

// Message is a role-tagged text for message-list counting.
type Message struct {
	Role    string
	Content string
}

var (
	// Encodings are cached per model; tiktoken initialization is costly.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter counts tokens for one model. For the chat family it carries a
// tiktoken encoding; for other families it estimates by character ratio.
type Counter struct {
	model    string
	family   Family
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

// NewCounter creates a counter for the model. Chat-family models load a
// tiktoken encoding (cl100k_base when the model is unknown to tiktoken);
// other families use the per-family estimate and never fail.
func NewCounter(model string) (*Counter, error) {
	family := FamilyOf(model)
	if family != FamilyChat {
		return &Counter{model: model, family: family}, nil
	}

	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()
	if exists {
		return &Counter{model: model, family: family, encoding: cached}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{model: model, family: family, encoding: encoding}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.encoding != nil {
		return len(c.encoding.Encode(text, nil, nil))
	}
	return int(math.Ceil(float64(len(text)) / c.family.charsPerToken()))
}

// CountMessages counts tokens in a message list including the per-message
// role overhead and reply priming used by chat-completions APIs.
func (c *Counter) CountMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += 3 // <|start|>role<|message|>...<|end|>
		total += c.Count(msg.Role)
		total += c.Count(msg.Content)
	}
	total += 3 // reply primed with <|start|>assistant<|message|>
	return total
}

// FitWithinLimit returns the suffix of messages that fits the budget,
// selected from most recent backwards, preserving chronological order.
func (c *Counter) FitWithinLimit(messages []Message, maxTokens int) []Message {
	if len(messages) == 0 {
		return messages
	}

	fitted := []Message{}
	currentTokens := 3 // reply priming

	for i := len(messages) - 1; i >= 0; i-- {
		msgTokens := 3 + c.Count(messages[i].Role) + c.Count(messages[i].Content)
		if currentTokens+msgTokens > maxTokens {
			break
		}
		fitted = append([]Message{messages[i]}, fitted...)
		currentTokens += msgTokens
	}

	return fitted
}

// Model returns the model this counter is configured for.
func (c *Counter) Model() string {
	return c.model
}

// Family returns the detected model family.
func (c *Counter) Family() Family {
	return c.family
}

// Count is a convenience that builds a counter for the model and counts
// text with it. Counter construction errors degrade to the estimate.
func Count(text, model string) int {
	c, err := NewCounter(model)
	if err != nil {
		family := FamilyOf(model)
		return int(math.Ceil(float64(len(text)) / family.charsPerToken()))
	}
	return c.Count(text)
}
