package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TemplateType classifies what a prompt template is for.
type TemplateType string

const (
	TemplateRAGQuery           TemplateType = "RAG_QUERY"
	TemplateQuestionGeneration TemplateType = "QUESTION_GENERATION"
	TemplateReranking          TemplateType = "RERANKING"
	TemplatePodcastGeneration  TemplateType = "PODCAST_GENERATION"
)

// ParseTemplateType converts a string to a TemplateType.
func ParseTemplateType(s string) (TemplateType, error) {
	switch TemplateType(strings.ToUpper(s)) {
	case TemplateRAGQuery:
		return TemplateRAGQuery, nil
	case TemplateQuestionGeneration:
		return TemplateQuestionGeneration, nil
	case TemplateReranking:
		return TemplateReranking, nil
	case TemplatePodcastGeneration:
		return TemplatePodcastGeneration, nil
	default:
		return "", fmt.Errorf("unknown template type: %s", s)
	}
}

// PromptTemplate is a user-owned prompt with {var} placeholders.
//
// Template names are unique per owner. Every placeholder appearing in
// Format must be declared in InputVariables; the template store rejects
// creation otherwise.
type PromptTemplate struct {
	ID     uuid.UUID    `json:"id"`
	UserID uuid.UUID    `json:"user_id"`
	Name   string       `json:"name"`
	Type   TemplateType `json:"type"`

	// SystemPrompt is prepended to the rendered prompt when present.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Format is the template body with {var} placeholders.
	Format string `json:"template_format"`

	// InputVariables maps placeholder names to descriptions.
	InputVariables map[string]string `json:"input_variables"`

	// Examples are optional variable bindings used for documentation and
	// few-shot rendering.
	Examples []map[string]string `json:"examples,omitempty"`

	// MaxContextLength bounds the rendered prompt in tokens; 0 leaves the
	// model limit in charge.
	MaxContextLength int `json:"max_context_length,omitempty"`

	// StopSequences terminate generation early.
	StopSequences []string `json:"stop_sequences,omitempty"`

	// ContextVariable names the placeholder carrying retrieved context; it
	// is the one truncated when the prompt exceeds MaxContextLength.
	ContextVariable string `json:"context_variable,omitempty"`

	// ContextStrategy orders retrieved passages for this template. When
	// set it overrides the pipeline-level strategy.
	ContextStrategy ContextStrategy `json:"context_strategy,omitempty"`

	// ValidationSchema optionally constrains variable values.
	ValidationSchema map[string]any `json:"validation_schema,omitempty"`

	IsDefault bool `json:"is_default"`
	Timestamps
}

// Validate checks the template record. Placeholder agreement with
// InputVariables is enforced by the template store, which owns the
// placeholder syntax.
func (t *PromptTemplate) Validate() error {
	// UserID may be uuid.Nil: system-provided templates are owned by the
	// nil UUID.
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name is required")
	}
	switch t.Type {
	case TemplateRAGQuery, TemplateQuestionGeneration, TemplateReranking, TemplatePodcastGeneration:
	default:
		return fmt.Errorf("invalid template type %q", t.Type)
	}
	if t.Format == "" {
		return fmt.Errorf("template_format is required")
	}
	if t.MaxContextLength < 0 {
		return fmt.Errorf("max_context_length must be non-negative")
	}
	switch t.ContextStrategy {
	case "", ContextConcatenate, ContextPriority:
	default:
		return fmt.Errorf("invalid context_strategy %q", t.ContextStrategy)
	}
	return nil
}
