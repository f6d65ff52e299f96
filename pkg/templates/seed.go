package templates

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/storage"
	"github.com/nestor-ai/nestor/pkg/types"
)

// systemTemplates are the built-in defaults, owned by the nil UUID. One per
// template type; users override them by marking their own default.
var systemTemplates = []types.PromptTemplate{
	{
		Name: "system-rag-query",
		Type: types.TemplateRAGQuery,
		SystemPrompt: "You are a helpful assistant. Answer using only the provided context. " +
			"If the context does not contain the answer, say so.",
		Format: `Context:
{context}

Question: {question}

Answer:`,
		InputVariables: map[string]string{
			"context":  "Retrieved passages, concatenated",
			"question": "The user's question",
		},
		ContextVariable: "context",
		IsDefault:       true,
	},
	{
		Name: "system-question-generation",
		Type: types.TemplateQuestionGeneration,
		Format: `Based on the following content, generate {count} insightful questions a reader might ask.
Return one question per line, without numbering.

Content:
{content}`,
		InputVariables: map[string]string{
			"content": "Source content to generate questions from",
			"count":   "How many questions to generate",
		},
		ContextVariable: "content",
		IsDefault:       true,
	},
	{
		Name: "system-reranking",
		Type: types.TemplateReranking,
		Format: `Given the query and the numbered documents below, return a JSON array of document
numbers ordered from most to least relevant. Return only the JSON array.

Query: {query}

Documents:
{documents}`,
		InputVariables: map[string]string{
			"query":     "The search query",
			"documents": "Numbered candidate documents",
		},
		ContextVariable: "documents",
		IsDefault:       true,
	},
	{
		Name: "system-podcast-generation",
		Type: types.TemplatePodcastGeneration,
		SystemPrompt: "You are a podcast script writer. Write a natural two-host dialogue " +
			"covering the source material.",
		Format: `Write a podcast dialogue between {host_a} and {host_b} about the material below.
Keep the tone conversational and cover the key points.

Material:
{material}`,
		InputVariables: map[string]string{
			"host_a":   "Name of the first host",
			"host_b":   "Name of the second host",
			"material": "Source material for the episode",
		},
		ContextVariable: "material",
		IsDefault:       true,
	},
}

// SeedSystemDefaults installs the built-in templates when no system default
// of the type exists yet. Safe to call on every start.
func SeedSystemDefaults(ctx context.Context, repo storage.TemplateRepository) error {
	for i := range systemTemplates {
		tmpl := systemTemplates[i]
		_, err := repo.DefaultFor(ctx, uuid.Nil, tmpl.Type)
		if err == nil {
			continue
		}
		if !errdefs.IsNotFound(err) {
			return err
		}
		tmpl.UserID = uuid.Nil
		if err := repo.Create(ctx, &tmpl); err != nil && !errdefs.IsAlreadyExists(err) {
			return fmt.Errorf("failed to seed template %q: %w", tmpl.Name, err)
		}
	}
	return nil
}
