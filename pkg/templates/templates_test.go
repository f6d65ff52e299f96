package templates

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/storage"
	"github.com/nestor-ai/nestor/pkg/tokens"
	"github.com/nestor-ai/nestor/pkg/types"
)

func TestPlaceholders(t *testing.T) {
	names := Placeholders("Context: {context}\nQuestion: {question}\nAgain: {context}")
	assert.Equal(t, []string{"context", "question"}, names)

	// JSON braces and non-identifier content are not placeholders.
	assert.Empty(t, Placeholders(`return {"a": 1} or {2x}`))
	assert.Empty(t, Placeholders("no placeholders here"))
}

func TestRender_Substitution(t *testing.T) {
	tmpl := &types.PromptTemplate{
		Name:   "qa",
		Type:   types.TemplateRAGQuery,
		Format: "Context: {context}\nQuestion: {question}",
		InputVariables: map[string]string{
			"context":  "c",
			"question": "q",
		},
	}

	out, err := Render(tmpl, map[string]string{
		"context":  "Go is a language.",
		"question": "What is Go?",
	}, "llama-3-70b")
	require.NoError(t, err)

	assert.Equal(t, "Context: Go is a language.\nQuestion: What is Go?", out.Prompt)
	assert.NotContains(t, out.Prompt, "{context}")
	assert.Equal(t, len("Go is a language."), out.VariableLengths["context"])
	assert.Equal(t, len("What is Go?"), out.VariableLengths["question"])
	assert.False(t, out.Truncated)
}

func TestRender_MissingVariables(t *testing.T) {
	tmpl := &types.PromptTemplate{
		Format:         "{a} {b} {c}",
		InputVariables: map[string]string{"a": "", "b": "", "c": ""},
	}

	_, err := Render(tmpl, map[string]string{"b": "bound"}, "llama-3-70b")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindTemplateVariableMissing))

	var e *errdefs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []string{"a", "c"}, e.Missing)
}

func TestRender_SystemPromptPrepended(t *testing.T) {
	tmpl := &types.PromptTemplate{
		SystemPrompt:   "You are terse.",
		Format:         "Q: {q}",
		InputVariables: map[string]string{"q": ""},
	}

	out, err := Render(tmpl, map[string]string{"q": "hi"}, "llama-3-70b")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Prompt, "You are terse.\n\n"))
}

func TestRender_SchemaMinLength(t *testing.T) {
	tmpl := &types.PromptTemplate{
		Format:         "Q: {q}",
		InputVariables: map[string]string{"q": ""},
		ValidationSchema: map[string]any{
			"q": map[string]any{"type": "string", "min_length": 5},
		},
	}

	_, err := Render(tmpl, map[string]string{"q": "hi"}, "llama-3-70b")
	assert.True(t, errdefs.IsValidation(err))

	out, err := Render(tmpl, map[string]string{"q": "hello there"}, "llama-3-70b")
	require.NoError(t, err)
	assert.Contains(t, out.Prompt, "hello there")
}

func TestRender_TruncatesContextVariable(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString("This sentence pads the retrieved context for the test. ")
	}
	longContext := sb.String()

	tmpl := &types.PromptTemplate{
		Format:           "Context: {context}\nQuestion: {question}",
		InputVariables:   map[string]string{"context": "", "question": ""},
		ContextVariable:  "context",
		MaxContextLength: 100,
	}

	out, err := Render(tmpl, map[string]string{
		"context":  longContext,
		"question": "What pads the context?",
	}, "llama-3-70b")
	require.NoError(t, err)

	assert.True(t, out.Truncated)
	assert.LessOrEqual(t, tokens.Count(out.Prompt, "llama-3-70b"), 100)
	// The question survives truncation untouched.
	assert.Contains(t, out.Prompt, "What pads the context?")
	assert.Less(t, out.VariableLengths["context"], len(longContext))
}

func TestRender_NoTruncationWithoutContextVariable(t *testing.T) {
	tmpl := &types.PromptTemplate{
		Format:           "{text}",
		InputVariables:   map[string]string{"text": ""},
		MaxContextLength: 1,
	}

	out, err := Render(tmpl, map[string]string{"text": strings.Repeat("word ", 100)}, "llama-3-70b")
	require.NoError(t, err)
	assert.False(t, out.Truncated)
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("First one. Second one! Third? Trailing fragment")
	assert.Equal(t, []string{"First one.", "Second one!", "Third?", "Trailing fragment"}, got)

	// Decimal points do not split.
	got = SplitSentences("Version 1.5 shipped. Done.")
	assert.Equal(t, []string{"Version 1.5 shipped.", "Done."}, got)

	assert.Empty(t, SplitSentences(""))
}

func TestService_CreateRejectsUndeclaredPlaceholders(t *testing.T) {
	svc := NewService(storage.NewMemoryStore().Templates())

	err := svc.Create(context.Background(), &types.PromptTemplate{
		UserID:         types.NewID(),
		Name:           "bad",
		Type:           types.TemplateRAGQuery,
		Format:         "Q: {question} extra: {undeclared}",
		InputVariables: map[string]string{"question": ""},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
	assert.Contains(t, err.Error(), "undeclared")
}

func TestService_ResolvePrecedence(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryStore().Templates()
	svc := NewService(repo)
	userID := types.NewID()

	require.NoError(t, SeedSystemDefaults(ctx, repo))

	// No user default yet: system default wins.
	got, err := svc.Resolve(ctx, userID, nil, types.TemplateRAGQuery)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got.UserID)

	// A user default of the type takes precedence.
	mine := &types.PromptTemplate{
		UserID:         userID,
		Name:           "mine",
		Type:           types.TemplateRAGQuery,
		Format:         "{question}",
		InputVariables: map[string]string{"question": ""},
		IsDefault:      true,
	}
	require.NoError(t, svc.Create(ctx, mine))

	got, err = svc.Resolve(ctx, userID, nil, types.TemplateRAGQuery)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Name)

	// An explicit id overrides defaults.
	other := &types.PromptTemplate{
		UserID:         userID,
		Name:           "other",
		Type:           types.TemplateRAGQuery,
		Format:         "{question}",
		InputVariables: map[string]string{"question": ""},
	}
	require.NoError(t, svc.Create(ctx, other))

	got, err = svc.Resolve(ctx, userID, &other.ID, types.TemplateRAGQuery)
	require.NoError(t, err)
	assert.Equal(t, "other", got.Name)
}

func TestService_ResolveNotFound(t *testing.T) {
	svc := NewService(storage.NewMemoryStore().Templates())

	_, err := svc.Resolve(context.Background(), types.NewID(), nil, types.TemplateReranking)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSeedSystemDefaults_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryStore().Templates()

	require.NoError(t, SeedSystemDefaults(ctx, repo))
	require.NoError(t, SeedSystemDefaults(ctx, repo))

	all, err := repo.ListByUser(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	for _, typ := range []types.TemplateType{
		types.TemplateRAGQuery,
		types.TemplateQuestionGeneration,
		types.TemplateReranking,
		types.TemplatePodcastGeneration,
	} {
		tmpl, err := repo.DefaultFor(ctx, uuid.Nil, typ)
		require.NoError(t, err)
		// Seeds must themselves satisfy the placeholder invariant.
		for _, name := range Placeholders(tmpl.Format) {
			assert.Contains(t, tmpl.InputVariables, name)
		}
	}
}
