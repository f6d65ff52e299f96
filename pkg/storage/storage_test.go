package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/types"
)

func newTestUser(t *testing.T, store Store, email string) *types.User {
	t.Helper()
	u := &types.User{Email: email, Role: types.RoleUser}
	require.NoError(t, store.Users().Create(context.Background(), u))
	return u
}

func TestUsers_CreateGetDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	u := newTestUser(t, store, "ana@example.com")
	assert.NotEqual(t, uuid.Nil, u.ID)
	assert.False(t, u.CreatedAt.IsZero())

	got, err := store.Users().Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", got.Email)

	byEmail, err := store.Users().GetByEmail(ctx, "ANA@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	require.NoError(t, store.Users().Delete(ctx, u.ID))
	_, err = store.Users().Get(ctx, u.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestUsers_DuplicateEmail(t *testing.T) {
	store := NewMemoryStore()
	newTestUser(t, store, "dup@example.com")

	err := store.Users().Create(context.Background(), &types.User{Email: "dup@example.com", Role: types.RoleUser})
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestUsers_DeleteCascadesOwnedRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	u := newTestUser(t, store, "owner@example.com")

	tmpl := &types.PromptTemplate{
		UserID:         u.ID,
		Name:           "my-template",
		Type:           types.TemplateRAGQuery,
		Format:         "Answer {question}",
		InputVariables: map[string]string{"question": "the question"},
	}
	require.NoError(t, store.Templates().Create(ctx, tmpl))

	params := &types.LLMParameters{UserID: u.ID, Name: "my-params", MaxNewTokens: 256, Temperature: 0.7, TopP: 0.9}
	require.NoError(t, store.Parameters().Create(ctx, params))

	pipe := &types.PipelineConfig{UserID: u.ID, Name: "my-pipeline", EmbeddingModel: "text-embedding-3-small", Retriever: types.RetrieverVector}
	require.NoError(t, store.Pipelines().Create(ctx, pipe))

	require.NoError(t, store.Users().Delete(ctx, u.ID))

	_, err := store.Templates().Get(ctx, tmpl.ID)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = store.Parameters().Get(ctx, params.ID)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = store.Pipelines().Get(ctx, pipe.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCollections_MembershipFiltering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	alice := newTestUser(t, store, "alice@example.com")
	bob := newTestUser(t, store, "bob@example.com")

	private := &types.Collection{
		Name:            "alice-docs",
		VectorStoreName: "col_alice_docs",
		IsPrivate:       true,
		UserIDs:         []uuid.UUID{alice.ID},
		Status:          types.CollectionCompleted,
	}
	require.NoError(t, store.Collections().Create(ctx, private))

	public := &types.Collection{
		Name:            "handbook",
		VectorStoreName: "col_handbook",
		Status:          types.CollectionCompleted,
	}
	require.NoError(t, store.Collections().Create(ctx, public))

	aliceSees, err := store.Collections().List(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, aliceSees, 2)

	bobSees, err := store.Collections().List(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, bobSees, 1)
	assert.Equal(t, "handbook", bobSees[0].Name)
}

func TestCollections_DeleteCascadesPipelines(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	u := newTestUser(t, store, "owner@example.com")

	col := &types.Collection{Name: "docs", VectorStoreName: "col_docs", Status: types.CollectionCompleted}
	require.NoError(t, store.Collections().Create(ctx, col))

	scoped := &types.PipelineConfig{
		UserID: u.ID, CollectionID: &col.ID, Name: "scoped",
		EmbeddingModel: "text-embedding-3-small", Retriever: types.RetrieverVector,
	}
	require.NoError(t, store.Pipelines().Create(ctx, scoped))

	unscoped := &types.PipelineConfig{
		UserID: u.ID, Name: "unscoped",
		EmbeddingModel: "text-embedding-3-small", Retriever: types.RetrieverVector,
	}
	require.NoError(t, store.Pipelines().Create(ctx, unscoped))

	require.NoError(t, store.Collections().Delete(ctx, col.ID))

	_, err := store.Pipelines().Get(ctx, scoped.ID)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = store.Pipelines().Get(ctx, unscoped.ID)
	assert.NoError(t, err)
}

func TestPipelines_DefaultIsScopedPerCollection(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	u := newTestUser(t, store, "owner@example.com")
	colID := types.NewID()

	userDefault := &types.PipelineConfig{
		UserID: u.ID, Name: "user-default", IsDefault: true,
		EmbeddingModel: "text-embedding-3-small", Retriever: types.RetrieverVector,
	}
	require.NoError(t, store.Pipelines().Create(ctx, userDefault))

	colDefault := &types.PipelineConfig{
		UserID: u.ID, CollectionID: &colID, Name: "col-default", IsDefault: true,
		EmbeddingModel: "text-embedding-3-small", Retriever: types.RetrieverVector,
	}
	require.NoError(t, store.Pipelines().Create(ctx, colDefault))

	got, err := store.Pipelines().DefaultFor(ctx, u.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, userDefault.ID, got.ID)

	got, err = store.Pipelines().DefaultFor(ctx, u.ID, &colID)
	require.NoError(t, err)
	assert.Equal(t, colDefault.ID, got.ID)
}

func TestPipelines_NewDefaultDemotesPrevious(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	u := newTestUser(t, store, "owner@example.com")

	first := &types.PipelineConfig{
		UserID: u.ID, Name: "first", IsDefault: true,
		EmbeddingModel: "text-embedding-3-small", Retriever: types.RetrieverVector,
	}
	require.NoError(t, store.Pipelines().Create(ctx, first))

	second := &types.PipelineConfig{
		UserID: u.ID, Name: "second", IsDefault: true,
		EmbeddingModel: "text-embedding-3-small", Retriever: types.RetrieverVector,
	}
	require.NoError(t, store.Pipelines().Create(ctx, second))

	got, err := store.Pipelines().DefaultFor(ctx, u.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	reloaded, err := store.Pipelines().Get(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsDefault)
}

func TestPipelines_SetMetadata(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	u := newTestUser(t, store, "owner@example.com")

	p := &types.PipelineConfig{
		UserID: u.ID, Name: "p",
		EmbeddingModel: "text-embedding-3-small", Retriever: types.RetrieverVector,
	}
	require.NoError(t, store.Pipelines().Create(ctx, p))

	require.NoError(t, store.Pipelines().SetMetadata(ctx, p.ID, map[string]any{"number_of_results": 12}))

	got, err := store.Pipelines().Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, got.ConfigMetadata["number_of_results"])
}

func TestTemplates_NameUniquePerOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	alice := newTestUser(t, store, "alice@example.com")
	bob := newTestUser(t, store, "bob@example.com")

	mk := func(userID uuid.UUID) *types.PromptTemplate {
		return &types.PromptTemplate{
			UserID:         userID,
			Name:           "qa",
			Type:           types.TemplateRAGQuery,
			Format:         "Answer {question}",
			InputVariables: map[string]string{"question": "q"},
		}
	}

	require.NoError(t, store.Templates().Create(ctx, mk(alice.ID)))
	// Same name under another owner is fine.
	require.NoError(t, store.Templates().Create(ctx, mk(bob.ID)))

	err := store.Templates().Create(ctx, mk(alice.ID))
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestTemplates_SystemDefaultUnderNilOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sys := &types.PromptTemplate{
		UserID:         uuid.Nil,
		Name:           "system-rag",
		Type:           types.TemplateRAGQuery,
		Format:         "Context: {context}\nQuestion: {question}",
		InputVariables: map[string]string{"context": "c", "question": "q"},
		IsDefault:      true,
	}
	// System rows are owned by the nil UUID.
	require.NoError(t, store.Templates().Create(ctx, sys))

	got, err := store.Templates().DefaultFor(ctx, uuid.Nil, types.TemplateRAGQuery)
	require.NoError(t, err)
	assert.Equal(t, "system-rag", got.Name)
}

func TestTemplates_DefaultPerType(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	u := newTestUser(t, store, "owner@example.com")

	ragDefault := &types.PromptTemplate{
		UserID: u.ID, Name: "rag-1", Type: types.TemplateRAGQuery,
		Format: "{question}", InputVariables: map[string]string{"question": "q"},
		IsDefault: true,
	}
	require.NoError(t, store.Templates().Create(ctx, ragDefault))

	rerankDefault := &types.PromptTemplate{
		UserID: u.ID, Name: "rerank-1", Type: types.TemplateReranking,
		Format: "{documents}", InputVariables: map[string]string{"documents": "d"},
		IsDefault: true,
	}
	require.NoError(t, store.Templates().Create(ctx, rerankDefault))

	// Defaults are independent per type.
	got, err := store.Templates().DefaultFor(ctx, u.ID, types.TemplateRAGQuery)
	require.NoError(t, err)
	assert.Equal(t, "rag-1", got.Name)

	got, err = store.Templates().DefaultFor(ctx, u.ID, types.TemplateReranking)
	require.NoError(t, err)
	assert.Equal(t, "rerank-1", got.Name)

	// A new RAG default demotes only the RAG one.
	ragNext := &types.PromptTemplate{
		UserID: u.ID, Name: "rag-2", Type: types.TemplateRAGQuery,
		Format: "{question}", InputVariables: map[string]string{"question": "q"},
		IsDefault: true,
	}
	require.NoError(t, store.Templates().Create(ctx, ragNext))

	got, err = store.Templates().DefaultFor(ctx, u.ID, types.TemplateRAGQuery)
	require.NoError(t, err)
	assert.Equal(t, "rag-2", got.Name)

	got, err = store.Templates().DefaultFor(ctx, u.ID, types.TemplateReranking)
	require.NoError(t, err)
	assert.Equal(t, "rerank-1", got.Name)
}

func TestParameters_SingleDefaultPerOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	u := newTestUser(t, store, "owner@example.com")

	first := &types.LLMParameters{UserID: u.ID, Name: "fast", MaxNewTokens: 128, Temperature: 0.2, TopP: 0.9, IsDefault: true}
	require.NoError(t, store.Parameters().Create(ctx, first))

	second := &types.LLMParameters{UserID: u.ID, Name: "creative", MaxNewTokens: 512, Temperature: 1.1, TopP: 0.95, IsDefault: true}
	require.NoError(t, store.Parameters().Create(ctx, second))

	got, err := store.Parameters().DefaultFor(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "creative", got.Name)

	reloaded, err := store.Parameters().Get(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsDefault)
}

func TestProviders_DefaultIgnoresActivity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Providers().Default(ctx)
	assert.True(t, errdefs.IsNotFound(err))

	// The default row comes back even while inactive so the service layer
	// can answer with a validation error instead of "not configured".
	p := &types.Provider{
		Name: "main-openai", Type: "openai",
		BaseURL: "https://api.openai.com/v1", IsActive: false, IsDefault: true,
	}
	require.NoError(t, store.Providers().Create(ctx, p))

	got, err := store.Providers().Default(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main-openai", got.Name)
	assert.False(t, got.IsActive)
}

func TestProviders_DeleteCascadesModels(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := &types.Provider{Name: "main", Type: "openai", BaseURL: "https://api.openai.com/v1", IsActive: true}
	require.NoError(t, store.Providers().Create(ctx, p))

	m := &types.Model{ProviderID: p.ID, ModelID: "gpt-4o-mini", Kind: types.ModelKindGeneration, IsActive: true}
	require.NoError(t, store.Models().Create(ctx, m))

	require.NoError(t, store.Providers().Delete(ctx, p.ID))

	_, err := store.Models().Get(ctx, m.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestModels_DefaultPerProviderAndKind(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := &types.Provider{Name: "main", Type: "openai", BaseURL: "https://api.openai.com/v1", IsActive: true}
	require.NoError(t, store.Providers().Create(ctx, p))

	gen := &types.Model{ProviderID: p.ID, ModelID: "gpt-4o", Kind: types.ModelKindGeneration, IsDefault: true, IsActive: true}
	require.NoError(t, store.Models().Create(ctx, gen))

	emb := &types.Model{ProviderID: p.ID, ModelID: "text-embedding-3-small", Kind: types.ModelKindEmbedding, IsDefault: true, IsActive: true}
	require.NoError(t, store.Models().Create(ctx, emb))

	got, err := store.Models().DefaultFor(ctx, p.ID, types.ModelKindGeneration)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got.ModelID)

	got, err = store.Models().DefaultFor(ctx, p.ID, types.ModelKindEmbedding)
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", got.ModelID)
}

func TestBindRewritesPlaceholdersForPostgres(t *testing.T) {
	s := &SQLStore{dialect: "postgres"}
	assert.Equal(t, `SELECT * FROM t WHERE a = $1 AND b = $2`, s.bind(`SELECT * FROM t WHERE a = ? AND b = ?`))

	s.dialect = "sqlite"
	assert.Equal(t, `SELECT * FROM t WHERE a = ?`, s.bind(`SELECT * FROM t WHERE a = ?`))
}
