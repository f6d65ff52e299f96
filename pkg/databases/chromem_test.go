package databases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/config"
)

func newChromemFixture(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(&config.VectorStoreConfig{Type: config.VectorStoreChromem})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedChunks(t *testing.T, store *ChromemStore, collection string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureCollection(ctx, collection, 3))
	require.NoError(t, store.Upsert(ctx, collection, []Record{
		{
			ID:        "11111111-0000-0000-0000-000000000001",
			Text:      "Go ships a race detector.",
			Embedding: []float32{1, 0, 0},
			Tags: map[string]any{
				"document_id":   "doc-go",
				"document_name": "Go Guide",
				"page_number":   3,
				"chunk_number":  1,
			},
		},
		{
			ID:        "11111111-0000-0000-0000-000000000002",
			Text:      "Goroutines are cheap.",
			Embedding: []float32{0.9, 0.1, 0},
			Tags:      map[string]any{"document_id": "doc-go", "page_number": 4},
		},
		{
			ID:        "11111111-0000-0000-0000-000000000003",
			Text:      "Pandas loves dataframes.",
			Embedding: []float32{0, 1, 0},
			Tags:      map[string]any{"document_id": "doc-py", "page_number": 9},
		},
	}))
}

func TestChromemSearchOrdersByScore(t *testing.T) {
	store := newChromemFixture(t)
	seedChunks(t, store, "chunks")

	hits, err := store.Search(context.Background(), "chunks", []float32{1, 0, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, "11111111-0000-0000-0000-000000000001", hits[0].ID)
	assert.Equal(t, "11111111-0000-0000-0000-000000000002", hits[1].ID)
	assert.Equal(t, "11111111-0000-0000-0000-000000000003", hits[2].ID)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-4)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Greater(t, hits[1].Score, hits[2].Score)
	assert.Equal(t, "Go ships a race detector.", hits[0].Text)
}

func TestChromemSearchBreaksTiesByID(t *testing.T) {
	store := newChromemFixture(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureCollection(ctx, "ties", 3))

	// Identical embeddings produce identical scores; order must fall back
	// to the lexicographic id.
	require.NoError(t, store.Upsert(ctx, "ties", []Record{
		{ID: "22222222-0000-0000-0000-00000000000b", Text: "second", Embedding: []float32{0.6, 0.8, 0}},
		{ID: "22222222-0000-0000-0000-00000000000a", Text: "first", Embedding: []float32{0.6, 0.8, 0}},
	}))

	hits, err := store.Search(ctx, "ties", []float32{0.6, 0.8, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "22222222-0000-0000-0000-00000000000a", hits[0].ID)
	assert.Equal(t, "22222222-0000-0000-0000-00000000000b", hits[1].ID)
	assert.Equal(t, hits[0].Score, hits[1].Score)
}

func TestChromemSearchReturnsFewerThanK(t *testing.T) {
	store := newChromemFixture(t)
	seedChunks(t, store, "chunks")

	hits, err := store.Search(context.Background(), "chunks", []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestChromemSearchEmptyCollection(t *testing.T) {
	store := newChromemFixture(t)
	require.NoError(t, store.EnsureCollection(context.Background(), "empty", 3))

	hits, err := store.Search(context.Background(), "empty", []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemSearchFilter(t *testing.T) {
	store := newChromemFixture(t)
	seedChunks(t, store, "chunks")

	hits, err := store.Search(context.Background(), "chunks", []float32{1, 0, 0}, 10,
		map[string]any{"document_id": "doc-py"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "11111111-0000-0000-0000-000000000003", hits[0].ID)
}

func TestChromemTagsRoundTripTyped(t *testing.T) {
	store := newChromemFixture(t)
	seedChunks(t, store, "chunks")

	hits, err := store.Search(context.Background(), "chunks", []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	assert.Equal(t, "doc-go", hits[0].Tags["document_id"])
	assert.Equal(t, "Go Guide", hits[0].Tags["document_name"])
	assert.Equal(t, int64(3), hits[0].Tags["page_number"])
	assert.Equal(t, int64(1), hits[0].Tags["chunk_number"])
}

func TestChromemUpsertRejectsDimensionMismatch(t *testing.T) {
	store := newChromemFixture(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureCollection(ctx, "strict", 3))

	err := store.Upsert(ctx, "strict", []Record{
		{ID: "33333333-0000-0000-0000-000000000001", Text: "short", Embedding: []float32{1, 0}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestChromemEnsureCollectionValidatesDimension(t *testing.T) {
	store := newChromemFixture(t)
	err := store.EnsureCollection(context.Background(), "bad", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension must be positive")
}

func TestChromemSearchValidatesArguments(t *testing.T) {
	store := newChromemFixture(t)
	ctx := context.Background()

	_, err := store.Search(ctx, "chunks", nil, 5, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query vector")

	_, err = store.Search(ctx, "chunks", []float32{1, 0, 0}, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "k must be positive")
}

func TestChromemDeleteCollection(t *testing.T) {
	store := newChromemFixture(t)
	seedChunks(t, store, "chunks")
	ctx := context.Background()

	require.NoError(t, store.DeleteCollection(ctx, "chunks"))

	hits, err := store.Search(ctx, "chunks", []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.VectorStoreConfig{Type: config.VectorStoreChromem, PersistPath: dir}
	ctx := context.Background()

	store, err := NewChromemStore(cfg)
	require.NoError(t, err)
	require.NoError(t, store.EnsureCollection(ctx, "persisted", 3))
	require.NoError(t, store.Upsert(ctx, "persisted", []Record{
		{ID: "44444444-0000-0000-0000-000000000001", Text: "kept", Embedding: []float32{0, 0, 1}},
	}))
	require.NoError(t, store.Close())

	reopened, err := NewChromemStore(cfg)
	require.NoError(t, err)
	hits, err := reopened.Search(ctx, "persisted", []float32{0, 0, 1}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "kept", hits[0].Text)
}
