package indexer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/chunker"
	"github.com/markdave123-py/contexta/internal/core/llm/llmtest"
	"github.com/markdave123-py/contexta/internal/core/memstore"
	"github.com/markdave123-py/contexta/internal/models"
)

func testConfig() Config {
	return Config{BatchSize: 4, Concurrency: 2, Attempts: 3, Backoff: time.Millisecond, Timeout: time.Second}
}

// seed stores a document and its chunks, one chunk per text.
func seed(t *testing.T, s *memstore.Store, docID, owner string, texts ...string) (*models.Document, []models.Chunk) {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{ID: docID, UserID: owner, Title: "Doc " + docID, Status: models.StatusProcessed}
	require.NoError(t, s.CreateDocument(ctx, doc))

	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.Chunk{
			ID:          fmt.Sprintf("%s-%d", docID, i),
			DocumentID:  docID,
			Position:    i,
			Text:        text,
			ContentHash: chunker.Hash(text),
		}
	}
	require.NoError(t, s.ReplaceDocumentChunks(ctx, docID, chunks))
	return doc, chunks
}

func TestIndex_EmbedsAndLinksEveryChunk(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewStore()
	emb := llmtest.NewEmbedder()
	ix := New(s, s, emb, testConfig())

	doc, chunks := seed(t, s, "d1", "u1", "alpha", "beta", "gamma", "delta", "epsilon")
	n, err := ix.Index(ctx, doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, s.EmbeddingCount())

	stored, err := s.GetChunksByDocument(ctx, "d1")
	require.NoError(t, err)
	for _, c := range stored {
		assert.Equal(t, c.ID, c.EmbeddingID)
	}

	got, err := s.GetDocumentByID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.ChunkCount)
	assert.Equal(t, 5, got.IndexedCount)
}

func TestIndex_DedupsPerOwnerHash(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewStore()
	emb := llmtest.NewEmbedder()
	ix := New(s, s, emb, testConfig())

	doc1, chunks1 := seed(t, s, "d1", "u1", "shared passage", "only in one", "shared passage")
	n, err := ix.Index(ctx, doc1, chunks1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, emb.Embedded(), "duplicate hash inside a batch is embedded once")

	doc2, chunks2 := seed(t, s, "d2", "u1", "shared passage")
	n, err = ix.Index(ctx, doc2, chunks2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, emb.Embedded(), "known hash is linked, not embedded")
	assert.Equal(t, 2, s.EmbeddingCount())

	stored, err := s.GetChunksByDocument(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, "d1-0", stored[0].EmbeddingID)

	doc3, chunks3 := seed(t, s, "d3", "u2", "shared passage")
	_, err = ix.Index(ctx, doc3, chunks3)
	require.NoError(t, err)
	assert.Equal(t, 3, s.EmbeddingCount(), "other owners get their own record")
}

func TestIndex_BatchFailureFallsBackToSingleChunks(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewStore()
	emb := llmtest.NewEmbedder()
	emb.Fail = func(texts []string) error {
		if len(texts) > 1 {
			return errors.New("batch rejected")
		}
		if texts[0] == "poison" {
			return errors.New("bad input")
		}
		return nil
	}
	ix := New(s, s, emb, testConfig())

	doc, chunks := seed(t, s, "d1", "u1", "fine", "poison", "also fine")
	n, err := ix.Index(ctx, doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	poisonCalls := 0
	for _, call := range emb.Calls() {
		if len(call) == 1 && call[0] == "poison" {
			poisonCalls++
		}
	}
	assert.Equal(t, 3, poisonCalls)

	got, err := s.GetDocumentByID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.ChunkCount)
	assert.Equal(t, 2, got.IndexedCount)
}

func TestIndex_CanceledContext(t *testing.T) {
	s := memstore.NewStore()
	ix := New(s, s, llmtest.NewEmbedder(), testConfig())
	doc, chunks := seed(t, s, "d1", "u1", "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ix.Index(ctx, doc, chunks)
	require.Error(t, err)
}

func TestRemove_RehomesSharedRecord(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewStore()
	ix := New(s, s, llmtest.NewEmbedder(), testConfig())

	doc1, chunks1 := seed(t, s, "d1", "u1", "shared passage", "unique to d1")
	_, err := ix.Index(ctx, doc1, chunks1)
	require.NoError(t, err)
	doc2, chunks2 := seed(t, s, "d2", "u1", "shared passage")
	_, err = ix.Index(ctx, doc2, chunks2)
	require.NoError(t, err)
	require.Equal(t, 2, s.EmbeddingCount())

	require.NoError(t, ix.Remove(ctx, doc1))
	require.NoError(t, s.DeleteDocument(ctx, "d1"))

	assert.Equal(t, 1, s.EmbeddingCount())
	id, ok, err := s.FindByHash(ctx, "u1", chunker.Hash("shared passage"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d2-0", id)

	_, ok, err = s.FindByHash(ctx, "u1", chunker.Hash("unique to d1"))
	require.NoError(t, err)
	assert.False(t, ok)

	hits, err := s.Search(ctx, llmtest.NewEmbedder().Vector("shared passage"), 5, core.SearchFilter{OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d2", hits[0].DocumentID)
}

func TestReindexIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memstore.NewStore()
	emb := llmtest.NewEmbedder()
	ix := New(s, s, emb, testConfig())

	doc, chunks := seed(t, s, "d1", "u1", "one", "two")
	_, err := ix.Index(ctx, doc, chunks)
	require.NoError(t, err)

	require.NoError(t, ix.Remove(ctx, doc))
	require.NoError(t, s.ReplaceDocumentChunks(ctx, "d1", chunks))
	n, err := ix.Index(ctx, doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.EmbeddingCount())
}
