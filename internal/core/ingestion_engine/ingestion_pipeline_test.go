package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/indexer"
	"github.com/markdave123-py/contexta/internal/core/llm/llmtest"
	"github.com/markdave123-py/contexta/internal/core/memstore"
	"github.com/markdave123-py/contexta/internal/models"
)

const guide = `# Field Guide

Gulls gather on the breakwater at low tide and argue over scraps.

## Terns

Terns dive from height and rarely settle on the water for long.

## Cormorants

Cormorants dry their wings on the rocks after every dive.`

type recorder struct {
	mu     sync.Mutex
	events []core.DocumentEvent
}

func (r *recorder) Notify(ev core.DocumentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

// flakyExtractor fails the first n calls with err, then delegates.
type flakyExtractor struct {
	next  core.DocumentExtractor
	n     int
	err   error
	mu    sync.Mutex
	calls int
}

func (f *flakyExtractor) Extract(ctx context.Context, raw []byte, format string) (*core.ExtractedText, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.n
	f.mu.Unlock()
	if fail {
		return nil, f.err
	}
	return f.next.Extract(ctx, raw, format)
}

type harness struct {
	store    *memstore.Store
	objects  *memstore.ObjectStore
	queue    *memstore.Queue
	embedder *llmtest.Embedder
	events   *recorder
	sleeps   []time.Duration
	ing      *DocumentIngestor
}

func newHarness(t *testing.T, extractor core.DocumentExtractor) *harness {
	t.Helper()
	h := &harness{
		store:    memstore.NewStore(),
		objects:  memstore.NewObjectStore(),
		queue:    memstore.NewQueue(8),
		embedder: llmtest.NewEmbedder(),
		events:   &recorder{},
	}
	if extractor == nil {
		extractor = NewExtractor()
	}
	ix := indexer.New(h.store, h.store, h.embedder, indexer.Config{BatchSize: 4, Concurrency: 2, Attempts: 2, Backoff: time.Millisecond})
	h.ing = NewDocumentIngestor(h.store, h.objects, ix, extractor, h.queue, h.events, &IngestConfig{
		TargetTokens:  24,
		OverlapTokens: 4,
		MaxAttempts:   3,
		Backoff:       10 * time.Millisecond,
		JobTimeout:    5 * time.Second,
	})
	h.ing.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) upload(t *testing.T, id, fileName, body string) *models.Document {
	t.Helper()
	ctx := context.Background()
	key := "raw/" + id + "/" + fileName
	_, err := h.objects.UploadFile(ctx, key, bytes.NewBufferString(body), "")
	require.NoError(t, err)
	doc := &models.Document{ID: id, UserID: "u1", Title: fileName, FileName: fileName, StorageURL: key, Status: models.StatusUploaded}
	require.NoError(t, h.store.CreateDocument(ctx, doc))
	return doc
}

func TestConvert_ProcessesAndIndexes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.upload(t, "d1", "guide.md", guide)

	res, err := h.ing.Convert(ctx, "d1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, res.Status)
	assert.Greater(t, res.Chunks, 1)
	assert.Equal(t, res.Chunks, res.Indexed)
	assert.NotEmpty(t, res.ContentHash)

	doc, err := h.store.GetDocumentByID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, doc.Status)
	assert.Equal(t, res.ContentHash, doc.ContentHash)
	assert.Len(t, doc.Anchors, 3)
	assert.Equal(t, res.Chunks, doc.ChunkCount)
	assert.Equal(t, res.Chunks, doc.IndexedCount)

	text, err := h.objects.GetProcessedText(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "# Field Guide"))

	chunks, err := h.store.GetChunksByDocument(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, chunks, res.Chunks)
	for _, c := range chunks {
		assert.NotEmpty(t, c.EmbeddingID)
	}
	assert.Equal(t, []string{models.StatusProcessing, models.StatusProcessed, models.StatusProcessed}, h.events.statuses())
}

func TestConvert_ProcessedDocumentIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.upload(t, "d1", "guide.md", guide)

	first, err := h.ing.Convert(ctx, "d1", false)
	require.NoError(t, err)
	embedded := h.embedder.Embedded()
	events := len(h.events.statuses())

	again, err := h.ing.Convert(ctx, "d1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, again.Status)
	assert.Equal(t, first.Chunks, again.Chunks)
	assert.Equal(t, embedded, h.embedder.Embedded())
	assert.Len(t, h.events.statuses(), events)
}

func TestConvert_ForceReconvertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.upload(t, "d1", "guide.md", guide)

	_, err := h.ing.Convert(ctx, "d1", false)
	require.NoError(t, err)
	before, err := h.store.GetChunksByDocument(ctx, "d1")
	require.NoError(t, err)
	records := h.store.EmbeddingCount()

	res, err := h.ing.Convert(ctx, "d1", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, res.Status)

	after, err := h.store.GetChunksByDocument(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].ContentHash, after[i].ContentHash)
	}
	assert.Equal(t, records, h.store.EmbeddingCount())
}

func TestConvert_UnsupportedFormatFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.upload(t, "d1", "archive.tar", "not a document")

	_, err := h.ing.Convert(ctx, "d1", false)
	var convErr *core.ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.True(t, convErr.Permanent)
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)
	assert.Empty(t, h.sleeps)

	doc, err := h.store.GetDocumentByID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, doc.Status)
	assert.Contains(t, doc.FailureReason, "unsupported format")
	assert.Equal(t, []string{models.StatusProcessing, models.StatusError}, h.events.statuses())
}

func TestConvert_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyExtractor{next: NewExtractor(), n: 2, err: errors.New("reader hiccup")}
	h := newHarness(t, flaky)
	h.upload(t, "d1", "guide.md", guide)

	res, err := h.ing.Convert(ctx, "d1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, res.Status)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.sleeps)
}

func TestConvert_ExhaustedRetriesLeaveNoPartialText(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.upload(t, "d1", "guide.md", guide)
	_, err := h.ing.Convert(ctx, "d1", false)
	require.NoError(t, err)
	require.NotZero(t, h.store.EmbeddingCount())

	// A forced reconversion that never succeeds must leave nothing behind.
	h.ing.extractor = &flakyExtractor{n: 10, err: errors.New("corrupt xref table")}
	_, err = h.ing.Convert(ctx, "d1", true)
	var convErr *core.ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.False(t, convErr.Permanent)
	assert.Len(t, h.sleeps, 2)

	doc, err := h.store.GetDocumentByID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, doc.Status)
	assert.Contains(t, doc.FailureReason, "corrupt xref table")
	assert.Zero(t, doc.ChunkCount)

	_, err = h.objects.GetProcessedText(ctx, "d1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	chunks, err := h.store.GetChunksByDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Zero(t, h.store.EmbeddingCount())
}

func TestConvert_MissingDocument(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ing.Convert(context.Background(), "nope", false)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestWorkers_DrainQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, nil)
	h.upload(t, "d1", "guide.md", guide)
	h.upload(t, "d2", "notes.txt", "Tide tables for the northern harbour.")

	h.ing.Start(ctx, 2)
	require.NoError(t, h.ing.Enqueue(ctx, "d1", false))
	require.NoError(t, h.ing.Enqueue(ctx, "d2", false))

	assert.Eventually(t, func() bool {
		for _, id := range []string{"d1", "d2"} {
			doc, err := h.store.GetDocumentByID(ctx, id)
			if err != nil || doc.Status != models.StatusProcessed {
				return false
			}
		}
		return h.queue.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// abandon moves a document into processing as a worker that later died would.
func (h *harness) abandon(t *testing.T, id string, at time.Time) {
	t.Helper()
	h.store.SetClock(func() time.Time { return at })
	defer h.store.SetClock(time.Now)
	ok, err := h.store.TransitionDocumentStatus(context.Background(), id, []string{models.StatusUploaded}, models.StatusProcessing, "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConvert_ReclaimsAbandonedProcessingDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.upload(t, "d1", "guide.md", guide)
	h.abandon(t, "d1", time.Now().Add(-time.Hour))

	res, err := h.ing.Convert(ctx, "d1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, res.Status)
	assert.Positive(t, res.Chunks)

	doc, err := h.store.GetDocumentByID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, doc.Status)
	assert.Equal(t, res.Chunks, doc.IndexedCount)
}

func TestConvert_LeavesActiveProcessingDocumentAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.upload(t, "d1", "guide.md", guide)
	h.abandon(t, "d1", time.Now())

	for _, force := range []bool{false, true} {
		res, err := h.ing.Convert(ctx, "d1", force)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, res.Status)
		assert.Zero(t, res.Chunks)
	}
	assert.Zero(t, h.embedder.Embedded())
	assert.Empty(t, h.events.statuses())
}

func TestWorkers_RedeliveredJobFinishesAbandonedDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, nil)
	h.upload(t, "d1", "guide.md", guide)
	h.abandon(t, "d1", time.Now().Add(-time.Hour))

	require.NoError(t, h.ing.Enqueue(ctx, "d1", false))
	h.ing.Start(ctx, 1)

	assert.Eventually(t, func() bool {
		doc, err := h.store.GetDocumentByID(ctx, "d1")
		return err == nil && doc.Status == models.StatusProcessed && h.queue.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConvert_ThreePagePDFKeepsPageAnchorsOnChunks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	pages := []string{
		"Gulls gather on the breakwater at low tide and argue over scraps.",
		"Terns dive from height and rarely settle on the water for long.",
		"Cormorants dry their wings on the rocks after every dive.",
	}
	h.upload(t, "d1", "birds.pdf", string(buildPDF("Shore Birds", pages...)))

	res, err := h.ing.Convert(ctx, "d1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, res.Status)

	doc, err := h.store.GetDocumentByID(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, doc.Anchors, 3)
	for i, a := range doc.Anchors {
		assert.Equal(t, i+1, a.PageStart)
	}

	chunks, err := h.store.GetChunksByDocument(ctx, "d1")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	seen := map[int]bool{}
	for _, c := range chunks {
		require.True(t, c.Anchor.HasPages(), "chunk %d has no page range", c.Position)
		for p := c.Anchor.PageStart; p <= c.Anchor.PageEnd; p++ {
			seen[p] = true
		}
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, seen)

	for n, p := range pages {
		covered := false
		for _, c := range chunks {
			if strings.Contains(c.Text, p) && c.Anchor.PageStart <= n+1 && n+1 <= c.Anchor.PageEnd {
				covered = true
			}
		}
		assert.True(t, covered, "page %d text is not in a chunk anchored to that page", n+1)
	}
}
