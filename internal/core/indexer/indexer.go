// Package indexer embeds chunks and keeps exactly one vector record per
// (owner, content hash).
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

// Config tunes embedding throughput.
//
// BatchSize:   chunks per embedding call.
// Concurrency: embedding calls in flight.
// RPS:         embedding calls per second, 0 disables throttling.
// Timeout:     per-call deadline.
// Attempts:    per-chunk attempts after a failed batch.
// Backoff:     delay before the second attempt, doubled afterwards.
type Config struct {
	BatchSize   int
	Concurrency int
	RPS         float64
	Timeout     time.Duration
	Attempts    int
	Backoff     time.Duration
}

type Indexer struct {
	db       core.DbClient
	vectors  core.VectorStore
	embedder core.EmbeddingProvider
	limiter  *rate.Limiter
	cfg      Config
	log      *slog.Logger
}

func New(db core.DbClient, vectors core.VectorStore, embedder core.EmbeddingProvider, cfg Config) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Concurrency)
	}
	return &Indexer{
		db:       db,
		vectors:  vectors,
		embedder: embedder,
		limiter:  limiter,
		cfg:      cfg,
		log:      slog.With("component", "indexer"),
	}
}

// hashGroup is every chunk in the batch sharing one content hash. The first
// chunk is the one whose text gets embedded.
type hashGroup struct {
	hash   string
	chunks []models.Chunk
}

// Index links every chunk of doc to an embedding record, embedding only the
// hashes the owner has never seen. Chunks that cannot be embedded are logged
// and skipped. It returns the number of chunks linked.
func (ix *Indexer) Index(ctx context.Context, doc *models.Document, chunks []models.Chunk) (int, error) {
	links := make(map[string]string, len(chunks))
	var mu sync.Mutex

	var pending []*hashGroup
	byHash := make(map[string]*hashGroup)
	for _, c := range chunks {
		if g, ok := byHash[c.ContentHash]; ok {
			g.chunks = append(g.chunks, c)
			continue
		}
		id, ok, err := ix.vectors.FindByHash(ctx, doc.UserID, c.ContentHash)
		if err != nil {
			ix.log.Warn("hash lookup failed, embedding instead", "document_id", doc.ID, "chunk_id", c.ID, "err", err)
		}
		if ok {
			links[c.ID] = id
			continue
		}
		g := &hashGroup{hash: c.ContentHash, chunks: []models.Chunk{c}}
		byHash[c.ContentHash] = g
		pending = append(pending, g)
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(ix.cfg.Concurrency)
	for start := 0; start < len(pending); start += ix.cfg.BatchSize {
		batch := pending[start:min(start+ix.cfg.BatchSize, len(pending))]
		eg.Go(func() error {
			vecs := ix.embedBatch(egctx, batch)
			for i, g := range batch {
				if vecs[i] == nil {
					continue
				}
				canonical, err := ix.store(egctx, doc, g.chunks[0], vecs[i])
				if err != nil {
					ix.log.Error("store embedding failed", "document_id", doc.ID, "chunk_id", g.chunks[0].ID, "err", err)
					continue
				}
				mu.Lock()
				for _, c := range g.chunks {
					links[c.ID] = canonical
				}
				mu.Unlock()
			}
			return egctx.Err()
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	if len(links) > 0 {
		if err := ix.db.LinkChunkEmbeddings(ctx, links); err != nil {
			return 0, fmt.Errorf("link chunks: %w", err)
		}
	}
	if err := ix.db.SetIndexCounts(ctx, doc.ID, len(chunks), len(links)); err != nil {
		return len(links), fmt.Errorf("set index counts: %w", err)
	}
	if skipped := len(chunks) - len(links); skipped > 0 {
		ix.log.Warn("chunks left unindexed", "document_id", doc.ID, "skipped", skipped)
	}
	ix.log.Info("document indexed", "document_id", doc.ID, "chunks", len(chunks), "indexed", len(links), "embedded", len(pending))
	return len(links), nil
}

func (ix *Indexer) store(ctx context.Context, doc *models.Document, c models.Chunk, vec []float32) (string, error) {
	canonical, _, err := ix.vectors.PutIfAbsent(ctx, models.EmbeddingRecord{
		ChunkID:           c.ID,
		DocumentID:        doc.ID,
		OwnerID:           doc.UserID,
		ContentHash:       c.ContentHash,
		Vector:            vec,
		Anchor:            c.Anchor,
		DocumentTitle:     doc.Title,
		Tags:              doc.Tags,
		DocumentCreatedAt: doc.CreatedAt,
	})
	return canonical, err
}

// embedBatch returns one vector per group, nil where embedding failed.
func (ix *Indexer) embedBatch(ctx context.Context, batch []*hashGroup) [][]float32 {
	texts := make([]string, len(batch))
	for i, g := range batch {
		texts[i] = g.chunks[0].Text
	}
	vecs, err := ix.embed(ctx, texts)
	if err == nil {
		return vecs
	}
	if ctx.Err() != nil {
		return make([][]float32, len(batch))
	}
	ix.log.Warn("batch embedding failed, retrying chunks one by one", "size", len(batch), "err", err)

	out := make([][]float32, len(batch))
	for i, g := range batch {
		vec, err := ix.embedOne(ctx, g.chunks[0])
		if err != nil {
			ix.log.Error("skipping chunk", "err", err)
			continue
		}
		out[i] = vec
	}
	return out
}

func (ix *Indexer) embedOne(ctx context.Context, c models.Chunk) ([]float32, error) {
	var lastErr error
	delay := ix.cfg.Backoff
	for attempt := 1; attempt <= ix.cfg.Attempts; attempt++ {
		vecs, err := ix.embed(ctx, []string{c.Text})
		if err == nil {
			return vecs[0], nil
		}
		lastErr = err
		if attempt == ix.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &core.EmbeddingError{ChunkID: c.ID, Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, &core.EmbeddingError{ChunkID: c.ID, Err: lastErr}
}

// embed makes one throttled call under the per-call timeout.
func (ix *Indexer) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ix.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	cctx := ctx
	if ix.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, ix.cfg.Timeout)
		defer cancel()
	}
	vecs, err := ix.embedder.EmbedTexts(cctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("empty vector at %d", i)
		}
	}
	return vecs, nil
}

// Remove releases the embedding records held by doc's chunks before those
// chunks are deleted. A record whose hash survives in another of the owner's
// documents moves there; otherwise it is deleted.
func (ix *Indexer) Remove(ctx context.Context, doc *models.Document) error {
	chunks, err := ix.db.GetChunksByDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	own := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		own[c.ID] = true
	}

	seen := make(map[string]bool)
	for _, c := range chunks {
		if seen[c.ContentHash] {
			continue
		}
		seen[c.ContentHash] = true

		recordID, ok, err := ix.vectors.FindByHash(ctx, doc.UserID, c.ContentHash)
		if err != nil {
			return fmt.Errorf("find record for %s: %w", c.ID, err)
		}
		if !ok || !own[recordID] {
			continue
		}

		survivors, err := ix.db.FindChunksByHash(ctx, doc.UserID, c.ContentHash, doc.ID)
		if err != nil {
			return fmt.Errorf("find surviving chunks: %w", err)
		}
		if len(survivors) == 0 {
			if err := ix.vectors.DeleteEmbedding(ctx, recordID); err != nil {
				return fmt.Errorf("delete embedding %s: %w", recordID, err)
			}
			continue
		}

		to := survivors[0]
		if err := ix.vectors.Rehome(ctx, recordID, to); err != nil {
			return fmt.Errorf("rehome embedding %s: %w", recordID, err)
		}
		if err := ix.db.RelinkEmbedding(ctx, recordID, to.ID); err != nil {
			return fmt.Errorf("relink embedding %s: %w", recordID, err)
		}
		if err := ix.db.LinkChunkEmbeddings(ctx, map[string]string{to.ID: to.ID}); err != nil {
			return fmt.Errorf("link survivor %s: %w", to.ID, err)
		}
	}
	return nil
}
