// Package retrieval answers a query with the owner's most relevant chunks.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

const DefaultTopK = 8

// Filters narrows a search to a subset of the owner's documents.
type Filters struct {
	DocumentIDs []string   `json:"document_ids,omitempty"`
	Tag         string     `json:"tag,omitempty"`
	CreatedFrom *time.Time `json:"created_from,omitempty"`
	CreatedTo   *time.Time `json:"created_to,omitempty"`
}

// Config tunes the engine.
//
// CandidatePool: nearest neighbours fetched before reranking; 0 fetches k.
// EmbedTimeout:  deadline for each query embedding attempt.
// EmbedAttempts: query embedding attempts.
// RerankTimeout: deadline for the whole rerank call.
type Config struct {
	TopK          int
	CandidatePool int
	EmbedTimeout  time.Duration
	EmbedAttempts int
	RerankTimeout time.Duration
}

type Engine struct {
	chunks   core.ChunkStore
	vectors  core.VectorStore
	embedder core.EmbeddingProvider
	reranker Reranker
	cfg      Config
	log      *slog.Logger
}

// NewEngine builds an engine. reranker may be nil, in which case results
// keep similarity order.
func NewEngine(chunks core.ChunkStore, vectors core.VectorStore, embedder core.EmbeddingProvider, reranker Reranker, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.EmbedAttempts <= 0 {
		cfg.EmbedAttempts = 2
	}
	return &Engine{
		chunks:   chunks,
		vectors:  vectors,
		embedder: embedder,
		reranker: reranker,
		cfg:      cfg,
		log:      slog.With("component", "retrieval"),
	}
}

// Search returns at most k results for query, ordered by rerank score, then
// similarity, then chunk position, then chunk id. k <= 0 uses the default.
func (e *Engine) Search(ctx context.Context, query, ownerID string, f Filters, k int) ([]models.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query: %w", core.ErrInvalidInput)
	}
	if k <= 0 {
		k = e.cfg.TopK
	}
	pool := max(e.cfg.CandidatePool, k)

	vec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, &core.RetrievalError{Op: "embed query", Err: err}
	}

	hits, err := e.vectors.Search(ctx, vec, pool, core.SearchFilter{
		OwnerID:     ownerID,
		DocumentIDs: f.DocumentIDs,
		Tag:         f.Tag,
		CreatedFrom: f.CreatedFrom,
		CreatedTo:   f.CreatedTo,
	})
	if err != nil {
		return nil, &core.RetrievalError{Op: "vector search", Err: err}
	}
	if len(hits) == 0 {
		return []models.SearchResult{}, nil
	}

	results, err := e.hydrate(ctx, hits)
	if err != nil {
		return nil, &core.RetrievalError{Op: "load chunks", Err: err}
	}

	e.rerank(ctx, query, results)
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.EmbedAttempts; attempt++ {
		vec, err := e.embedOnce(ctx, query)
		if err == nil {
			return vec, nil
		}
		lastErr = &core.EmbeddingError{Err: err}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (e *Engine) embedOnce(ctx context.Context, query string) ([]float32, error) {
	if e.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.EmbedTimeout)
		defer cancel()
	}
	vecs, err := e.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedder returned %d vectors", len(vecs))
	}
	return vecs[0], nil
}

func (e *Engine) hydrate(ctx context.Context, hits []core.VectorHit) ([]models.SearchResult, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	rows, err := e.chunks.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]core.ChunkWithTitle, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}

	out := make([]models.SearchResult, 0, len(hits))
	for _, h := range hits {
		c, ok := byID[h.ChunkID]
		if !ok {
			// Deleted between search and hydration.
			continue
		}
		out = append(out, models.SearchResult{
			ChunkID:       c.ID,
			DocumentID:    c.DocumentID,
			DocumentTitle: c.DocumentTitle,
			Position:      c.Position,
			Text:          c.Text,
			TokenCount:    c.TokenCount,
			Anchor:        c.Anchor,
			Similarity:    h.Similarity,
		})
	}
	return out, nil
}

// rerank fills RerankScore in place. On failure the scores stay nil.
func (e *Engine) rerank(ctx context.Context, query string, results []models.SearchResult) {
	if e.reranker == nil || len(results) == 0 {
		return
	}
	rctx := ctx
	if e.cfg.RerankTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, e.cfg.RerankTimeout)
		defer cancel()
	}
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	scores, err := e.reranker.Rerank(rctx, query, texts)
	if err == nil && len(scores) != len(results) {
		err = fmt.Errorf("got %d scores for %d passages", len(scores), len(results))
	}
	if err != nil {
		e.log.Warn("rerank failed, keeping similarity order", "candidates", len(results), "err", err)
		return
	}
	for i := range results {
		s := scores[i]
		results[i].RerankScore = &s
	}
}

func sortResults(rs []models.SearchResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.RerankScore != nil && b.RerankScore != nil && *a.RerankScore != *b.RerankScore {
			return *a.RerankScore > *b.RerankScore
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ChunkID < b.ChunkID
	})
}
