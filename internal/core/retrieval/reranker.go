package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Reranker scores (query, passage) pairs. It returns one score per text,
// in input order; higher is more relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]float64, error)
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// HTTPReranker talks to a cross-encoder server exposing POST /rerank.
type HTTPReranker struct {
	client *resty.Client
}

func NewHTTPReranker(baseURL string, timeout time.Duration) *HTTPReranker {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	return &HTTPReranker{client: c}
}

func (h *HTTPReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var scores []rerankScore
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(rerankRequest{Query: query, Texts: texts}).
		SetResult(&scores).
		Post("/rerank")
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("rerank: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]float64, len(texts))
	seen := make([]bool, len(texts))
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(texts) {
			return nil, fmt.Errorf("rerank: index %d out of range", s.Index)
		}
		out[s.Index] = s.Score
		seen[s.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank: no score for passage %d", i)
		}
	}
	return out, nil
}

// CachedReranker memoizes scores per (query, passage) for ttl.
type CachedReranker struct {
	next Reranker
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	score   float64
	expires time.Time
}

func NewCachedReranker(next Reranker, ttl time.Duration) *CachedReranker {
	return &CachedReranker{next: next, ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

func cacheKey(query, text string) string {
	sum := sha256.Sum256([]byte(query + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (c *CachedReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	out := make([]float64, len(texts))
	var missIdx []int
	var missTexts []string

	now := c.now()
	c.mu.Lock()
	for i, t := range texts {
		e, ok := c.entries[cacheKey(query, t)]
		if ok && now.Before(e.expires) {
			out[i] = e.score
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return out, nil
	}
	scores, err := c.next.Rerank(ctx, query, missTexts)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(missTexts) {
		return nil, fmt.Errorf("rerank: got %d scores for %d passages", len(scores), len(missTexts))
	}

	expires := c.now().Add(c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for j, i := range missIdx {
		out[i] = scores[j]
		c.entries[cacheKey(query, missTexts[j])] = cacheEntry{score: scores[j], expires: expires}
	}
	c.evictLocked(now)
	return out, nil
}

func (c *CachedReranker) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}
