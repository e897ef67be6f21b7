package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"
)

// maxCountWait bounds a remote token count; past it the estimate is used.
const maxCountWait = 5 * time.Second

type countCacheKey struct{}

type countCache struct {
	mu     sync.Mutex
	counts map[[sha256.Size]byte]int
}

// WithCountCache returns a context under which CountTokens remembers counts,
// so an identical prompt is counted once per provider. Chat turns attach one.
func WithCountCache(ctx context.Context) context.Context {
	if _, ok := ctx.Value(countCacheKey{}).(*countCache); ok {
		return ctx
	}
	return context.WithValue(ctx, countCacheKey{}, &countCache{counts: make(map[[sha256.Size]byte]int)})
}

// CountTokens counts p with provider, consulting the context's count cache
// when there is one.
func CountTokens(ctx context.Context, provider Provider, p Prompt) (int, error) {
	c, ok := ctx.Value(countCacheKey{}).(*countCache)
	if !ok {
		return provider.CountTokens(ctx, p)
	}
	key := promptKey(provider.Name(), p)
	c.mu.Lock()
	n, hit := c.counts[key]
	c.mu.Unlock()
	if hit {
		return n, nil
	}
	n, err := provider.CountTokens(ctx, p)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.counts[key] = n
	c.mu.Unlock()
	return n, nil
}

func promptKey(provider string, p Prompt) [sha256.Size]byte {
	h := sha256.New()
	field := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	field(provider)
	field(p.System)
	field(p.Context)
	for _, m := range p.History {
		field(m.Role)
		field(m.Content)
	}
	field("\x00user")
	field(p.User)
	var key [sha256.Size]byte
	copy(key[:], h.Sum(nil))
	return key
}

// countWithin runs a remote count under a deadline of at most d and falls
// back to the estimate when it fails or runs out of time.
func countWithin(ctx context.Context, provider string, d time.Duration, p Prompt, count func(context.Context) (int, error)) int {
	if d <= 0 || d > maxCountWait {
		d = maxCountWait
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := count(cctx)
		done <- result{n, err}
	}()
	select {
	case r := <-done:
		if r.err == nil {
			return r.n
		}
		slog.Warn("count tokens failed, estimating", "provider", provider, "err", r.err)
	case <-cctx.Done():
		slog.Warn("count tokens timed out, estimating", "provider", provider, "after", d)
	}
	return EstimatePromptTokens(p)
}
