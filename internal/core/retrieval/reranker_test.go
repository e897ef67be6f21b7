package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rerankServer(t *testing.T, calls *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/rerank", r.URL.Path)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		var req rerankRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// Reply in reverse order; score is passage length.
		out := make([]rerankScore, 0, len(req.Texts))
		for i := len(req.Texts) - 1; i >= 0; i-- {
			out = append(out, rerankScore{Index: i, Score: float64(len(req.Texts[i]))})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPReranker_ScoresInInputOrder(t *testing.T) {
	var calls atomic.Int32
	srv := rerankServer(t, &calls, http.StatusOK)

	scores, err := NewHTTPReranker(srv.URL, time.Second).Rerank(context.Background(), "q", []string{"a", "bbb", "cc"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3, 2}, scores)
}

func TestHTTPReranker_ErrorAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := rerankServer(t, &calls, http.StatusServiceUnavailable)

	_, err := NewHTTPReranker(srv.URL, time.Second).Rerank(context.Background(), "q", []string{"a"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCachedReranker_ReusesScoresUntilExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := rerankServer(t, &calls, http.StatusOK)

	now := time.Now()
	c := NewCachedReranker(NewHTTPReranker(srv.URL, time.Second), time.Minute)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := c.Rerank(ctx, "q", []string{"a", "bb"})
	require.NoError(t, err)
	scores, err := c.Rerank(ctx, "q", []string{"bb", "a"})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1}, scores)
	assert.Equal(t, int32(1), calls.Load())

	// A different query is a different key.
	_, err = c.Rerank(ctx, "other", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = c.Rerank(ctx, "q", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
