package contextwindow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/core/retrieval"
	"github.com/markdave123-py/contexta/internal/core/tokens"
	"github.com/markdave123-py/contexta/internal/models"
)

func sample() []models.SearchResult {
	return []models.SearchResult{
		{ChunkID: "c1", DocumentID: "d2", DocumentTitle: "Guide", Text: strings.Repeat("alpha ", 20), Anchor: models.Anchor{PageStart: 9}, Similarity: 0.9},
		{ChunkID: "c2", DocumentID: "d1", DocumentTitle: "Manual", Text: strings.Repeat("beta ", 20), Anchor: models.Anchor{PageStart: 4}, Similarity: 0.8},
		{ChunkID: "c3", DocumentID: "d1", DocumentTitle: "Manual", Text: strings.Repeat("gamma ", 20), Anchor: models.Anchor{PageStart: 5}, Similarity: 0.7},
	}
}

func TestBuild_FitsEverythingUnderLargeBudget(t *testing.T) {
	results := sample()
	w := Build(results, retrieval.ExtractReferences(results), 10_000)

	require.Len(t, w.Passages, 3)
	assert.False(t, w.NoContext)
	assert.Equal(t, tokens.Estimate(w.Text), w.Tokens)
	assert.True(t, strings.HasPrefix(w.Text, "[1] Guide (page 9)\n"))
	assert.Contains(t, w.Text, "[2] Manual (pages 4–5)\n")

	// c2 and c3 share one merged reference and therefore one citation.
	assert.Equal(t, 2, w.Passages[1].Citation)
	assert.Equal(t, 2, w.Passages[2].Citation)
	require.Len(t, w.UsedReferences, 2)
	assert.Equal(t, 1, w.UsedReferences[0].Index)
	assert.Equal(t, "d2", w.UsedReferences[0].DocumentID)
	assert.Equal(t, 2, w.UsedReferences[1].Index)
}

func TestBuild_NeverExceedsBudget(t *testing.T) {
	results := sample()
	refs := retrieval.ExtractReferences(results)
	for budget := 1; budget <= 200; budget += 7 {
		w := Build(results, refs, budget)
		assert.LessOrEqual(t, w.Tokens, budget, "budget %d", budget)
		for _, p := range w.Passages {
			assert.Contains(t, w.Text, p.Result.Text, "passages are never truncated")
		}
	}
}

func TestBuild_StopsBeforeOverflow(t *testing.T) {
	results := sample()
	refs := retrieval.ExtractReferences(results)
	one := Build(results[:1], refs, 10_000)

	w := Build(results, refs, one.Tokens+5)
	require.Len(t, w.Passages, 1)
	assert.Equal(t, one.Text, w.Text)
	require.Len(t, w.UsedReferences, 1)
}

func TestBuild_ZeroBudget(t *testing.T) {
	results := sample()
	w := Build(results, retrieval.ExtractReferences(results), 0)
	assert.True(t, w.NoContext)
	assert.Empty(t, w.Text)
	assert.Empty(t, w.Passages)
	assert.Empty(t, w.UsedReferences)
}

func TestBuild_NoResults(t *testing.T) {
	w := Build(nil, nil, 500)
	assert.True(t, w.NoContext)
	assert.Equal(t, 0, w.Tokens)
}

func TestHeader(t *testing.T) {
	assert.Equal(t, "[3] Notes", Header(3, models.Reference{DocumentTitle: "Notes"}))
	assert.Equal(t, "[1] d9 (Intro)", Header(1, models.Reference{DocumentID: "d9", Label: "Intro"}))
}
