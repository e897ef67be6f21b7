package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/models"
)

func result(chunkID, docID string, anchor models.Anchor, sim float64) models.SearchResult {
	return models.SearchResult{ChunkID: chunkID, DocumentID: docID, DocumentTitle: "Title " + docID, Anchor: anchor, Similarity: sim}
}

func TestExtractReferences_MergesAdjacentPages(t *testing.T) {
	refs := ExtractReferences([]models.SearchResult{
		result("c1", "d1", models.Anchor{PageStart: 5, PageEnd: 5}, 0.7),
		result("c2", "d1", models.Anchor{PageStart: 4, PageEnd: 4}, 0.9),
		result("c3", "d1", models.Anchor{PageStart: 9, PageEnd: 10}, 0.5),
	})
	require.Len(t, refs, 2)

	assert.Equal(t, 1, refs[0].Index)
	assert.Equal(t, "pages 4–5", refs[0].Label)
	assert.InDelta(t, 0.9, refs[0].Score, 1e-9)
	assert.ElementsMatch(t, []string{"c1", "c2"}, refs[0].ChunkIDs)

	assert.Equal(t, 2, refs[1].Index)
	assert.Equal(t, "pages 9–10", refs[1].Label)
}

func TestExtractReferences_MergesOverlappingRanges(t *testing.T) {
	refs := ExtractReferences([]models.SearchResult{
		result("c1", "d1", models.Anchor{PageStart: 2, PageEnd: 4}, 0.4),
		result("c2", "d1", models.Anchor{PageStart: 3, PageEnd: 6}, 0.6),
	})
	require.Len(t, refs, 1)
	assert.Equal(t, 2, refs[0].PageStart)
	assert.Equal(t, 6, refs[0].PageEnd)
	assert.Equal(t, "pages 2–6", refs[0].Label)
}

func TestExtractReferences_SectionsMergeWhenEqual(t *testing.T) {
	refs := ExtractReferences([]models.SearchResult{
		result("c1", "book", models.Anchor{Section: "Chapter 1"}, 0.3),
		result("c2", "book", models.Anchor{Section: "Chapter 2"}, 0.8),
		result("c3", "book", models.Anchor{Section: "Chapter 1"}, 0.5),
	})
	require.Len(t, refs, 2)
	assert.Equal(t, "Chapter 2", refs[0].Label)
	assert.Equal(t, "Chapter 1", refs[1].Label)
	assert.InDelta(t, 0.5, refs[1].Score, 1e-9)
	assert.Equal(t, []string{"c1", "c3"}, refs[1].ChunkIDs)
}

func TestExtractReferences_OrdersByScoreThenDocument(t *testing.T) {
	refs := ExtractReferences([]models.SearchResult{
		result("c1", "b", models.Anchor{PageStart: 1}, 0.5),
		result("c2", "a", models.Anchor{PageStart: 3}, 0.5),
		result("c3", "c", models.Anchor{PageStart: 1}, 0.9),
	})
	require.Len(t, refs, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{refs[0].DocumentID, refs[1].DocumentID, refs[2].DocumentID})
	for i, r := range refs {
		assert.Equal(t, i+1, r.Index)
	}
}

func TestExtractReferences_PrefersRerankScore(t *testing.T) {
	high := 3.0
	r := result("c1", "d1", models.Anchor{PageStart: 1}, 0.1)
	r.RerankScore = &high
	refs := ExtractReferences([]models.SearchResult{r})
	require.Len(t, refs, 1)
	assert.InDelta(t, 3.0, refs[0].Score, 1e-9)
}

func TestExtractReferences_Empty(t *testing.T) {
	assert.Empty(t, ExtractReferences(nil))
}

func TestReferenceFor(t *testing.T) {
	refs := ExtractReferences([]models.SearchResult{
		result("c1", "d1", models.Anchor{PageStart: 1}, 0.5),
	})
	ref, ok := ReferenceFor(refs, "c1")
	require.True(t, ok)
	assert.Equal(t, 1, ref.Index)
	_, ok = ReferenceFor(refs, "nope")
	assert.False(t, ok)
}
