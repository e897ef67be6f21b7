package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/core/tokens"
	"github.com/markdave123-py/contexta/internal/models"
)

// paras builds n paragraphs of 40 identical runes each ('a', 'b', ...), i.e. 10 tokens apiece.
func paras(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strings.Repeat(string(rune('a'+i)), 40)
	}
	return out
}

func TestChunkDeterministic(t *testing.T) {
	text := strings.Join(paras(12), "\n\n")
	first := Chunk(text, nil, 25, 10)
	second := Chunk(text, nil, 25, 10)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestChunkRespectsBudgetAndOffsets(t *testing.T) {
	text := strings.Join(paras(9), "\n\n") + "\n\nA short closing line. Another one! And a question?"
	chunks := Chunk(text, nil, 25, 10)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.Position)
		assert.LessOrEqual(t, c.TokenCount, 25)
		assert.Equal(t, c.Text, text[c.Anchor.Offset:c.Anchor.Offset+len(c.Text)], "chunk %d is not a slice of the source", i)
		assert.Equal(t, Hash(c.Text), c.ContentHash)
	}
	for _, p := range paras(9) {
		found := false
		for _, c := range chunks {
			if strings.Contains(c.Text, p) {
				found = true
				break
			}
		}
		assert.True(t, found, "paragraph %q not covered", p[:1])
	}
}

func TestChunkOverlap(t *testing.T) {
	p := paras(4)
	text := strings.Join(p, "\n\n")

	t.Run("with overlap", func(t *testing.T) {
		chunks := Chunk(text, nil, 25, 10)
		require.Len(t, chunks, 3)
		assert.Equal(t, p[0]+"\n\n"+p[1], chunks[0].Text)
		assert.Equal(t, p[1]+"\n\n"+p[2], chunks[1].Text)
		assert.Equal(t, p[2]+"\n\n"+p[3], chunks[2].Text)
	})

	t.Run("without overlap", func(t *testing.T) {
		chunks := Chunk(text, nil, 25, 0)
		require.Len(t, chunks, 2)
		assert.Equal(t, p[0]+"\n\n"+p[1], chunks[0].Text)
		assert.Equal(t, p[2]+"\n\n"+p[3], chunks[1].Text)
	})

	t.Run("overlap larger than budget still advances", func(t *testing.T) {
		chunks := Chunk(text, nil, 25, 100)
		require.Len(t, chunks, 3)
		assert.True(t, strings.HasSuffix(chunks[2].Text, p[3]))
	})
}

// tideParagraph is six sentences, about 45 tokens.
func tideParagraph(n int) string {
	lines := make([]string, 6)
	for i := range lines {
		lines[i] = fmt.Sprintf("Para %d line %d notes the tide.", n, i)
	}
	return strings.Join(lines, " ")
}

func TestChunkOverlapInsideLargeParagraphs(t *testing.T) {
	p := make([]string, 6)
	for i := range p {
		p[i] = tideParagraph(i)
	}
	text := strings.Join(p, "\n\n")

	chunks := Chunk(text, nil, 256, 32)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "Para 4 line 2 "), "overlap should start on a sentence: %q", chunks[1].Text[:20])

	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		prevEnd := prev.Anchor.Offset + len(prev.Text)
		require.Less(t, cur.Anchor.Offset, prevEnd, "chunk %d does not overlap its predecessor", i)
		shared := text[cur.Anchor.Offset:prevEnd]
		assert.True(t, strings.HasSuffix(prev.Text, shared))
		assert.True(t, strings.HasPrefix(cur.Text, shared))
		assert.LessOrEqual(t, tokens.Estimate(shared), 32)
		assert.LessOrEqual(t, cur.TokenCount, 256)
		assert.Equal(t, cur.Text, text[cur.Anchor.Offset:cur.Anchor.Offset+len(cur.Text)])
	}
	assert.Equal(t, chunks, Chunk(text, nil, 256, 32))
}

func TestChunkOverlapFallsBackToWords(t *testing.T) {
	// One long sentence per paragraph, so only word starts can seed the overlap.
	para := func(c string) string { return strings.TrimSpace(strings.Repeat(c+" ", 30)) }
	text := para("alpha") + "\n\n" + para("omega")

	chunks := Chunk(text, nil, 50, 5)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "alpha "), chunks[1].Text)
	shared := text[chunks[1].Anchor.Offset : chunks[0].Anchor.Offset+len(chunks[0].Text)]
	assert.NotEmpty(t, shared)
	assert.LessOrEqual(t, tokens.Estimate(shared), 5)
	assert.LessOrEqual(t, chunks[1].TokenCount, 50)
}

func TestChunkSplitsLongParagraphIntoSentences(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("Sentence number seven is here. ")
	}
	chunks := Chunk(strings.TrimSpace(b.String()), nil, 20, 0)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, c.TokenCount, 20)
		assert.True(t, strings.HasSuffix(c.Text, "."), "chunk %q should end on a sentence boundary", c.Text)
	}
}

func TestChunkHardSplitsUnbrokenText(t *testing.T) {
	text := strings.Repeat("z", 1000)
	chunks := Chunk(text, nil, 50, 0)
	require.Len(t, chunks, 5)
	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, c.TokenCount, 50)
		total += len(c.Text)
	}
	assert.Equal(t, 1000, total)
}

func TestChunkEmptyInput(t *testing.T) {
	assert.Nil(t, Chunk("", nil, 10, 2))
	assert.Nil(t, Chunk(" \n\n \t", nil, 10, 2))
}

func TestChunkPageAnchors(t *testing.T) {
	p := paras(3)
	text := strings.Join(p, "\n\n")
	anchors := models.AnchorTable{
		{Offset: 0, PageStart: 1, PageEnd: 1},
		{Offset: 42, PageStart: 2, PageEnd: 2},
		{Offset: 84, PageStart: 3, PageEnd: 3},
	}
	chunks := Chunk(text, anchors, 25, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].Anchor.PageStart)
	assert.Equal(t, 2, chunks[0].Anchor.PageEnd)
	assert.Equal(t, 3, chunks[1].Anchor.PageStart)
	assert.Equal(t, 3, chunks[1].Anchor.PageEnd)
}

func TestChunkSectionAnchors(t *testing.T) {
	text := "## Intro\n\n" + strings.Repeat("i", 60) + "\n\n## Method\n\n" + strings.Repeat("m", 60)
	methodAt := strings.Index(text, "## Method")
	anchors := models.AnchorTable{
		{Offset: 0, Section: "Intro"},
		{Offset: methodAt, Section: "Method"},
	}
	chunks := Chunk(text, anchors, 20, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Intro", chunks[0].Anchor.Section)
	assert.Equal(t, "Method", chunks[1].Anchor.Section)
	assert.False(t, chunks[0].Anchor.HasPages())
}

func TestHashStable(t *testing.T) {
	assert.Equal(t, Hash("same text"), Hash("same text"))
	assert.NotEqual(t, Hash("same text"), Hash("other text"))
	assert.Len(t, Hash(""), 64)
}
