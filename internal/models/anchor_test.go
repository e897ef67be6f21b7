package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageLabel(t *testing.T) {
	tests := []struct {
		name    string
		start   int
		end     int
		section string
		want    string
	}{
		{"single page", 4, 4, "", "page 4"},
		{"range", 4, 6, "", "pages 4–6"},
		{"section only", 0, 0, "Chapter 2", "Chapter 2"},
		{"pages win over section", 3, 3, "Intro", "page 3"},
		{"empty", 0, 0, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PageLabel(tt.start, tt.end, tt.section))
		})
	}
}

func TestAnchorTableScan(t *testing.T) {
	var table AnchorTable
	require.NoError(t, table.Scan([]byte(`[{"offset":0,"page_start":1,"page_end":1},{"offset":42,"page_start":2,"page_end":2}]`)))
	require.Len(t, table, 2)
	assert.Equal(t, 42, table[1].Offset)
	assert.Equal(t, 2, table[1].PageStart)

	var empty AnchorTable
	require.NoError(t, empty.Scan(nil))
	assert.Nil(t, empty)

	assert.Error(t, empty.Scan(12))
}

func TestSearchResultScore(t *testing.T) {
	r := SearchResult{Similarity: 0.4}
	assert.Equal(t, 0.4, r.Score())

	s := 2.5
	r.RerankScore = &s
	assert.Equal(t, 2.5, r.Score())
}
