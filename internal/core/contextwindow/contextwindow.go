// Package contextwindow packs retrieved passages into a token budget.
package contextwindow

import (
	"fmt"
	"strings"

	"github.com/markdave123-py/contexta/internal/core/retrieval"
	"github.com/markdave123-py/contexta/internal/core/tokens"
	"github.com/markdave123-py/contexta/internal/models"
)

const passageSeparator = "\n\n"

// Passage is one result placed in the window under its citation number.
type Passage struct {
	Citation int                 `json:"citation"`
	Result   models.SearchResult `json:"result"`
}

// Window is the rendered context. UsedReferences carries only the cited
// references, renumbered 1..n by first use.
type Window struct {
	Text           string             `json:"text"`
	Passages       []Passage          `json:"passages"`
	UsedReferences []models.Reference `json:"used_references"`
	Tokens         int                `json:"tokens"`
	NoContext      bool               `json:"no_context"`
}

// Build adds passages in rank order until the next one would push the
// rendered text over tokenBudget. Passages are never truncated.
func Build(results []models.SearchResult, refs []models.Reference, tokenBudget int) Window {
	w := Window{Passages: []Passage{}, UsedReferences: []models.Reference{}}
	if tokenBudget <= 0 {
		w.NoContext = true
		return w
	}

	citations := make(map[string]int) // reference key -> citation number
	var b strings.Builder
	for _, r := range results {
		ref, ok := retrieval.ReferenceFor(refs, r.ChunkID)
		if !ok {
			ref = models.Reference{
				DocumentID:    r.DocumentID,
				DocumentTitle: r.DocumentTitle,
				PageStart:     r.Anchor.PageStart,
				PageEnd:       r.Anchor.PageEnd,
				Label:         r.Anchor.Label(),
				Score:         r.Score(),
				ChunkIDs:      []string{r.ChunkID},
			}
		}
		key := referenceKey(ref)
		n, cited := citations[key]
		if !cited {
			n = len(citations) + 1
		}

		block := Header(n, ref) + "\n" + r.Text
		candidate := block
		if b.Len() > 0 {
			candidate = b.String() + passageSeparator + block
		}
		if tokens.Estimate(candidate) > tokenBudget {
			break
		}

		b.Reset()
		b.WriteString(candidate)
		if !cited {
			citations[key] = n
			ref.Index = n
			w.UsedReferences = append(w.UsedReferences, ref)
		}
		r.ReferenceIndex = n
		w.Passages = append(w.Passages, Passage{Citation: n, Result: r})
	}

	w.Text = b.String()
	w.Tokens = tokens.Estimate(w.Text)
	w.NoContext = len(w.Passages) == 0
	return w
}

// Header renders the inline citation that prefixes a passage, for example
// "[2] Manual (pages 4–5)".
func Header(n int, ref models.Reference) string {
	title := ref.DocumentTitle
	if title == "" {
		title = ref.DocumentID
	}
	if ref.Label == "" {
		return fmt.Sprintf("[%d] %s", n, title)
	}
	return fmt.Sprintf("[%d] %s (%s)", n, title, ref.Label)
}

func referenceKey(ref models.Reference) string {
	if ref.Index > 0 {
		return fmt.Sprintf("#%d", ref.Index)
	}
	return fmt.Sprintf("%s|%d|%d|%s", ref.DocumentID, ref.PageStart, ref.PageEnd, ref.Label)
}
