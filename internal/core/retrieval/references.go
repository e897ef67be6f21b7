package retrieval

import (
	"sort"

	"github.com/markdave123-py/contexta/internal/models"
)

// ExtractReferences groups results into citations. Within a document,
// overlapping or adjacent page ranges merge into one reference, and chunks
// with only a section anchor merge when the section matches. References are
// ordered by best score, then document id, then first page, and numbered
// from 1 in that order.
func ExtractReferences(results []models.SearchResult) []models.Reference {
	if len(results) == 0 {
		return []models.Reference{}
	}

	var docOrder []string
	byDoc := make(map[string][]models.SearchResult)
	for _, r := range results {
		if _, ok := byDoc[r.DocumentID]; !ok {
			docOrder = append(docOrder, r.DocumentID)
		}
		byDoc[r.DocumentID] = append(byDoc[r.DocumentID], r)
	}

	var refs []models.Reference
	for _, docID := range docOrder {
		refs = append(refs, documentReferences(byDoc[docID])...)
	}

	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		if a.PageStart != b.PageStart {
			return a.PageStart < b.PageStart
		}
		return a.Label < b.Label
	})
	for i := range refs {
		refs[i].Index = i + 1
	}
	return refs
}

func documentReferences(rs []models.SearchResult) []models.Reference {
	var paged []models.SearchResult
	var sections []string
	bySection := make(map[string]*models.Reference)

	for _, r := range rs {
		if r.Anchor.HasPages() {
			paged = append(paged, r)
			continue
		}
		ref, ok := bySection[r.Anchor.Section]
		if !ok {
			ref = newReference(r)
			if r.Anchor.Section != "" {
				ref.Sections = []string{r.Anchor.Section}
			}
			bySection[r.Anchor.Section] = ref
			sections = append(sections, r.Anchor.Section)
			continue
		}
		absorb(ref, r)
	}

	sort.SliceStable(paged, func(i, j int) bool {
		return paged[i].Anchor.PageStart < paged[j].Anchor.PageStart
	})

	var out []models.Reference
	var cur *models.Reference
	for _, r := range paged {
		start, end := pageSpan(r.Anchor)
		if cur != nil && start <= cur.PageEnd+1 {
			cur.PageEnd = max(cur.PageEnd, end)
			absorb(cur, r)
			addSection(cur, r.Anchor.Section)
			continue
		}
		if cur != nil {
			out = append(out, finalize(*cur))
		}
		cur = newReference(r)
		cur.PageStart, cur.PageEnd = start, end
		addSection(cur, r.Anchor.Section)
	}
	if cur != nil {
		out = append(out, finalize(*cur))
	}

	for _, s := range sections {
		out = append(out, finalize(*bySection[s]))
	}
	return out
}

func pageSpan(a models.Anchor) (int, int) {
	return a.PageStart, max(a.PageStart, a.PageEnd)
}

func newReference(r models.SearchResult) *models.Reference {
	return &models.Reference{
		DocumentID:    r.DocumentID,
		DocumentTitle: r.DocumentTitle,
		Score:         r.Score(),
		ChunkIDs:      []string{r.ChunkID},
	}
}

func absorb(ref *models.Reference, r models.SearchResult) {
	ref.Score = max(ref.Score, r.Score())
	ref.ChunkIDs = append(ref.ChunkIDs, r.ChunkID)
}

func addSection(ref *models.Reference, section string) {
	if section == "" {
		return
	}
	for _, s := range ref.Sections {
		if s == section {
			return
		}
	}
	ref.Sections = append(ref.Sections, section)
}

func finalize(ref models.Reference) models.Reference {
	section := ""
	if len(ref.Sections) > 0 {
		section = ref.Sections[0]
	}
	ref.Label = models.PageLabel(ref.PageStart, ref.PageEnd, section)
	return ref
}

// ReferenceFor returns the reference citing chunkID.
func ReferenceFor(refs []models.Reference, chunkID string) (models.Reference, bool) {
	for _, ref := range refs {
		for _, id := range ref.ChunkIDs {
			if id == chunkID {
				return ref, true
			}
		}
	}
	return models.Reference{}, false
}
