package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/retrieval"
	"github.com/markdave123-py/contexta/internal/models"
)

// Searcher runs a ranked search for one owner.
type Searcher interface {
	Search(ctx context.Context, query, ownerID string, f retrieval.Filters, k int) ([]models.SearchResult, error)
}

type SearchHandler struct {
	searcher Searcher
	maxK     int
}

func NewSearchHandler(searcher Searcher, maxK int) *SearchHandler {
	if maxK <= 0 {
		maxK = 50
	}
	return &SearchHandler{searcher: searcher, maxK: maxK}
}

type SearchRequest struct {
	Query   string            `json:"query"`
	Filters retrieval.Filters `json:"filters"`
	K       int               `json:"k"`
}

// SearchResponse carries ranked results and their merged citations. When the
// vector store is unavailable the response is empty with Degraded set, so a
// client can tell "try again" from "nothing matched".
type SearchResponse struct {
	Results    []models.SearchResult `json:"results"`
	References []models.Reference    `json:"references"`
	Degraded   bool                  `json:"degraded,omitempty"`
	ErrorKind  string                `json:"error_kind,omitempty"`
}

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, fmt.Errorf("%w: query is required", core.ErrInvalidInput))
		return
	}
	if req.K < 0 || req.K > h.maxK {
		writeError(w, fmt.Errorf("%w: k must be between 0 and %d", core.ErrInvalidInput, h.maxK))
		return
	}

	results, err := h.searcher.Search(r.Context(), req.Query, ownerID, req.Filters, req.K)
	var re *core.RetrievalError
	switch {
	case errors.As(err, &re):
		writeJSON(w, http.StatusOK, SearchResponse{
			Results:    []models.SearchResult{},
			References: []models.Reference{},
			Degraded:   true,
			ErrorKind:  core.KindOf(err),
		})
		return
	case err != nil:
		writeError(w, err)
		return
	}

	refs := retrieval.ExtractReferences(results)
	for i := range results {
		if ref, ok := retrieval.ReferenceFor(refs, results[i].ChunkID); ok {
			results[i].ReferenceIndex = ref.Index
		}
	}
	if refs == nil {
		refs = []models.Reference{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results, References: refs})
}
