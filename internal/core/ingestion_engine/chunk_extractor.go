package ingestion_engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta/internal/core/chunker"
	"github.com/markdave123-py/contexta/internal/models"
)

// chunkNamespace scopes chunk ids so reconverting identical text yields
// identical ids.
var chunkNamespace = uuid.MustParse("6f1c3c1e-9f4e-4d59-b0a6-1f6a3d2b7c10")

// chunkDocument splits normalized text and assigns stable chunk ids.
func (i *DocumentIngestor) chunkDocument(docID, text string, anchors models.AnchorTable) []models.Chunk {
	chunks := chunker.Chunk(text, anchors, i.cfg.TargetTokens, i.cfg.OverlapTokens)
	for k := range chunks {
		chunks[k].DocumentID = docID
		chunks[k].ID = chunkID(docID, chunks[k].Position, chunks[k].ContentHash)
	}
	return chunks
}

func chunkID(docID string, position int, hash string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d:%s", docID, position, hash))).String()
}
