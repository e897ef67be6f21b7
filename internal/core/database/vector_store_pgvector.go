package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

var (
	_ core.DbClient    = (*DatabaseClient)(nil)
	_ core.VectorStore = (*DatabaseClient)(nil)
)

// PutIfAbsent relies on the (owner_id, content_hash) unique constraint so
// concurrent writers of the same hash converge on one record.
func (c *DatabaseClient) PutIfAbsent(ctx context.Context, rec models.EmbeddingRecord) (string, bool, error) {
	const q = `
		INSERT INTO embeddings (chunk_id, document_id, owner_id, content_hash, anchor, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, content_hash) DO NOTHING
		RETURNING chunk_id
	`
	var id string
	err := c.db.QueryRowxContext(ctx, q,
		rec.ChunkID, rec.DocumentID, rec.OwnerID, rec.ContentHash, rec.Anchor, pgvector.NewVector(rec.Vector),
	).Scan(&id)
	switch {
	case err == nil:
		return id, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, ok, ferr := c.FindByHash(ctx, rec.OwnerID, rec.ContentHash)
		if ferr != nil {
			return "", false, ferr
		}
		if !ok {
			return "", false, fmt.Errorf("embedding for hash %s vanished after conflict", rec.ContentHash)
		}
		return existing, false, nil
	default:
		return "", false, fmt.Errorf("insert embedding: %w", err)
	}
}

func (c *DatabaseClient) FindByHash(ctx context.Context, ownerID, hash string) (string, bool, error) {
	var id string
	err := c.db.GetContext(ctx, &id,
		`SELECT chunk_id FROM embeddings WHERE owner_id = $1 AND content_hash = $2`, ownerID, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Search ranks the owner's records by cosine distance and resolves each to a
// linked chunk whose document passes the filter, preferring the record's own chunk.
func (c *DatabaseClient) Search(ctx context.Context, query []float32, k int, filter core.SearchFilter) ([]core.VectorHit, error) {
	if k <= 0 {
		return nil, nil
	}
	docIDs := filter.DocumentIDs
	if docIDs == nil {
		docIDs = []string{}
	}
	const q = `
		SELECT e.chunk_id AS embedding_id, hit.id AS chunk_id, hit.document_id,
		       1 - (e.embedding <=> $1) AS similarity
		FROM embeddings e
		JOIN LATERAL (
			SELECT c.id, c.document_id
			FROM chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE c.embedding_id = e.chunk_id
			  AND d.user_id = $2
			  AND (cardinality($3::text[]) = 0 OR d.id = ANY($3::text[]))
			  AND ($4 = '' OR d.tags @> jsonb_build_array($4::text))
			  AND ($5::timestamptz IS NULL OR d.created_at >= $5)
			  AND ($6::timestamptz IS NULL OR d.created_at <= $6)
			ORDER BY (c.id = e.chunk_id) DESC, c.id
			LIMIT 1
		) hit ON true
		WHERE e.owner_id = $2
		ORDER BY e.embedding <=> $1, e.chunk_id
		LIMIT $7
	`
	rows, err := c.db.QueryxContext(ctx, q,
		pgvector.NewVector(query), filter.OwnerID, docIDs, filter.Tag, filter.CreatedFrom, filter.CreatedTo, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.VectorHit
	for rows.Next() {
		var h core.VectorHit
		if err := rows.Scan(&h.EmbeddingID, &h.ChunkID, &h.DocumentID, &h.Similarity); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) Rehome(ctx context.Context, fromChunkID string, to models.Chunk) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE embeddings SET chunk_id = $2, document_id = $3, anchor = $4
		WHERE chunk_id = $1
	`, fromChunkID, to.ID, to.DocumentID, to.Anchor)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("embedding %s: %w", fromChunkID, core.ErrNotFound)
	}
	return nil
}

func (c *DatabaseClient) DeleteEmbedding(ctx context.Context, chunkID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM embeddings WHERE chunk_id = $1`, chunkID)
	return err
}
