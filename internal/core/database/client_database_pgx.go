package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/markdave123-py/contexta/internal/config"
	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

type DatabaseClient struct {
	db *sqlx.DB
}

// NewDatabaseClient opens the pool, pings it and bootstraps the schema.
func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn, err := buildDSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, cfg.EmbedDim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// buildDSN appends verify-ca SSL params when a root certificate is configured.
func buildDSN(databaseURL, sslCertPath string) (string, error) {
	if sslCertPath == "" {
		return databaseURL, nil
	}
	if _, err := os.Stat(sslCertPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", sslCertPath, err)
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", sslCertPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *DatabaseClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, core.ErrNotFound)
	}
	return err
}

// Documents

const documentColumns = `id, user_id, title, file_name, storage_url, content_type, source_format, status,
	failure_reason, content_hash, anchors, tags, chunk_count, indexed_count, created_at, updated_at`

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return fmt.Errorf("nil document: %w", core.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}
	const q = `
		INSERT INTO documents
			(id, user_id, title, file_name, storage_url, content_type, source_format, status, tags, created_at, updated_at)
		VALUES
			(:id, :user_id, :title, :file_name, :storage_url, :content_type, :source_format, :status, :tags, :created_at, :updated_at)
	`
	_, err := c.db.NamedExecContext(ctx, q, doc)
	return err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	var d models.Document
	err := c.db.GetContext(ctx, &d, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "document", id)
	}
	return &d, nil
}

func (c *DatabaseClient) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	var out []models.Document
	err := c.db.SelectContext(ctx, &out,
		`SELECT `+documentColumns+` FROM documents WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	return out, err
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (c *DatabaseClient) TransitionDocumentStatus(ctx context.Context, id string, from []string, to string, reason string) (bool, error) {
	const q = `
		UPDATE documents
		SET status = $3, failure_reason = $4, updated_at = now()
		WHERE id = $1 AND status = ANY($2::text[])
	`
	res, err := c.db.ExecContext(ctx, q, id, from, to, reason)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := c.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return false, nil
}

func (c *DatabaseClient) ReclaimStaleDocument(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	const q = `
		UPDATE documents
		SET failure_reason = '', updated_at = now()
		WHERE id = $1 AND status = 'processing' AND updated_at < $2
	`
	res, err := c.db.ExecContext(ctx, q, id, staleBefore)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (c *DatabaseClient) SaveConversionResult(ctx context.Context, id, contentHash string, anchors models.AnchorTable) error {
	const q = `
		UPDATE documents
		SET content_hash = $2, anchors = $3, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, contentHash, anchors)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (c *DatabaseClient) SetIndexCounts(ctx context.Context, id string, chunkCount, indexedCount int) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE documents SET chunk_count = $2, indexed_count = $3, updated_at = now() WHERE id = $1`,
		id, chunkCount, indexedCount)
	return err
}

// Chunks

const chunkColumns = `c.id, c.document_id, c.position, c.text, c.token_count, c.anchor, c.content_hash, c.embedding_id, c.created_at`

// ReplaceDocumentChunks swaps the document's chunks in a single transaction.
func (c *DatabaseClient) ReplaceDocumentChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	const q = `
		INSERT INTO chunks
			(id, document_id, position, text, token_count, anchor, content_hash, embedding_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
	`
	stmt, err := tx.PreparexContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		var createdAt *time.Time
		if !ch.CreatedAt.IsZero() {
			createdAt = &ch.CreatedAt
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ID, documentID, ch.Position, ch.Text, ch.TokenCount, ch.Anchor, ch.ContentHash, ch.EmbeddingID, createdAt,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", ch.Position, err)
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) DeleteDocumentChunks(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	return err
}

func (c *DatabaseClient) GetChunksByDocument(ctx context.Context, documentID string) ([]models.Chunk, error) {
	var out []models.Chunk
	err := c.db.SelectContext(ctx, &out,
		`SELECT `+chunkColumns+` FROM chunks c WHERE c.document_id = $1 ORDER BY c.position ASC`, documentID)
	return out, err
}

func (c *DatabaseClient) GetChunksByIDs(ctx context.Context, ids []string) ([]core.ChunkWithTitle, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []core.ChunkWithTitle
	err := c.db.SelectContext(ctx, &out, `
		SELECT `+chunkColumns+`, d.title AS document_title
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.id = ANY($1::text[])
	`, ids)
	return out, err
}

func (c *DatabaseClient) LinkChunkEmbeddings(ctx context.Context, links map[string]string) error {
	if len(links) == 0 {
		return nil
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `UPDATE chunks SET embedding_id = $2 WHERE id = $1`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for chunkID, embeddingID := range links {
		if _, err := stmt.ExecContext(ctx, chunkID, embeddingID); err != nil {
			return fmt.Errorf("link chunk %s: %w", chunkID, err)
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) RelinkEmbedding(ctx context.Context, fromID, toID string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE chunks SET embedding_id = $2 WHERE embedding_id = $1`, fromID, toID)
	return err
}

func (c *DatabaseClient) FindChunksByHash(ctx context.Context, ownerID, hash, excludeDocumentID string) ([]models.Chunk, error) {
	var out []models.Chunk
	err := c.db.SelectContext(ctx, &out, `
		SELECT `+chunkColumns+`
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.user_id = $1 AND c.content_hash = $2 AND c.document_id <> $3
		ORDER BY c.id
	`, ownerID, hash, excludeDocumentID)
	return out, err
}

// Conversations

const conversationColumns = `id, user_id, title, provider, created_at, updated_at`

func (c *DatabaseClient) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return fmt.Errorf("nil conversation: %w", core.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	const q = `
		INSERT INTO conversations (id, user_id, title, provider, created_at, updated_at)
		VALUES (:id, :user_id, :title, :provider, :created_at, :updated_at)
	`
	_, err := c.db.NamedExecContext(ctx, q, conv)
	return err
}

func (c *DatabaseClient) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := c.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "conversation", id)
	}
	return &conv, nil
}

func (c *DatabaseClient) ListConversationsByUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	var out []models.Conversation
	err := c.db.SelectContext(ctx, &out,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC, id`, userID)
	return out, err
}

func (c *DatabaseClient) DeleteConversation(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// AppendMessage assigns seq as max(seq)+1 inside the insert; the unique
// (conversation_id, seq) constraint rejects a concurrent duplicate.
func (c *DatabaseClient) AppendMessage(ctx context.Context, m *models.Message) error {
	if m == nil {
		return fmt.Errorf("nil message: %w", core.ErrInvalidInput)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, m.ConversationID, m.CreatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", m.ConversationID, core.ErrNotFound)
	}

	const q = `
		INSERT INTO messages
			(id, conversation_id, seq, role, content, token_count, refs, provider, error_kind, created_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6, $7, $8, $9
		FROM messages WHERE conversation_id = $2
		RETURNING seq
	`
	if err := tx.QueryRowxContext(ctx, q,
		m.ID, m.ConversationID, m.Role, m.Content, m.TokenCount, m.References, m.Provider, m.ErrorKind, m.CreatedAt,
	).Scan(&m.Seq); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

func (c *DatabaseClient) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	const cols = `id, conversation_id, seq, role, content, token_count, refs, provider, error_kind, created_at`
	var out []models.Message
	if limit <= 0 {
		err := c.db.SelectContext(ctx, &out,
			`SELECT `+cols+` FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`, conversationID)
		return out, err
	}
	err := c.db.SelectContext(ctx, &out, `
		SELECT `+cols+` FROM (
			SELECT `+cols+` FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC
	`, conversationID, limit)
	if err != nil {
		slog.Error("list messages failed", "conversation_id", conversationID, "err", err)
	}
	return out, err
}
