package core

import (
	"context"
	"io"
	"time"

	"github.com/markdave123-py/contexta/internal/models"
)

// DbClient defines all persistence operations the pipeline needs.
// It abstracts Postgres so higher layers never depend on a specific DB.
type DbClient interface {
	DocumentStore
	ChunkStore
	ConversationStore
	Close() error
}

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// TransitionDocumentStatus moves a document to status `to` only when its
	// current status is one of `from`. It reports whether the row changed.
	TransitionDocumentStatus(ctx context.Context, id string, from []string, to string, reason string) (bool, error)
	// ReclaimStaleDocument takes over a document stuck in processing whose
	// last update is older than staleBefore, refreshing its update time.
	ReclaimStaleDocument(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	SaveConversionResult(ctx context.Context, id, contentHash string, anchors models.AnchorTable) error
	SetIndexCounts(ctx context.Context, id string, chunkCount, indexedCount int) error
}

type ChunkStore interface {
	// ReplaceDocumentChunks deletes every chunk of the document and inserts chunks in one transaction.
	ReplaceDocumentChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	DeleteDocumentChunks(ctx context.Context, documentID string) error
	GetChunksByDocument(ctx context.Context, documentID string) ([]models.Chunk, error)
	// GetChunksByIDs returns chunks with their document titles, in no particular order.
	GetChunksByIDs(ctx context.Context, ids []string) ([]ChunkWithTitle, error)
	// LinkChunkEmbeddings sets embedding_id for each chunk id key.
	LinkChunkEmbeddings(ctx context.Context, links map[string]string) error
	// RelinkEmbedding points every chunk linked to fromID at toID.
	RelinkEmbedding(ctx context.Context, fromID, toID string) error
	// FindChunksByHash returns chunks of the owner with the given hash outside excludeDocumentID.
	FindChunksByHash(ctx context.Context, ownerID, hash, excludeDocumentID string) ([]models.Chunk, error)
}

type ChunkWithTitle struct {
	models.Chunk
	DocumentTitle string `db:"document_title"`
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversationsByUser(ctx context.Context, userID string) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	// AppendMessage assigns the next sequence number and persists the message.
	AppendMessage(ctx context.Context, m *models.Message) error
	// ListMessages returns the last `limit` messages in sequence order; limit <= 0 returns all.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// SearchFilter narrows a vector search to a subset of the owner's documents.
type SearchFilter struct {
	OwnerID     string
	DocumentIDs []string
	Tag         string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// VectorHit is one nearest neighbour. ChunkID is a chunk linked to the
// record that satisfies the filter; EmbeddingID is the record itself.
type VectorHit struct {
	EmbeddingID string
	ChunkID     string
	DocumentID  string
	Similarity  float64
}

// VectorStore keeps one embedding record per (owner, content hash).
type VectorStore interface {
	// PutIfAbsent inserts rec unless the owner already has a record with the
	// same content hash. It returns the id of the record that holds the hash.
	PutIfAbsent(ctx context.Context, rec models.EmbeddingRecord) (canonicalID string, inserted bool, err error)
	FindByHash(ctx context.Context, ownerID, hash string) (string, bool, error)
	Search(ctx context.Context, query []float32, k int, filter SearchFilter) ([]VectorHit, error)
	// Rehome moves the record keyed by fromChunkID onto the surviving chunk.
	Rehome(ctx context.Context, fromChunkID string, to models.Chunk) error
	DeleteEmbedding(ctx context.Context, chunkID string) error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data io.Reader, contentType string) (url string, err error)
	GetRawFile(ctx context.Context, key string) ([]byte, error)
	DeleteFile(ctx context.Context, key string) error

	PutProcessedText(ctx context.Context, documentID, text string) error
	GetProcessedText(ctx context.Context, documentID string) (string, error)
	DeleteProcessedText(ctx context.Context, documentID string) error
}

// ConversionJob asks a worker to convert one document.
type ConversionJob struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Force      bool   `json:"force"`
}

// JobQueue delivers conversion jobs at least once. A job that is received
// but never acked is delivered again.
type JobQueue interface {
	Publish(ctx context.Context, job ConversionJob) error
	Receive(ctx context.Context) (ConversionJob, error)
	Ack(ctx context.Context, job ConversionJob) error
}

// DocumentEvent is emitted on every document status change.
type DocumentEvent struct {
	DocumentID string    `json:"document_id"`
	OwnerID    string    `json:"owner_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Indexed    int       `json:"indexed,omitempty"`
	At         time.Time `json:"at"`
}

type StatusNotifier interface {
	Notify(ev DocumentEvent)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(DocumentEvent) {}
