package models

import (
	"time"
)

// Document status values.
const (
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusError      = "error"
)

// Supported source formats.
const (
	FormatPDF  = "pdf"
	FormatEPUB = "epub"
	FormatTXT  = "txt"
	FormatMD   = "md"
	FormatDOCX = "docx"
	FormatHTML = "html"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Document represents a user-uploaded document and its conversion state.
type Document struct {
	ID            string      `db:"id" json:"id"`
	UserID        string      `db:"user_id" json:"user_id"`
	Title         string      `db:"title" json:"title"`
	FileName      string      `db:"file_name" json:"file_name"`
	StorageURL    string      `db:"storage_url" json:"storage_url"` // object key of the raw upload
	ContentType   string      `db:"content_type" json:"content_type"`
	SourceFormat  string      `db:"source_format" json:"source_format"`
	Status        string      `db:"status" json:"status"` // uploaded | processing | processed | error
	FailureReason string      `db:"failure_reason" json:"failure_reason,omitempty"`
	ContentHash   string      `db:"content_hash" json:"content_hash,omitempty"`
	Anchors       AnchorTable `db:"anchors" json:"anchors,omitempty"`
	Tags          StringList  `db:"tags" json:"tags"`
	ChunkCount    int         `db:"chunk_count" json:"chunk_count"`
	IndexedCount  int         `db:"indexed_count" json:"indexed_count"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// Chunk represents one contiguous span of a document's normalized text.
type Chunk struct {
	ID          string    `db:"id" json:"id"`
	DocumentID  string    `db:"document_id" json:"document_id"`
	Position    int       `db:"position" json:"position"`
	Text        string    `db:"text" json:"text"`
	TokenCount  int       `db:"token_count" json:"token_count"`
	Anchor      Anchor    `db:"anchor" json:"anchor"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	EmbeddingID string    `db:"embedding_id" json:"embedding_id,omitempty"` // chunk id holding the shared vector
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// EmbeddingRecord is one vector in the store. A record is shared by every
// chunk of the same owner whose text hashes identically.
type EmbeddingRecord struct {
	ChunkID           string
	DocumentID        string
	OwnerID           string
	ContentHash       string
	Vector            []float32
	Anchor            Anchor
	DocumentTitle     string
	Tags              []string
	DocumentCreatedAt time.Time
}

// SearchResult is a retrieved chunk with its scores.
type SearchResult struct {
	ChunkID        string   `json:"chunk_id"`
	DocumentID     string   `json:"document_id"`
	DocumentTitle  string   `json:"document_title"`
	Position       int      `json:"position"`
	Text           string   `json:"text"`
	TokenCount     int      `json:"token_count"`
	Anchor         Anchor   `json:"anchor"`
	Similarity     float64  `json:"similarity"`
	RerankScore    *float64 `json:"rerank_score,omitempty"`
	ReferenceIndex int      `json:"reference_index,omitempty"`
}

// Score returns the rerank score when present, the similarity otherwise.
func (r SearchResult) Score() float64 {
	if r.RerankScore != nil {
		return *r.RerankScore
	}
	return r.Similarity
}

// Reference is a citation to a span of a source document.
type Reference struct {
	Index         int      `json:"index"`
	DocumentID    string   `json:"document_id"`
	DocumentTitle string   `json:"document_title"`
	PageStart     int      `json:"page_start,omitempty"`
	PageEnd       int      `json:"page_end,omitempty"`
	Sections      []string `json:"sections,omitempty"`
	Label         string   `json:"label"`
	Score         float64  `json:"score"`
	ChunkIDs      []string `json:"chunk_ids"`
}

// Conversation is a chat session owned by one user.
type Conversation struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Title     string    `db:"title" json:"title"`
	Provider  string    `db:"provider" json:"provider,omitempty"` // preferred LLM provider
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Messages  []Message `db:"-" json:"messages,omitempty"`
}

// Message represents an individual chat message (user or assistant).
type Message struct {
	ID             string        `db:"id" json:"id"`
	ConversationID string        `db:"conversation_id" json:"conversation_id"`
	Seq            int           `db:"seq" json:"seq"`
	Role           string        `db:"role" json:"role"`       // "user" or "assistant"
	Content        string        `db:"content" json:"content"` // message text
	TokenCount     int           `db:"token_count" json:"token_count"`
	References     ReferenceList `db:"refs" json:"references,omitempty"`
	Provider       string        `db:"provider" json:"provider,omitempty"`
	ErrorKind      string        `db:"error_kind" json:"error_kind,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}
