package ingestion_engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

// IngestConfig tunes conversion.
//
// TargetTokens:  chunk size budget.
// OverlapTokens: tokens shared by consecutive chunks.
// MaxAttempts:   conversion attempts before a document is marked error.
// Backoff:       delay before the second attempt, doubled afterwards.
// JobTimeout:    deadline for one job, indexing included.
type IngestConfig struct {
	TargetTokens  int
	OverlapTokens int
	MaxAttempts   int
	Backoff       time.Duration
	JobTimeout    time.Duration
}

// Indexer embeds a document's chunks and releases their vectors.
type Indexer interface {
	Index(ctx context.Context, doc *models.Document, chunks []models.Chunk) (int, error)
	Remove(ctx context.Context, doc *models.Document) error
}

// ConversionResult is what Convert reports for one document.
type ConversionResult struct {
	DocumentID  string             `json:"document_id"`
	Status      string             `json:"status"`
	Text        string             `json:"-"`
	Anchors     models.AnchorTable `json:"anchors,omitempty"`
	ContentHash string             `json:"content_hash,omitempty"`
	Chunks      int                `json:"chunks"`
	Indexed     int                `json:"indexed"`

	chunks []models.Chunk
}

// DocumentIngestor converts uploaded documents and hands them to the indexer:
//
// db:        documents and chunks.
// obj:       raw uploads and processed text.
// indexer:   embeddings for the produced chunks.
// extractor: format-specific text extraction.
// queue:     conversion jobs, delivered at least once.
// notifier:  status events for live clients.
type DocumentIngestor struct {
	db        core.DbClient
	obj       core.ObjectClient
	indexer   Indexer
	extractor core.DocumentExtractor
	queue     core.JobQueue
	notifier  core.StatusNotifier
	cfg       *IngestConfig
	log       *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}
