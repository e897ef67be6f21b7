package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta/internal/models"
)

// Upload is a raw file as received from a client.
type Upload struct {
	OwnerID     string
	FileName    string
	ContentType string
	Title       string
	Tags        []string
	Body        io.Reader
}

// DocumentService owns the document lifecycle outside of conversion:
// upload, listing, status, reconversion requests and cascading deletion.
type DocumentService struct {
	db       core.DbClient
	storage  core.ObjectClient
	indexer  ingestion_engine.Indexer
	ingestor ingestion_engine.Ingestor
	log      *slog.Logger
}

func NewDocumentService(db core.DbClient, storage core.ObjectClient, indexer ingestion_engine.Indexer, ingestor ingestion_engine.Ingestor) *DocumentService {
	return &DocumentService{
		db:       db,
		storage:  storage,
		indexer:  indexer,
		ingestor: ingestor,
		log:      slog.With("component", "documents"),
	}
}

// UploadAndCreate stores the raw file, records the document as uploaded and
// queues it for conversion.
func (s *DocumentService) UploadAndCreate(ctx context.Context, u Upload) (*models.Document, error) {
	if u.OwnerID == "" {
		return nil, fmt.Errorf("missing owner: %w", core.ErrInvalidInput)
	}
	fileName := path.Base(strings.TrimSpace(u.FileName))
	if fileName == "." || fileName == "/" {
		return nil, fmt.Errorf("missing file name: %w", core.ErrInvalidInput)
	}
	format, err := ingestion_engine.DetectFormat(fileName, u.ContentType)
	if err != nil {
		return nil, err
	}

	docID := uuid.NewString()
	key := objectKey(u.OwnerID, docID, fileName)
	url, err := s.storage.UploadFile(ctx, key, u.Body, u.ContentType)
	if err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}

	title := strings.TrimSpace(u.Title)
	if title == "" {
		title = strings.TrimSuffix(fileName, path.Ext(fileName))
	}
	doc := &models.Document{
		ID:           docID,
		UserID:       u.OwnerID,
		Title:        title,
		FileName:     fileName,
		StorageURL:   url,
		ContentType:  u.ContentType,
		SourceFormat: format,
		Status:       models.StatusUploaded,
		Tags:         normalizeTags(u.Tags),
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		if derr := s.storage.DeleteFile(context.WithoutCancel(ctx), url); derr != nil {
			s.log.Error("remove orphaned upload", "key", url, "err", derr)
		}
		return nil, fmt.Errorf("store document metadata: %w", err)
	}

	// The document stays uploaded when the queue is down; a convert call picks it up.
	if err := s.ingestor.Enqueue(ctx, doc.ID, false); err != nil {
		s.log.Error("enqueue conversion", "document_id", doc.ID, "err", err)
	}
	s.log.Info("document uploaded", "document_id", doc.ID, "owner_id", doc.UserID, "format", format)
	return doc, nil
}

// Get returns the owner's document. Documents of other owners are reported
// as not found.
func (s *DocumentService) Get(ctx context.Context, ownerID, id string) (*models.Document, error) {
	doc, err := s.db.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.UserID != ownerID {
		return nil, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return doc, nil
}

func (s *DocumentService) ListByUser(ctx context.Context, userID string) ([]models.Document, error) {
	return s.db.ListDocumentsByUser(ctx, userID)
}

// Convert requests conversion. With wait it runs inline and returns the
// result; otherwise it queues the job and reports the current status.
func (s *DocumentService) Convert(ctx context.Context, ownerID, id string, force, wait bool) (*ingestion_engine.ConversionResult, error) {
	doc, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if wait {
		return s.ingestor.Convert(ctx, id, force)
	}
	if err := s.ingestor.Enqueue(ctx, id, force); err != nil {
		return nil, fmt.Errorf("enqueue conversion: %w", err)
	}
	return &ingestion_engine.ConversionResult{
		DocumentID:  doc.ID,
		Status:      doc.Status,
		Anchors:     doc.Anchors,
		ContentHash: doc.ContentHash,
		Chunks:      doc.ChunkCount,
		Indexed:     doc.IndexedCount,
	}, nil
}

// Delete removes the document together with its vectors, chunks, processed
// text and raw upload. A document mid-conversion cannot be deleted.
func (s *DocumentService) Delete(ctx context.Context, ownerID, id string) error {
	doc, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if doc.Status == models.StatusProcessing {
		return fmt.Errorf("document %s is being converted: %w", id, core.ErrConflict)
	}

	if err := s.indexer.Remove(ctx, doc); err != nil {
		return fmt.Errorf("release vectors: %w", err)
	}
	if err := s.db.DeleteDocumentChunks(ctx, id); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := s.db.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	// Metadata is gone; blob cleanup failures only leave garbage behind.
	if err := s.storage.DeleteProcessedText(ctx, id); err != nil && !errors.Is(err, core.ErrNotFound) {
		s.log.Warn("delete processed text", "document_id", id, "err", err)
	}
	if err := s.storage.DeleteFile(ctx, doc.StorageURL); err != nil && !errors.Is(err, core.ErrNotFound) {
		s.log.Warn("delete raw file", "document_id", id, "err", err)
	}
	s.log.Info("document deleted", "document_id", id)
	return nil
}

// objectKey creates a consistent storage key layout.
func objectKey(userID, docID, filename string) string {
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("users", userID, "documents", docID, filename)
}

func normalizeTags(tags []string) models.StringList {
	seen := make(map[string]bool, len(tags))
	out := models.StringList{}
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
