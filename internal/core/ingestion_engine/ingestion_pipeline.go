package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/chunker"
	"github.com/markdave123-py/contexta/internal/models"
)

// NewDocumentIngestor constructs the ingestor. notifier may be nil.
func NewDocumentIngestor(db core.DbClient, obj core.ObjectClient, indexer Indexer, extractor core.DocumentExtractor,
	queue core.JobQueue, notifier core.StatusNotifier, cfg *IngestConfig) *DocumentIngestor {
	if notifier == nil {
		notifier = core.NopNotifier{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &DocumentIngestor{
		db: db, obj: obj, indexer: indexer, extractor: extractor, queue: queue, notifier: notifier, cfg: cfg,
		log:   slog.With("component", "ingestor"),
		sleep: sleepCtx,
	}
}

// Start runs numWorkers goroutines pulling jobs until ctx is done.
func (i *DocumentIngestor) Start(ctx context.Context, numWorkers int) {
	for w := 1; w <= numWorkers; w++ {
		go i.work(ctx, w)
	}
}

func (i *DocumentIngestor) work(ctx context.Context, w int) {
	log := i.log.With("worker", w)
	for {
		job, err := i.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker shutting down")
				return
			}
			log.Error("receive job failed", "err", err)
			if i.sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}

		log.Info("processing document", "document_id", job.DocumentID, "job_id", job.ID, "force", job.Force)
		if err := i.processJob(ctx, job); err != nil {
			log.Error("document conversion failed", "document_id", job.DocumentID, "err", err)
		}
		if ctx.Err() != nil {
			// Left unacked so another worker picks it up.
			return
		}
		if err := i.queue.Ack(ctx, job); err != nil {
			log.Error("ack job failed", "job_id", job.ID, "err", err)
		}
	}
}

func (i *DocumentIngestor) processJob(ctx context.Context, job core.ConversionJob) error {
	jctx, cancel := context.WithTimeout(ctx, i.cfg.JobTimeout)
	defer cancel()
	_, err := i.Convert(jctx, job.DocumentID, job.Force)
	return err
}

// Enqueue schedules a document for conversion.
func (i *DocumentIngestor) Enqueue(ctx context.Context, docID string, force bool) error {
	return i.queue.Publish(ctx, core.ConversionJob{ID: uuid.NewString(), DocumentID: docID, Force: force})
}

// Convert claims the document and converts it. A document that is not in a
// claimable state is left alone and its current status is reported. With
// force, processed and failed documents are converted again. A document left
// in processing for longer than a job timeout is taken over.
func (i *DocumentIngestor) Convert(ctx context.Context, docID string, force bool) (*ConversionResult, error) {
	claimed, err := i.claim(ctx, docID, force)
	if err != nil {
		return nil, fmt.Errorf("claim document: %w", err)
	}
	doc, err := i.db.GetDocumentByID(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if !claimed {
		i.log.Info("document not claimable, skipping", "document_id", docID, "status", doc.Status)
		return &ConversionResult{DocumentID: docID, Status: doc.Status, ContentHash: doc.ContentHash,
			Chunks: doc.ChunkCount, Indexed: doc.IndexedCount}, nil
	}
	i.notify(doc, models.StatusProcessing, "", 0)

	var (
		res     *ConversionResult
		lastErr error
		delay   = i.cfg.Backoff
	)
	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		res, lastErr = i.convertOnce(ctx, doc)
		if lastErr == nil {
			break
		}
		permanent := isPermanent(lastErr)
		i.log.Warn("conversion attempt failed", "document_id", docID, "attempt", attempt, "permanent", permanent, "err", lastErr)
		if permanent || attempt == i.cfg.MaxAttempts {
			break
		}
		if err := i.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
		delay *= 2
	}
	if lastErr != nil {
		return nil, i.fail(ctx, doc, lastErr)
	}

	ok, err := i.db.TransitionDocumentStatus(ctx, docID, []string{models.StatusProcessing}, models.StatusProcessed, "")
	if err != nil {
		return nil, i.fail(ctx, doc, fmt.Errorf("mark processed: %w", err))
	}
	if !ok {
		return nil, fmt.Errorf("document %s left processing state during conversion: %w", docID, core.ErrConflict)
	}
	res.Status = models.StatusProcessed
	i.notify(doc, models.StatusProcessed, "", 0)

	indexed, err := i.indexer.Index(ctx, doc, res.chunks)
	if err != nil {
		// The text and chunks stay; a forced reconversion indexes again.
		i.log.Error("indexing failed", "document_id", docID, "err", err)
	}
	res.Indexed = indexed
	i.notify(doc, models.StatusProcessed, "", indexed)
	i.log.Info("document processed", "document_id", docID, "chunks", res.Chunks, "indexed", indexed)
	return res, nil
}

func (i *DocumentIngestor) claim(ctx context.Context, docID string, force bool) (bool, error) {
	from := []string{models.StatusUploaded}
	if force {
		from = append(from, models.StatusProcessed, models.StatusError)
	}
	claimed, err := i.db.TransitionDocumentStatus(ctx, docID, from, models.StatusProcessing, "")
	if err != nil || claimed {
		return claimed, err
	}
	// No live job runs past JobTimeout, so an older processing row was
	// abandoned by a worker that died mid-conversion.
	reclaimed, err := i.db.ReclaimStaleDocument(ctx, docID, time.Now().Add(-i.cfg.JobTimeout))
	if err != nil {
		return false, err
	}
	if reclaimed {
		i.log.Warn("reclaimed document abandoned in processing", "document_id", docID)
	}
	return reclaimed, nil
}

// convertOnce extracts, stores and chunks the document. It replaces any
// previous text and chunks wholesale.
func (i *DocumentIngestor) convertOnce(ctx context.Context, doc *models.Document) (*ConversionResult, error) {
	raw, err := i.obj.GetRawFile(ctx, doc.StorageURL)
	if err != nil {
		return nil, fmt.Errorf("get raw file: %w", err)
	}
	format := doc.SourceFormat
	if format == "" {
		if format, err = DetectFormat(doc.FileName, doc.ContentType); err != nil {
			return nil, err
		}
	}
	ext, err := i.extractor.Extract(ctx, raw, format)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", format, err)
	}

	hash := chunker.Hash(ext.Text)
	if err := i.obj.PutProcessedText(ctx, doc.ID, ext.Text); err != nil {
		return nil, fmt.Errorf("store processed text: %w", err)
	}
	if err := i.db.SaveConversionResult(ctx, doc.ID, hash, ext.Anchors); err != nil {
		return nil, fmt.Errorf("save conversion result: %w", err)
	}

	chunks := i.chunkDocument(doc.ID, ext.Text, ext.Anchors)
	if err := i.indexer.Remove(ctx, doc); err != nil {
		return nil, fmt.Errorf("release previous vectors: %w", err)
	}
	if err := i.db.ReplaceDocumentChunks(ctx, doc.ID, chunks); err != nil {
		return nil, fmt.Errorf("replace chunks: %w", err)
	}
	if err := i.db.SetIndexCounts(ctx, doc.ID, len(chunks), 0); err != nil {
		return nil, fmt.Errorf("set chunk count: %w", err)
	}

	return &ConversionResult{
		DocumentID:  doc.ID,
		Text:        ext.Text,
		Anchors:     ext.Anchors,
		ContentHash: hash,
		Chunks:      len(chunks),
		chunks:      chunks,
	}, nil
}

// fail marks the document error and removes everything conversion produced.
func (i *DocumentIngestor) fail(ctx context.Context, doc *models.Document, cause error) error {
	ctx = context.WithoutCancel(ctx)
	reason := cause.Error()

	if err := i.obj.DeleteProcessedText(ctx, doc.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
		i.log.Error("delete processed text", "document_id", doc.ID, "err", err)
	}
	if err := i.indexer.Remove(ctx, doc); err != nil {
		i.log.Error("release vectors", "document_id", doc.ID, "err", err)
	}
	if err := i.db.DeleteDocumentChunks(ctx, doc.ID); err != nil {
		i.log.Error("delete chunks", "document_id", doc.ID, "err", err)
	}
	if err := i.db.SetIndexCounts(ctx, doc.ID, 0, 0); err != nil {
		i.log.Error("reset counts", "document_id", doc.ID, "err", err)
	}
	if _, err := i.db.TransitionDocumentStatus(ctx, doc.ID, []string{models.StatusProcessing}, models.StatusError, reason); err != nil {
		i.log.Error("mark error", "document_id", doc.ID, "err", err)
	}
	i.notify(doc, models.StatusError, reason, 0)
	return &core.ConversionError{DocumentID: doc.ID, Permanent: isPermanent(cause), Err: cause}
}

func (i *DocumentIngestor) notify(doc *models.Document, status, reason string, indexed int) {
	i.notifier.Notify(core.DocumentEvent{
		DocumentID: doc.ID,
		OwnerID:    doc.UserID,
		Status:     status,
		Reason:     reason,
		Indexed:    indexed,
		At:         time.Now().UTC(),
	})
}

func isPermanent(err error) bool {
	return errors.Is(err, core.ErrUnsupportedFormat) || errors.Is(err, core.ErrInvalidInput)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
