package ingestion_engine

import "context"

type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	Enqueue(ctx context.Context, docID string, force bool) error
	Convert(ctx context.Context, docID string, force bool) (*ConversionResult, error)
}

var _ Ingestor = (*DocumentIngestor)(nil)
