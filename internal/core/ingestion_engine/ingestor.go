package ingestion_engine

import (
	"context"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/models"
)

// Ingestor is the ingestion surface used by the HTTP and CLI layers.
type Ingestor interface {
	Enqueue(ctx context.Context, docID string) error
	EnqueueWith(ctx context.Context, docID string, fn core.AttemptFunc) (*models.Document, error)
	Ingest(ctx context.Context, docID string) (models.IngestionResult, error)
	IngestWith(ctx context.Context, docID string, fn core.AttemptFunc) (models.IngestionResult, error)
	Cancel(docID string) bool
	CancelAndWait(ctx context.Context, docID string) error
	InFlight(docID string) bool
	Busy(doc *models.Document) bool
}

var _ Ingestor = (*DocumentIngestor)(nil)
