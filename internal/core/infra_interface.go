package core

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/markdave123-py/Lexa/internal/models"
)

// AttemptFunc edits a document while a new ingestion attempt is opened on it.
// exists is false when no record with that id is stored yet; doc then carries
// only the id. A returned error aborts the attempt and is passed through.
type AttemptFunc func(doc *models.Document, exists bool) error

// DocumentRepository persists documents and their ingestion status.
// Get returns ErrNotFound for unknown ids.
//
// BeginAttempt and UpdateStatus are atomic per document, so processes sharing
// one repository never run two attempts on a document at once:
//   - BeginAttempt applies fn, resets the status to pending and increments
//     Attempt. It fails with ErrIngestionConflict while another attempt holds
//     a processing lease younger than lease. With a nil fn the document must
//     already exist.
//   - UpdateStatus applies only when the stored attempt equals attempt and the
//     stored status may move to status. Otherwise it fails with
//     ErrIngestionConflict: the attempt was superseded.
type DocumentRepository interface {
	Get(ctx context.Context, id string) (*models.Document, error)
	Upsert(ctx context.Context, doc *models.Document) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.Document, error)
	BeginAttempt(ctx context.Context, id string, lease time.Duration, fn AttemptFunc) (*models.Document, error)
	UpdateStatus(ctx context.Context, id string, attempt int, status models.DocumentStatus, reason string, chunkCount int) error
	SaveAnalysis(ctx context.Context, id string, analysis *models.AnalysisResult) error
}

// VectorIndex stores embedding records and answers nearest-neighbour queries by cosine similarity.
// Search results are ordered by score descending, ties by insertion order. A
// record that is upserted again counts as inserted at that moment.
type VectorIndex interface {
	Upsert(ctx context.Context, records ...models.EmbeddingRecord) error
	DeleteDocument(ctx context.Context, documentID string) error
	Search(ctx context.Context, vector []float32, topK int) ([]models.SearchHit, error)
	CountDocument(ctx context.Context, documentID string) (int, error)
	Dimensions() int
}

// FiniteScore maps a NaN or infinite similarity, which a backend reports for a
// zero vector, to 0.
func FiniteScore(score float64) float64 {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	return score
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, key string) error
	GetFile(ctx context.Context, key string) ([]byte, error)
	GetObjectReader(ctx context.Context, key string) (io.ReadCloser, error)
}
