package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/core/ingestion_engine"
	"github.com/markdave123-py/Lexa/internal/models"
)

// DocumentService owns the document lifecycle around ingestion: storing the
// raw upload, creating the record, scheduling and purging.
type DocumentService struct {
	docs     core.DocumentRepository
	vectors  core.VectorIndex
	storage  core.ObjectClient
	ingestor ingestion_engine.Ingestor
	log      *slog.Logger
}

// NewDocumentService wires the service. storage may be nil, in which case only
// text documents are accepted.
func NewDocumentService(docs core.DocumentRepository, vectors core.VectorIndex, storage core.ObjectClient, ing ingestion_engine.Ingestor, logger *slog.Logger) *DocumentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentService{docs: docs, vectors: vectors, storage: storage, ingestor: ing, log: logger}
}

// Upload describes one uploaded file.
type Upload struct {
	DocumentID  string
	OwnerID     string
	SourceName  string
	ContentType string
	Data        []byte
}

// UploadAndCreate stores the file, records a pending document and enqueues it.
// Uploading to an existing id replaces its content and starts a new attempt.
func (s *DocumentService) UploadAndCreate(ctx context.Context, in Upload) (*models.Document, error) {
	if len(in.Data) == 0 {
		return nil, core.NewValidationError("file", "must not be empty")
	}
	if strings.TrimSpace(in.SourceName) == "" {
		return nil, core.NewValidationError("source_name", "is required")
	}
	if s.storage == nil {
		return nil, fmt.Errorf("file uploads need object storage to be configured")
	}

	id := in.DocumentID
	if id == "" {
		id = uuid.NewString()
	}
	prev, err := s.idle(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.ContentType == "" || in.ContentType == "application/octet-stream" {
		in.ContentType = ingestion_engine.ContentTypeFor(in.SourceName)
	}
	key := s.objectKey(in.OwnerID, id, in.SourceName)

	uploadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if _, err := s.storage.UploadFile(uploadCtx, key, bytes.NewReader(in.Data), in.ContentType); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	content := func(d *models.Document) {
		d.ContentType = in.ContentType
		d.StorageKey = key
		d.RawText = ""
	}
	doc, err := s.enqueue(ctx, id, in.OwnerID, in.SourceName, content)
	if err != nil {
		if prev == nil || prev.StorageKey != key {
			s.removeObject(ctx, id, key)
		}
		return nil, err
	}
	return doc, nil
}

// TextInput is a document whose text the caller already holds.
type TextInput struct {
	DocumentID string
	OwnerID    string
	SourceName string
	Text       string
}

func (s *DocumentService) CreateFromText(ctx context.Context, in TextInput) (*models.Document, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, core.NewValidationError("text", "must not be empty")
	}
	if strings.TrimSpace(in.SourceName) == "" {
		return nil, core.NewValidationError("source_name", "is required")
	}
	id := in.DocumentID
	if id == "" {
		id = uuid.NewString()
	}
	return s.enqueue(ctx, id, in.OwnerID, in.SourceName, textContent(in.Text))
}

// IngestText records a text document and ingests it on the calling goroutine.
func (s *DocumentService) IngestText(ctx context.Context, in TextInput) (models.IngestionResult, error) {
	if strings.TrimSpace(in.SourceName) == "" {
		return models.IngestionResult{DocumentID: in.DocumentID}, core.NewValidationError("source_name", "is required")
	}
	id := in.DocumentID
	if id == "" {
		id = uuid.NewString()
	}
	var replaced string
	res, err := s.ingestor.IngestWith(ctx, id, s.replace(in.OwnerID, in.SourceName, textContent(in.Text), &replaced))
	if replaced != "" && res.Attempt > 0 {
		s.removeObject(ctx, id, replaced)
	}
	return res, err
}

func textContent(text string) func(*models.Document) {
	return func(d *models.Document) {
		d.ContentType = "text/plain"
		d.StorageKey = ""
		d.RawText = text
	}
}

// idle returns the stored document with this id, or nil, and fails with
// ErrIngestionConflict while an attempt on it is in flight anywhere.
func (s *DocumentService) idle(ctx context.Context, id string) (*models.Document, error) {
	prev, err := s.docs.Get(ctx, id)
	switch {
	case errors.Is(err, core.ErrNotFound):
		if s.ingestor.InFlight(id) {
			return nil, fmt.Errorf("document %s: %w", id, core.ErrIngestionConflict)
		}
		return nil, nil
	case err != nil:
		return nil, err
	case s.ingestor.Busy(prev):
		return nil, fmt.Errorf("document %s: %w", id, core.ErrIngestionConflict)
	}
	return prev, nil
}

// enqueue opens an attempt carrying new content and schedules it. The upload
// it replaces is removed once the attempt is open.
func (s *DocumentService) enqueue(ctx context.Context, id, owner, sourceName string, content func(*models.Document)) (*models.Document, error) {
	var replaced string
	doc, err := s.ingestor.EnqueueWith(ctx, id, s.replace(owner, sourceName, content, &replaced))
	if err != nil {
		return nil, err
	}
	if replaced != "" {
		s.removeObject(ctx, id, replaced)
	}
	s.log.Info("document accepted", "doc_id", doc.ID, "source_name", doc.SourceName, "attempt", doc.Attempt)
	return doc, nil
}

// replace sets new content on the record as the attempt opens, keeping the
// history of an existing document. The previous upload key, when content no
// longer points at it, is reported through replaced.
func (s *DocumentService) replace(owner, sourceName string, content func(*models.Document), replaced *string) core.AttemptFunc {
	return func(d *models.Document, exists bool) error {
		old := d.StorageKey
		d.OwnerID = owner
		d.SourceName = sourceName
		d.Analysis = nil
		content(d)
		*replaced = ""
		if exists && old != "" && old != d.StorageKey {
			*replaced = old
		}
		return nil
	}
}

func (s *DocumentService) removeObject(ctx context.Context, id, key string) {
	if s.storage == nil {
		return
	}
	if err := s.storage.DeleteFile(ctx, key); err != nil {
		s.log.Warn("remove stored file", "doc_id", id, "key", key, "err", err)
	}
}

func (s *DocumentService) Get(ctx context.Context, id string) (*models.Document, error) {
	return s.docs.Get(ctx, id)
}

func (s *DocumentService) List(ctx context.Context) ([]models.Document, error) {
	return s.docs.List(ctx)
}

// Reingest starts a new attempt from the captured text or stored file.
func (s *DocumentService) Reingest(ctx context.Context, id string) (*models.Document, error) {
	return s.ingestor.EnqueueWith(ctx, id, nil)
}

// Delete cancels any running ingestion, then removes chunks, file and record.
func (s *DocumentService) Delete(ctx context.Context, id string) error {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ingestor.CancelAndWait(ctx, id); err != nil {
		return fmt.Errorf("cancel ingestion: %w", err)
	}
	if err := s.vectors.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("purge chunks: %w", err)
	}
	if doc.StorageKey != "" {
		s.removeObject(ctx, id, doc.StorageKey)
	}
	return s.docs.Delete(ctx, id)
}

// File returns the original bytes of a document. Text documents are served as
// the captured text.
func (s *DocumentService) File(ctx context.Context, id string) ([]byte, *models.Document, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if doc.StorageKey == "" || s.storage == nil {
		if doc.RawText == "" {
			return nil, nil, fmt.Errorf("file of %s: %w", id, core.ErrNotFound)
		}
		return []byte(doc.RawText), doc, nil
	}
	data, err := s.storage.GetFile(ctx, doc.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	return data, doc, nil
}

// objectKey creates a consistent storage key layout.
func (s *DocumentService) objectKey(ownerID, docID, filename string) string {
	if ownerID == "" {
		ownerID = "anonymous"
	}
	filename = path.Base(strings.ReplaceAll(filename, "\\", "/"))
	filename = strings.ReplaceAll(strings.TrimSpace(filename), " ", "_")
	return path.Join("users", ownerID, "documents", docID, filename)
}
