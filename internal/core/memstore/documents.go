// Package memstore provides in-memory implementations of the document
// repository and the vector index, for development and tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/models"
)

var _ core.DocumentRepository = (*DocumentStore)(nil)

// DocumentStore is an in-memory DocumentRepository.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]models.Document
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]models.Document)}
}

func (s *DocumentStore) Get(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	doc.Analysis = cloneAnalysis(doc.Analysis)
	return &doc, nil
}

// Upsert stores every column except the analysis, which only SaveAnalysis and
// BeginAttempt change.
func (s *DocumentStore) Upsert(_ context.Context, doc *models.Document) error {
	if doc == nil || doc.ID == "" {
		return core.NewValidationError("id", "document id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	d := *doc
	d.Analysis = nil
	if existing, ok := s.docs[d.ID]; ok {
		d.Analysis = existing.Analysis
		if d.CreatedAt.IsZero() {
			d.CreatedAt = existing.CreatedAt
		}
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.docs[d.ID] = d
	return nil
}

func (s *DocumentStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

// List returns all documents, newest first.
func (s *DocumentStore) List(_ context.Context) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *DocumentStore) BeginAttempt(_ context.Context, id string, lease time.Duration, fn core.AttemptFunc) (*models.Document, error) {
	if id == "" {
		return nil, core.NewValidationError("id", "document id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	d, exists := s.docs[id]
	switch {
	case !exists && fn == nil:
		return nil, core.ErrNotFound
	case !exists:
		d = models.Document{ID: id}
	case d.Leased(now, lease):
		return nil, fmt.Errorf("document %s: %w", id, core.ErrIngestionConflict)
	}
	if fn != nil {
		if err := fn(&d, exists); err != nil {
			return nil, err
		}
	}
	d.ID = id
	d.Status = models.StatusPending
	d.FailureReason = ""
	d.ChunkCount = 0
	d.Attempt++
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.docs[id] = d

	out := d
	out.Analysis = cloneAnalysis(d.Analysis)
	return &out, nil
}

func (s *DocumentStore) UpdateStatus(_ context.Context, id string, attempt int, status models.DocumentStatus, reason string, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return core.ErrNotFound
	}
	if d.Attempt != attempt || !models.CanTransition(d.Status, status) {
		return fmt.Errorf("document %s attempt %d: %w", id, attempt, core.ErrIngestionConflict)
	}
	d.Status = status
	d.FailureReason = reason
	d.ChunkCount = chunkCount
	d.UpdatedAt = time.Now().UTC()
	s.docs[id] = d
	return nil
}

func (s *DocumentStore) SaveAnalysis(_ context.Context, id string, analysis *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return core.ErrNotFound
	}
	d.Analysis = cloneAnalysis(analysis)
	s.docs[id] = d
	return nil
}

func cloneAnalysis(a *models.AnalysisResult) *models.AnalysisResult {
	if a == nil {
		return nil
	}
	c := *a
	c.KeyPoints = slices.Clone(a.KeyPoints)
	c.Entities = slices.Clone(a.Entities)
	c.Recommendations = slices.Clone(a.Recommendations)
	return &c
}
