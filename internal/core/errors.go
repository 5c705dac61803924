package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrEmbeddingUnavailable means the embedding backend could not be reached or answered with an error.
	ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")
	// ErrDimensionMismatch means a vector does not have the dimension the index was created with.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrGenerationFailure means the generation backend failed, timed out or produced unusable output.
	ErrGenerationFailure = errors.New("generation backend failure")
	// ErrIngestionConflict means an ingestion for the same document is already queued or running.
	ErrIngestionConflict = errors.New("document is already being ingested")
	ErrNotFound          = errors.New("not found")
	ErrCancelled         = errors.New("ingestion cancelled")
	ErrValidation        = errors.New("validation failed")
)

// ValidationError describes a malformed request. Fields maps a field name to the reason it was rejected.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DimensionError reports the expected and actual vector lengths. It matches ErrDimensionMismatch.
func DimensionError(want, got int) error {
	return fmt.Errorf("%w: index has %d, got %d", ErrDimensionMismatch, want, got)
}
