package models

import (
	"time"
)

// DocumentStatus is the ingestion state of a Document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// CanTransition reports whether a document may move from one status to another
// within a single ingestion attempt. A fresh attempt always restarts at pending.
// processing -> pending hands an interrupted attempt back for resumption.
func CanTransition(from, to DocumentStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	default:
		return false
	}
}

// SourcesOf lists the statuses from which a document may move to status.
func SourcesOf(to DocumentStatus) []DocumentStatus {
	var out []DocumentStatus
	for _, from := range []DocumentStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Terminal reports whether the status ends an ingestion attempt.
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Document represents one uploaded legal file.
type Document struct {
	ID            string          `db:"id" json:"id"`
	OwnerID       string          `db:"owner_id" json:"owner_id,omitempty"`
	SourceName    string          `db:"source_name" json:"source_name"`
	ContentType   string          `db:"content_type" json:"content_type,omitempty"`
	StorageKey    string          `db:"storage_key" json:"storage_key,omitempty"` // object storage key of the raw upload
	RawText       string          `db:"raw_text" json:"-"`                        // captured once, never rewritten
	Status        DocumentStatus  `db:"status" json:"status"`
	FailureReason string          `db:"failure_reason" json:"failure_reason,omitempty"`
	ChunkCount    int             `db:"chunk_count" json:"chunk_count"`
	Attempt       int             `db:"attempt" json:"attempt"`
	Analysis      *AnalysisResult `db:"analysis" json:"-"` // last stored analysis, nil until one is run
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Leased reports whether an attempt is processing and was last touched within
// lease of now. An older processing record belongs to a process that died.
func (d *Document) Leased(now time.Time, lease time.Duration) bool {
	return d.Status == StatusProcessing && now.Sub(d.UpdatedAt) < lease
}

// Chunk is a contiguous span of a document's normalized text.
// Offsets are rune offsets, End is exclusive.
type Chunk struct {
	ID            string `db:"chunk_id" json:"chunk_id"`
	DocumentID    string `db:"document_id" json:"document_id"`
	Text          string `db:"text" json:"text"`
	StartOffset   int    `db:"start_offset" json:"start_offset"`
	EndOffset     int    `db:"end_offset" json:"end_offset"`
	SequenceIndex int    `db:"sequence_index" json:"sequence_index"`
	TokenCount    int    `db:"token_count" json:"token_count"`
}

// EmbeddingRecord pairs a chunk with its vector and the metadata stored next to it.
type EmbeddingRecord struct {
	Chunk      Chunk
	SourceName string
	Vector     []float32
}

// SearchHit is one nearest-neighbour result from the vector index.
type SearchHit struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	SourceName    string  `json:"source_name"`
	Text          string  `json:"text"`
	SequenceIndex int     `json:"sequence_index"`
	StartOffset   int     `json:"start_offset"`
	EndOffset     int     `json:"end_offset"`
	Score         float64 `json:"score"`
}

// Citation is the evidence returned next to a generated answer.
type Citation struct {
	Source      string  `json:"source"`
	SourceName  string  `json:"source_name,omitempty"`
	ChunkID     string  `json:"chunk_id,omitempty"`
	TextSnippet string  `json:"text_snippet"`
	Score       float64 `json:"score"`
	FileURL     string  `json:"file_url,omitempty"`
}

// AnswerState is a step of the question answering state machine.
type AnswerState string

const (
	StateReceived   AnswerState = "received"
	StateEmbedding  AnswerState = "embedding"
	StateRetrieving AnswerState = "retrieving"
	StateGenerating AnswerState = "generating"
	StateAnswered   AnswerState = "answered"
	StateDegraded   AnswerState = "degraded"
)

// Answer is the response to a natural-language question.
type Answer struct {
	Question  string        `json:"question,omitempty"`
	Answer    string        `json:"answer"`
	Citations []Citation    `json:"citations"`
	State     AnswerState   `json:"state"`
	Trace     []AnswerState `json:"-"`
}

// AnalysisResult is the structured analysis of a single document.
type AnalysisResult struct {
	DocumentID      string   `json:"document_id"`
	Summary         string   `json:"summary" validate:"required"`
	KeyPoints       []string `json:"key_points" validate:"dive,required"`
	Entities        []string `json:"entities" validate:"dive,required"`
	Recommendations []string `json:"recommendations" validate:"dive,required"`
}

// IngestionResult reports the outcome of one ingestion attempt.
type IngestionResult struct {
	DocumentID string         `json:"document_id"`
	Status     DocumentStatus `json:"status"`
	ChunkCount int            `json:"chunk_count"`
	Attempt    int            `json:"attempt"`
	Reason     string         `json:"reason,omitempty"`
}
