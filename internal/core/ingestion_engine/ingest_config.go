package ingestion_engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/core/chunker"
)

// IngestConfig tunes the pipeline.
//
// BatchSize:  how many chunks are embedded per embedding call.
// QueueSize:  capacity of the job queue; Enqueue blocks when it is full.
// JobTimeout: upper bound for one document, extraction through upsert.
type IngestConfig struct {
	BatchSize  int
	QueueSize  int
	JobTimeout time.Duration
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	return c
}

// lease is how long a processing record is honoured before another process
// may start over: a job plus its cleanup can never run longer.
func (c IngestConfig) lease() time.Duration {
	return c.JobTimeout + cleanupTimeout
}

// Dependencies are the collaborators of a DocumentIngestor. Objects and
// Extractor may be nil when every document arrives with its text captured.
type Dependencies struct {
	Documents core.DocumentRepository
	Vectors   core.VectorIndex
	Objects   core.ObjectClient
	Embedder  core.EmbeddingProvider
	Extractor core.DocumentExtractor
	Chunker   *chunker.Chunker
	Logger    *slog.Logger
}

type jobState int

const (
	jobOpening   jobState = iota // attempt being opened in the repository
	jobQueued                    // waiting for a worker
	jobRunning                   // owned by a worker or a synchronous caller
	jobAbandoned                 // cancelled before it started
)

// job is one queued or running ingestion attempt. state, attempt and released
// are guarded by the ingestor's mu.
type job struct {
	docID    string
	attempt  int
	state    jobState
	released bool
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelCauseFunc
	done     chan struct{}
}

// interrupted reports that the job stopped because its parent context ended,
// a shutdown rather than a cancellation or failure of this document.
func (j *job) interrupted() bool {
	return j.parent.Err() != nil && !errors.Is(context.Cause(j.ctx), core.ErrCancelled)
}

// DocumentIngestor runs the background ingestion pipeline:
//
// jobs:     bounded queue of documents waiting for a worker.
// inflight: every queued or running document; a second request for one of
//           them is rejected with ErrIngestionConflict.
type DocumentIngestor struct {
	docs      core.DocumentRepository
	vectors   core.VectorIndex
	objects   core.ObjectClient
	embedder  core.EmbeddingProvider
	extractor core.DocumentExtractor
	chunker   *chunker.Chunker
	log       *slog.Logger
	cfg       IngestConfig

	jobs chan *job
	wg   sync.WaitGroup

	mu       sync.Mutex
	base     context.Context
	inflight map[string]*job
}
