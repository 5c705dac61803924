package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/core/chunker"
	"github.com/markdave123-py/Lexa/internal/core/normalizer"
	"github.com/markdave123-py/Lexa/internal/models"
)

const cleanupTimeout = 30 * time.Second

// NewDocumentIngestor constructs the ingestor with a bounded job queue.
func NewDocumentIngestor(deps Dependencies, cfg IngestConfig) (*DocumentIngestor, error) {
	if deps.Documents == nil || deps.Vectors == nil || deps.Embedder == nil {
		return nil, fmt.Errorf("ingestor: documents, vectors and embedder are required")
	}
	if deps.Embedder.Dimensions() != deps.Vectors.Dimensions() {
		return nil, core.DimensionError(deps.Vectors.Dimensions(), deps.Embedder.Dimensions())
	}
	if deps.Chunker == nil {
		c, err := chunker.New()
		if err != nil {
			return nil, err
		}
		deps.Chunker = c
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &DocumentIngestor{
		docs:      deps.Documents,
		vectors:   deps.Vectors,
		objects:   deps.Objects,
		embedder:  deps.Embedder,
		extractor: deps.Extractor,
		chunker:   deps.Chunker,
		log:       deps.Logger.With("component", "ingestor"),
		cfg:       cfg,
		jobs:      make(chan *job, cfg.QueueSize),
		base:      context.Background(),
		inflight:  make(map[string]*job),
	}, nil
}

// Start runs numWorkers goroutines reading from the job queue until ctx is done.
// Jobs enqueued after Start derive from ctx. Attempts running when it is
// cancelled are handed back as pending, for ResumePending to pick up.
func (i *DocumentIngestor) Start(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	i.mu.Lock()
	i.base = ctx
	i.mu.Unlock()

	for w := 1; w <= numWorkers; w++ {
		i.wg.Add(1)
		go func(w int) {
			defer i.wg.Done()
			log := i.log.With("worker", w)
			for {
				select {
				case <-ctx.Done():
					log.Debug("worker shutting down")
					return
				case j := <-i.jobs:
					if !i.transition(j, jobQueued, jobRunning) {
						// cancelled while it waited in the queue
						continue
					}
					log.Info("processing document", "doc_id", j.docID)
					res, err := i.run(j)
					if err != nil {
						log.Warn("ingestion failed", "doc_id", j.docID, "err", err)
						continue
					}
					log.Info("ingestion completed", "doc_id", j.docID, "chunks", res.ChunkCount, "attempt", res.Attempt)
				}
			}
		}(w)
	}
}

// Wait blocks until every worker started by Start has returned.
func (i *DocumentIngestor) Wait() {
	i.wg.Wait()
}

// Enqueue starts a new ingestion attempt for docID from its stored content.
func (i *DocumentIngestor) Enqueue(ctx context.Context, docID string) error {
	_, err := i.EnqueueWith(ctx, docID, nil)
	return err
}

// EnqueueWith opens a new attempt, applying fn to the record in the same
// atomic step, and schedules it. It fails with ErrIngestionConflict while an
// earlier attempt is queued here or processing in any process. If the queue is
// full, this call blocks until space frees up or ctx is done.
func (i *DocumentIngestor) EnqueueWith(ctx context.Context, docID string, fn core.AttemptFunc) (*models.Document, error) {
	j, err := i.register(docID)
	if err != nil {
		return nil, err
	}
	doc, err := i.open(ctx, j, fn, jobQueued)
	if err != nil {
		return nil, err
	}

	select {
	case i.jobs <- j:
		return doc, nil
	case <-ctx.Done():
		if i.transition(j, jobQueued, jobAbandoned) {
			i.fail(j, ctx.Err())
			i.release(j)
		}
		return nil, ctx.Err()
	}
}

// Ingest runs a new attempt for docID on the calling goroutine.
func (i *DocumentIngestor) Ingest(ctx context.Context, docID string) (models.IngestionResult, error) {
	return i.IngestWith(ctx, docID, nil)
}

// IngestWith is Ingest with fn applied to the record as the attempt opens.
func (i *DocumentIngestor) IngestWith(ctx context.Context, docID string, fn core.AttemptFunc) (models.IngestionResult, error) {
	j, err := i.registerWithParent(ctx, docID)
	if err != nil {
		return models.IngestionResult{DocumentID: docID}, err
	}
	if _, err := i.open(ctx, j, fn, jobRunning); err != nil {
		return models.IngestionResult{DocumentID: docID}, err
	}
	return i.run(j)
}

// Cancel stops the queued or running attempt for docID. The document ends as
// failed with no chunks in the index.
func (i *DocumentIngestor) Cancel(docID string) bool {
	j, queued := i.cancel(docID)
	if queued {
		i.fail(j, core.ErrCancelled)
		i.release(j)
	}
	return j != nil
}

// CancelAndWait cancels the attempt for docID and waits until its cleanup has
// finished. It returns immediately when nothing is in flight. A queued attempt
// is failed on the calling goroutine without waiting for a worker.
func (i *DocumentIngestor) CancelAndWait(ctx context.Context, docID string) error {
	j, queued := i.cancel(docID)
	switch {
	case j == nil:
		return nil
	case queued:
		i.fail(j, core.ErrCancelled)
		i.release(j)
		return nil
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancel cancels the job of docID. queued reports that the job had not
// started, in which case the caller now owns its cleanup.
func (i *DocumentIngestor) cancel(docID string) (j *job, queued bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	j, ok := i.inflight[docID]
	if !ok {
		return nil, false
	}
	j.cancel(core.ErrCancelled)
	if j.state == jobQueued {
		j.state = jobAbandoned
		return j, true
	}
	return j, false
}

// InFlight reports whether this process has an attempt for docID.
func (i *DocumentIngestor) InFlight(docID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.inflight[docID]
	return ok
}

// Busy reports whether a new attempt on doc would conflict, here or in
// another process sharing the repository.
func (i *DocumentIngestor) Busy(doc *models.Document) bool {
	return i.InFlight(doc.ID) || doc.Leased(time.Now(), i.cfg.lease())
}

// ResumePending re-enqueues documents left pending or processing by a previous
// process, for example after a restart. Documents another live process is
// processing are left to it.
func (i *DocumentIngestor) ResumePending(ctx context.Context) (int, error) {
	docs, err := i.docs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list documents: %w", err)
	}
	n := 0
	for _, d := range docs {
		if d.Status.Terminal() {
			continue
		}
		if err := i.Enqueue(ctx, d.ID); err != nil {
			if errors.Is(err, core.ErrIngestionConflict) {
				i.log.Info("document busy, not resumed", "doc_id", d.ID, "status", d.Status)
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (i *DocumentIngestor) register(docID string) (*job, error) {
	i.mu.Lock()
	parent := i.base
	i.mu.Unlock()
	return i.registerWithParent(parent, docID)
}

func (i *DocumentIngestor) registerWithParent(parent context.Context, docID string) (*job, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.inflight[docID]; ok {
		return nil, fmt.Errorf("document %s: %w", docID, core.ErrIngestionConflict)
	}
	ctx, cancel := context.WithCancelCause(parent)
	j := &job{docID: docID, parent: parent, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	i.inflight[docID] = j
	return j, nil
}

// open begins the attempt in the repository and moves j to next. A job
// cancelled while it was opening is failed and released here.
func (i *DocumentIngestor) open(ctx context.Context, j *job, fn core.AttemptFunc, next jobState) (*models.Document, error) {
	doc, err := i.docs.BeginAttempt(ctx, j.docID, i.cfg.lease(), fn)
	if err != nil {
		i.release(j)
		return nil, err
	}

	i.mu.Lock()
	j.attempt = doc.Attempt
	j.state = next
	cancelled := next == jobQueued && j.ctx.Err() != nil
	if cancelled {
		j.state = jobAbandoned
	}
	i.mu.Unlock()

	if cancelled {
		cause := context.Cause(j.ctx)
		i.fail(j, cause)
		i.release(j)
		return nil, cause
	}
	return doc, nil
}

// transition moves j from one state to another, reporting whether it was in from.
func (i *DocumentIngestor) transition(j *job, from, to jobState) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if j.state != from {
		return false
	}
	j.state = to
	return true
}

func (i *DocumentIngestor) release(j *job) {
	i.mu.Lock()
	if j.released {
		i.mu.Unlock()
		return
	}
	j.released = true
	if i.inflight[j.docID] == j {
		delete(i.inflight, j.docID)
	}
	i.mu.Unlock()
	j.cancel(nil)
	close(j.done)
}

func (i *DocumentIngestor) run(j *job) (models.IngestionResult, error) {
	defer i.release(j)

	res, err := i.processOne(j.ctx, j.docID, j.attempt)
	if err != nil {
		res.Status, res.Reason = i.fail(j, err)
	}
	return res, err
}

// processOne extracts, normalizes, chunks, embeds and indexes a single document.
// Every status change is fenced on attempt, and status flips to completed only
// after every chunk has been upserted.
func (i *DocumentIngestor) processOne(jobCtx context.Context, docID string, attempt int) (models.IngestionResult, error) {
	res := models.IngestionResult{DocumentID: docID, Status: models.StatusProcessing, Attempt: attempt}

	ctx, cancel := context.WithTimeout(jobCtx, i.cfg.JobTimeout)
	defer cancel()

	doc, err := i.docs.Get(ctx, docID)
	if err != nil {
		return res, err
	}
	if doc.Attempt != attempt {
		return res, fmt.Errorf("document %s attempt %d superseded by %d: %w", docID, attempt, doc.Attempt, core.ErrIngestionConflict)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := i.docs.UpdateStatus(ctx, docID, attempt, models.StatusProcessing, "", 0); err != nil {
		return res, fmt.Errorf("mark processing: %w", err)
	}
	doc.Status = models.StatusProcessing

	// drop the previous generation before anything new is written
	if err := i.vectors.DeleteDocument(ctx, docID); err != nil {
		return res, fmt.Errorf("purge previous chunks: %w", err)
	}

	raw, err := i.loadText(ctx, doc)
	if err != nil {
		return res, err
	}
	text := normalizer.Normalize(raw)

	g, gctx := errgroup.WithContext(ctx)
	chunks := i.streamChunks(gctx, g, docID, text)

	var records []models.EmbeddingRecord
	g.Go(func() error {
		var err error
		records, err = i.embedChunks(gctx, chunks, doc.SourceName)
		return err
	})
	if err := g.Wait(); err != nil {
		return res, err
	}

	if err := i.vectors.Upsert(ctx, records...); err != nil {
		return res, fmt.Errorf("upsert chunks: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := i.docs.UpdateStatus(ctx, docID, attempt, models.StatusCompleted, "", len(records)); err != nil {
		return res, fmt.Errorf("mark completed: %w", err)
	}

	res.Status = models.StatusCompleted
	res.ChunkCount = len(records)
	return res, nil
}

// loadText returns the captured raw text, extracting and capturing it on the
// first attempt. Raw text is never rewritten once stored.
func (i *DocumentIngestor) loadText(ctx context.Context, doc *models.Document) (string, error) {
	if doc.RawText != "" {
		return doc.RawText, nil
	}
	if doc.StorageKey == "" {
		// nothing uploaded and nothing captured: an empty document
		return "", nil
	}
	if i.objects == nil || i.extractor == nil {
		return "", fmt.Errorf("document %s has a stored file but no object storage or extractor is configured", doc.ID)
	}

	data, err := i.objects.GetFile(ctx, doc.StorageKey)
	if err != nil {
		return "", fmt.Errorf("get object %s: %w", doc.StorageKey, err)
	}
	text, err := i.extractor.ExtractText(ctx, data, doc.ContentType)
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}

	doc.RawText = text
	if err := i.docs.Upsert(ctx, doc); err != nil {
		return "", fmt.Errorf("capture raw text: %w", err)
	}
	return text, nil
}

// fail purges whatever the attempt wrote and records how it ended. It runs on
// a context detached from the job so a cancelled job is still cleaned up.
//
// Chunks are only purged while this attempt holds the document as processing,
// so a newer attempt's chunks are never touched. A superseded attempt leaves
// the document alone. An attempt interrupted by shutdown goes back to pending.
func (i *DocumentIngestor) fail(j *job, cause error) (models.DocumentStatus, string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), cleanupTimeout)
	defer cancel()

	i.mu.Lock()
	attempt := j.attempt
	i.mu.Unlock()

	log := i.log.With("doc_id", j.docID, "attempt", attempt)
	status, reason := models.StatusFailed, failureReason(j.ctx, cause)
	if j.interrupted() {
		status, reason = models.StatusPending, ""
	}

	doc, err := i.docs.Get(ctx, j.docID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		// deleted while ingesting
		log.Debug("document gone before failure was recorded")
		i.purge(ctx, log, j.docID)
		return models.StatusFailed, reason
	case err != nil:
		log.Error("record failure", "err", err)
		return models.StatusFailed, reason
	case doc.Attempt != attempt || doc.Status.Terminal():
		log.Info("attempt superseded, leaving document to the newer attempt", "current_attempt", doc.Attempt)
		return models.StatusFailed, "superseded by a newer attempt"
	case doc.Status == models.StatusPending && status == models.StatusPending:
		// never started: nothing to purge
		return status, reason
	case doc.Status == models.StatusPending:
		if err := i.docs.UpdateStatus(ctx, j.docID, attempt, models.StatusProcessing, "", 0); err != nil {
			log.Info("attempt superseded, leaving document to the newer attempt", "err", err)
			return models.StatusFailed, "superseded by a newer attempt"
		}
	}

	i.purge(ctx, log, j.docID)
	if err := i.docs.UpdateStatus(ctx, j.docID, attempt, status, reason, 0); err != nil {
		log.Error("record failure", "err", err)
	}
	return status, reason
}

func (i *DocumentIngestor) purge(ctx context.Context, log *slog.Logger, docID string) {
	if err := i.vectors.DeleteDocument(ctx, docID); err != nil {
		log.Error("purge after failure", "err", err)
	}
}

func failureReason(jobCtx context.Context, err error) string {
	switch {
	case errors.Is(context.Cause(jobCtx), core.ErrCancelled), errors.Is(err, core.ErrCancelled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "ingestion timed out"
	default:
		return err.Error()
	}
}
