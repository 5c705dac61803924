package ingestion_engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/core/chunker"
	"github.com/markdave123-py/Lexa/internal/core/llm"
	"github.com/markdave123-py/Lexa/internal/core/memstore"
	objectclient "github.com/markdave123-py/Lexa/internal/core/object-client"
	"github.com/markdave123-py/Lexa/internal/models"
)

const dim = 64

type fixture struct {
	docs    *memstore.DocumentStore
	vectors *memstore.VectorIndex
	objects *objectclient.MemoryClient
	ing     *DocumentIngestor
}

func newFixture(t *testing.T, emb core.EmbeddingProvider, opts ...chunker.Option) *fixture {
	t.Helper()
	if emb == nil {
		emb = llm.NewHashEmbedder(dim)
	}
	ch, err := chunker.New(opts...)
	require.NoError(t, err)

	f := &fixture{
		docs:    memstore.NewDocumentStore(),
		vectors: memstore.NewVectorIndex(dim),
		objects: objectclient.NewMemoryClient(),
	}
	f.ing, err = NewDocumentIngestor(Dependencies{
		Documents: f.docs,
		Vectors:   f.vectors,
		Objects:   f.objects,
		Embedder:  emb,
		Extractor: NewDocconvExtractor(false),
		Chunker:   ch,
	}, IngestConfig{BatchSize: 2, JobTimeout: 5 * time.Second})
	require.NoError(t, err)
	return f
}

func (f *fixture) addText(t *testing.T, id, text string) {
	t.Helper()
	require.NoError(t, f.docs.Upsert(context.Background(), &models.Document{
		ID: id, SourceName: id + ".txt", RawText: text, Status: models.StatusPending,
	}))
}

func (f *fixture) doc(t *testing.T, id string) *models.Document {
	t.Helper()
	d, err := f.docs.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (f *fixture) count(t *testing.T, id string) int {
	t.Helper()
	n, err := f.vectors.CountDocument(context.Background(), id)
	require.NoError(t, err)
	return n
}

const contract = "This is a test document about breach of contract remedies."

func TestIngest_Completes(t *testing.T) {
	f := newFixture(t, nil, chunker.WithMaxSize(50), chunker.WithOverlap(10))
	f.addText(t, "doc1", "  "+contract+"\n\n")

	res, err := f.ing.Ingest(context.Background(), "doc1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.GreaterOrEqual(t, res.ChunkCount, 1)
	assert.LessOrEqual(t, res.ChunkCount, 2)
	assert.Equal(t, 1, res.Attempt)

	d := f.doc(t, "doc1")
	assert.Equal(t, models.StatusCompleted, d.Status)
	assert.Equal(t, res.ChunkCount, d.ChunkCount)
	assert.Equal(t, res.ChunkCount, f.count(t, "doc1"))
	assert.Equal(t, "  "+contract+"\n\n", d.RawText, "raw text is kept as captured")
}

func TestIngest_ReingestReplaces(t *testing.T) {
	f := newFixture(t, nil, chunker.WithMaxSize(40), chunker.WithOverlap(5))
	ctx := context.Background()

	f.addText(t, "doc", strings.Repeat("The lessee shall pay rent monthly. ", 10))
	first, err := f.ing.Ingest(ctx, "doc")
	require.NoError(t, err)
	require.Greater(t, first.ChunkCount, 2)

	// a fresh upload replaces the captured text
	d := f.doc(t, "doc")
	d.RawText = "Short replacement clause."
	require.NoError(t, f.docs.Upsert(ctx, d))
	second, err := f.ing.Ingest(ctx, "doc")
	require.NoError(t, err)

	assert.Equal(t, 1, second.ChunkCount)
	assert.Equal(t, 1, f.count(t, "doc"))
	assert.Equal(t, 2, second.Attempt)

	hits, err := f.vectors.Search(ctx, make([]float32, dim), 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "Short replacement clause.", h.Text)
	}
}

func TestIngest_EmptyDocumentCompletesWithNoChunks(t *testing.T) {
	f := newFixture(t, nil)
	f.addText(t, "empty", "")

	res, err := f.ing.Ingest(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Zero(t, res.ChunkCount)
	assert.Zero(t, f.count(t, "empty"))
}

func TestIngest_UnknownDocument(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ing.Ingest(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.False(t, f.ing.InFlight("missing"))
}

func TestIngest_ExtractsFromObjectStorage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.objects.UploadFile(ctx, "uploads/lease.txt", strings.NewReader("Lease agreement\tbetween parties."), "text/plain")
	require.NoError(t, err)
	require.NoError(t, f.docs.Upsert(ctx, &models.Document{
		ID: "lease", SourceName: "lease.txt", StorageKey: "uploads/lease.txt",
		ContentType: "text/plain; charset=utf-8", Status: models.StatusPending,
	}))

	res, err := f.ing.Ingest(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunkCount)

	d := f.doc(t, "lease")
	assert.Equal(t, "Lease agreement\tbetween parties.", d.RawText)

	hits, err := f.vectors.Search(ctx, make([]float32, dim), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Lease agreement between parties.", hits[0].Text)
	assert.Equal(t, "lease.txt", hits[0].SourceName)
}

type failingEmbedder struct {
	calls atomic.Int32
}

func (f *failingEmbedder) Dimensions() int { return dim }

func (f *failingEmbedder) EmbedTexts(context.Context, []string) ([][]float32, error) {
	if f.calls.Add(1) > 1 {
		return nil, core.ErrEmbeddingUnavailable
	}
	return make([][]float32, 2), nil
}

func TestIngest_FailureFailsWholeDocument(t *testing.T) {
	// the first batch succeeds and the second fails
	f := newFixture(t, &failingEmbedder{}, chunker.WithMaxSize(30), chunker.WithOverlap(0))
	f.addText(t, "doc", strings.Repeat("Clause text goes here. ", 10))

	res, err := f.ing.Ingest(context.Background(), "doc")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEmbeddingUnavailable)
	assert.Equal(t, models.StatusFailed, res.Status)

	d := f.doc(t, "doc")
	assert.Equal(t, models.StatusFailed, d.Status)
	assert.Contains(t, d.FailureReason, core.ErrEmbeddingUnavailable.Error())
	assert.Zero(t, f.count(t, "doc"))
}

func TestIngest_FailurePurgesPreviousGeneration(t *testing.T) {
	emb := &switchEmbedder{inner: llm.NewHashEmbedder(dim)}
	f := newFixture(t, emb)
	ctx := context.Background()
	f.addText(t, "doc", contract)

	_, err := f.ing.Ingest(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, 1, f.count(t, "doc"))

	emb.broken.Store(true)
	_, err = f.ing.Ingest(ctx, "doc")
	require.Error(t, err)
	assert.Zero(t, f.count(t, "doc"))
	assert.Equal(t, models.StatusFailed, f.doc(t, "doc").Status)
}

type switchEmbedder struct {
	inner  core.EmbeddingProvider
	broken atomic.Bool
}

func (s *switchEmbedder) Dimensions() int { return s.inner.Dimensions() }

func (s *switchEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if s.broken.Load() {
		return nil, core.ErrEmbeddingUnavailable
	}
	return s.inner.EmbedTexts(ctx, texts)
}

// blockingEmbedder parks every call until the context ends or release is closed.
type blockingEmbedder struct {
	inner   core.EmbeddingProvider
	started chan struct{}
	release chan struct{}
}

func newBlockingEmbedder() *blockingEmbedder {
	return &blockingEmbedder{
		inner:   llm.NewHashEmbedder(dim),
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingEmbedder) Dimensions() int { return dim }

func (b *blockingEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
		return b.inner.EmbedTexts(ctx, texts)
	}
}

func waitStarted(t *testing.T, b *blockingEmbedder) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(5 * time.Second):
		t.Fatal("embedding never started")
	}
}

func TestEnqueue_ConflictWhileInFlight(t *testing.T) {
	emb := newBlockingEmbedder()
	f := newFixture(t, emb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ing.Start(ctx, 2)

	f.addText(t, "doc", contract)
	require.NoError(t, f.ing.Enqueue(ctx, "doc"))
	waitStarted(t, emb)

	err := f.ing.Enqueue(ctx, "doc")
	assert.ErrorIs(t, err, core.ErrIngestionConflict)
	_, err = f.ing.Ingest(ctx, "doc")
	assert.ErrorIs(t, err, core.ErrIngestionConflict)
	assert.Equal(t, models.StatusProcessing, f.doc(t, "doc").Status)

	close(emb.release)
	require.Eventually(t, func() bool {
		return f.doc(t, "doc").Status == models.StatusCompleted && !f.ing.InFlight("doc")
	}, 5*time.Second, 10*time.Millisecond)

	// a finished attempt no longer blocks a new one
	require.NoError(t, f.ing.Enqueue(ctx, "doc"))
	require.Eventually(t, func() bool {
		d := f.doc(t, "doc")
		return d.Status == models.StatusCompleted && d.Attempt == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.count(t, "doc"))
}

func TestCancel_LeavesDocumentFailedAndPurged(t *testing.T) {
	emb := newBlockingEmbedder()
	f := newFixture(t, emb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ing.Start(ctx, 1)

	f.addText(t, "doc", contract)
	require.NoError(t, f.ing.Enqueue(ctx, "doc"))
	waitStarted(t, emb)

	assert.True(t, f.ing.Cancel("doc"))
	require.Eventually(t, func() bool {
		return !f.ing.InFlight("doc")
	}, 5*time.Second, 10*time.Millisecond)

	d := f.doc(t, "doc")
	assert.Equal(t, models.StatusFailed, d.Status)
	assert.Equal(t, "cancelled", d.FailureReason)
	assert.Zero(t, f.count(t, "doc"))
	assert.False(t, f.ing.Cancel("doc"))
}

func TestWorkers_IngestManyDocuments(t *testing.T) {
	f := newFixture(t, nil, chunker.WithMaxSize(60), chunker.WithOverlap(10))
	ctx, cancel := context.WithCancel(context.Background())
	f.ing.Start(ctx, 3)

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		f.addText(t, id, strings.Repeat("Document "+id+" describes an indemnity obligation. ", 4))
		require.NoError(t, f.ing.Enqueue(ctx, id))
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if f.doc(t, id).Status != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		assert.Equal(t, f.doc(t, id).ChunkCount, f.count(t, id))
	}

	cancel()
	f.ing.Wait()
}

func TestResumePending(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.addText(t, "pending", contract)
	require.NoError(t, f.docs.Upsert(ctx, &models.Document{
		ID: "done", SourceName: "done.txt", RawText: contract, Status: models.StatusCompleted, ChunkCount: 1, Attempt: 1,
	}))

	n, err := f.ing.ResumePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.ing.Start(ctx, 1)
	require.Eventually(t, func() bool {
		return f.doc(t, "pending").Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

// peer is a second ingestor sharing the fixture's stores, as another process
// sharing one database would.
func (f *fixture) peer(t *testing.T, emb core.EmbeddingProvider) *DocumentIngestor {
	t.Helper()
	if emb == nil {
		emb = llm.NewHashEmbedder(dim)
	}
	ing, err := NewDocumentIngestor(Dependencies{
		Documents: f.docs,
		Vectors:   f.vectors,
		Objects:   f.objects,
		Embedder:  emb,
	}, IngestConfig{BatchSize: 2, JobTimeout: 5 * time.Second})
	require.NoError(t, err)
	return ing
}

func withText(text string) core.AttemptFunc {
	return func(d *models.Document, _ bool) error {
		d.RawText = text
		return nil
	}
}

func TestIngest_ConflictAcrossIngestors(t *testing.T) {
	emb := newBlockingEmbedder()
	f := newFixture(t, emb)
	other := f.peer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ing.Start(ctx, 1)

	f.addText(t, "doc", strings.Repeat("The lessee shall pay rent monthly. ", 10))
	require.NoError(t, f.ing.Enqueue(ctx, "doc"))
	waitStarted(t, emb)

	_, err := other.IngestWith(ctx, "doc", withText("Short replacement clause."))
	assert.ErrorIs(t, err, core.ErrIngestionConflict)
	_, err = other.EnqueueWith(ctx, "doc", withText("Short replacement clause."))
	assert.ErrorIs(t, err, core.ErrIngestionConflict)
	assert.True(t, other.Busy(f.doc(t, "doc")))
	assert.False(t, other.InFlight("doc"))

	d := f.doc(t, "doc")
	assert.Equal(t, models.StatusProcessing, d.Status)
	assert.Equal(t, 1, d.Attempt)
	assert.Contains(t, d.RawText, "The lessee shall pay rent monthly.")

	close(emb.release)
	require.Eventually(t, func() bool {
		return f.doc(t, "doc").Status == models.StatusCompleted && !f.ing.InFlight("doc")
	}, 5*time.Second, 10*time.Millisecond)

	res, err := other.IngestWith(ctx, "doc", withText("Short replacement clause."))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, 1, res.ChunkCount)

	d = f.doc(t, "doc")
	assert.Equal(t, models.StatusCompleted, d.Status)
	assert.Equal(t, 1, d.ChunkCount)
	assert.Equal(t, d.ChunkCount, f.count(t, "doc"))
	hits, err := f.vectors.Search(ctx, make([]float32, dim), 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "Short replacement clause.", h.Text)
	}
}

func TestIngest_StaleQueuedAttemptLeavesNewerOneAlone(t *testing.T) {
	f := newFixture(t, nil)
	other := f.peer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.addText(t, "doc", contract)
	require.NoError(t, f.ing.Enqueue(ctx, "doc"))
	assert.Equal(t, 1, f.doc(t, "doc").Attempt)

	// the record is pending, so the other ingestor may take over
	res, err := other.Ingest(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempt)

	f.ing.Start(ctx, 1)
	require.Eventually(t, func() bool {
		return !f.ing.InFlight("doc")
	}, 5*time.Second, 10*time.Millisecond)

	d := f.doc(t, "doc")
	assert.Equal(t, models.StatusCompleted, d.Status)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, res.ChunkCount, d.ChunkCount)
	assert.Equal(t, res.ChunkCount, f.count(t, "doc"))
}

func TestCancelAndWait_QueuedJob(t *testing.T) {
	emb := newBlockingEmbedder()
	f := newFixture(t, emb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ing.Start(ctx, 1)

	f.addText(t, "busy", contract)
	f.addText(t, "queued", contract)
	require.NoError(t, f.ing.Enqueue(ctx, "busy"))
	waitStarted(t, emb)
	require.NoError(t, f.ing.Enqueue(ctx, "queued"))

	// the only worker is parked on "busy", so "queued" never reaches it
	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	require.NoError(t, f.ing.CancelAndWait(waitCtx, "queued"))

	d := f.doc(t, "queued")
	assert.Equal(t, models.StatusFailed, d.Status)
	assert.Equal(t, "cancelled", d.FailureReason)
	assert.False(t, f.ing.InFlight("queued"))
	assert.Zero(t, f.count(t, "queued"))

	assert.True(t, f.ing.InFlight("busy"))
	assert.Equal(t, models.StatusProcessing, f.doc(t, "busy").Status)

	close(emb.release)
	require.Eventually(t, func() bool {
		return f.doc(t, "busy").Status == models.StatusCompleted && !f.ing.InFlight("busy")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StatusFailed, f.doc(t, "queued").Status)
}

func TestShutdown_HandsRunningAttemptBackAsPending(t *testing.T) {
	emb := newBlockingEmbedder()
	f := newFixture(t, emb)
	ctx, cancel := context.WithCancel(context.Background())
	f.ing.Start(ctx, 1)

	f.addText(t, "doc", contract)
	require.NoError(t, f.ing.Enqueue(ctx, "doc"))
	waitStarted(t, emb)

	cancel()
	f.ing.Wait()
	require.Eventually(t, func() bool {
		return !f.ing.InFlight("doc")
	}, 5*time.Second, 10*time.Millisecond)

	d := f.doc(t, "doc")
	assert.Equal(t, models.StatusPending, d.Status)
	assert.Empty(t, d.FailureReason)
	assert.Zero(t, f.count(t, "doc"))

	close(emb.release)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	f.ing.Start(ctx2, 1)
	n, err := f.ing.ResumePending(ctx2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool {
		d := f.doc(t, "doc")
		return d.Status == models.StatusCompleted && d.Attempt == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.count(t, "doc"))
}

func TestNewDocumentIngestor_DimensionMismatch(t *testing.T) {
	_, err := NewDocumentIngestor(Dependencies{
		Documents: memstore.NewDocumentStore(),
		Vectors:   memstore.NewVectorIndex(8),
		Embedder:  llm.NewHashEmbedder(16),
	}, IngestConfig{})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestFailureReason(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(core.ErrCancelled)
	assert.Equal(t, "cancelled", failureReason(ctx, context.Canceled))

	assert.Equal(t, "ingestion timed out", failureReason(context.Background(), context.DeadlineExceeded))
	assert.Equal(t, "boom", failureReason(context.Background(), errors.New("boom")))
}
