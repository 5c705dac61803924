package memstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/models"
)

var _ core.VectorIndex = (*VectorIndex)(nil)

// VectorIndex is an exhaustive in-memory cosine index. Each record carries the
// sequence number of its latest upsert, which breaks score ties.
type VectorIndex struct {
	mu      sync.RWMutex
	dim     int
	nextSeq uint64
	records map[string]*entry
}

type entry struct {
	rec models.EmbeddingRecord
	seq uint64
}

func NewVectorIndex(dim int) *VectorIndex {
	return &VectorIndex{dim: dim, records: make(map[string]*entry)}
}

func (v *VectorIndex) Dimensions() int { return v.dim }

// Upsert inserts or replaces records by chunk id. The whole batch becomes
// visible to Search at once; a record of the wrong dimension rejects the batch.
func (v *VectorIndex) Upsert(_ context.Context, records ...models.EmbeddingRecord) error {
	for _, r := range records {
		if len(r.Vector) != v.dim {
			return core.DimensionError(v.dim, len(r.Vector))
		}
		if r.Chunk.ID == "" {
			return core.NewValidationError("chunk_id", "required")
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, r := range records {
		r.Vector = append([]float32(nil), r.Vector...)
		v.nextSeq++
		v.records[r.Chunk.ID] = &entry{rec: r, seq: v.nextSeq}
	}
	return nil
}

func (v *VectorIndex) DeleteDocument(_ context.Context, documentID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for id, e := range v.records {
		if e.rec.Chunk.DocumentID == documentID {
			delete(v.records, id)
		}
	}
	return nil
}

func (v *VectorIndex) CountDocument(_ context.Context, documentID string) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	n := 0
	for _, e := range v.records {
		if e.rec.Chunk.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

// Search returns up to topK records by cosine similarity, highest first.
func (v *VectorIndex) Search(_ context.Context, vector []float32, topK int) ([]models.SearchHit, error) {
	if len(vector) != v.dim {
		return nil, core.DimensionError(v.dim, len(vector))
	}
	if topK <= 0 {
		return []models.SearchHit{}, nil
	}

	v.mu.RLock()
	type scored struct {
		rec   models.EmbeddingRecord
		seq   uint64
		score float64
	}
	all := make([]scored, 0, len(v.records))
	for _, e := range v.records {
		all = append(all, scored{rec: e.rec, seq: e.seq, score: Cosine(vector, e.rec.Vector)})
	}
	v.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].seq < all[j].seq
	})
	if len(all) > topK {
		all = all[:topK]
	}

	hits := make([]models.SearchHit, 0, len(all))
	for _, s := range all {
		ch := s.rec.Chunk
		hits = append(hits, models.SearchHit{
			ChunkID:       ch.ID,
			DocumentID:    ch.DocumentID,
			SourceName:    s.rec.SourceName,
			Text:          ch.Text,
			SequenceIndex: ch.SequenceIndex,
			StartOffset:   ch.StartOffset,
			EndOffset:     ch.EndOffset,
			Score:         s.score,
		})
	}
	return hits, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero vector.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
