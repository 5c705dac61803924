package ingestion_engine

import (
	"context"
	"fmt"

	"github.com/markdave123-py/Lexa/internal/models"
)

// embedChunks consumes the chunk stream and embeds it in batches. Records are
// returned rather than written so the caller can upsert the document at once.
func (i *DocumentIngestor) embedChunks(
	ctx context.Context,
	in <-chan models.Chunk,
	sourceName string,
) ([]models.EmbeddingRecord, error) {
	var records []models.EmbeddingRecord
	batch := make([]models.Chunk, 0, i.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		texts := make([]string, len(batch))
		for k := range batch {
			texts[k] = batch[k].Text
		}

		vecs, err := i.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks %d-%d: %w", batch[0].SequenceIndex, batch[len(batch)-1].SequenceIndex, err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(batch))
		}
		for k := range batch {
			records = append(records, models.EmbeddingRecord{
				Chunk:      batch[k],
				SourceName: sourceName,
				Vector:     vecs[k],
			})
		}
		batch = batch[:0]
		return nil
	}

	for ch := range in {
		batch = append(batch, ch)
		if len(batch) == i.cfg.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return records, nil
}
