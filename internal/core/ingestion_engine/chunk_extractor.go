package ingestion_engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Lexa/internal/models"
)

// streamChunks emits the chunks of text in sequence order. A single producer
// keeps sequence_index assignment deterministic.
func (i *DocumentIngestor) streamChunks(
	ctx context.Context,
	g *errgroup.Group,
	docID string,
	text string,
) <-chan models.Chunk {
	out := make(chan models.Chunk, 8)

	g.Go(func() error {
		defer close(out)
		for ch := range i.chunker.Chunks(docID, text) {
			select {
			case out <- ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return out
}
