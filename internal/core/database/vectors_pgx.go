package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/models"
)

func (c *Vectors) Dimensions() int { return c.dim }

// Upsert writes the whole batch in one transaction so searches see all of it or none.
func (c *Vectors) Upsert(ctx context.Context, records ...models.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if len(r.Vector) != c.dim {
			return core.DimensionError(c.dim, len(r.Vector))
		}
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO chunks
			(chunk_id, document_id, sequence_index, start_offset, end_offset, text, source_name, token_count, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chunk_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			sequence_index = EXCLUDED.sequence_index,
			start_offset = EXCLUDED.start_offset,
			end_offset = EXCLUDED.end_offset,
			text = EXCLUDED.text,
			source_name = EXCLUDED.source_name,
			token_count = EXCLUDED.token_count,
			embedding = EXCLUDED.embedding,
			seq = DEFAULT
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		ch := r.Chunk
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.DocumentID, ch.SequenceIndex, ch.StartOffset, ch.EndOffset, ch.Text,
			r.SourceName, ch.TokenCount, pgvector.NewVector(r.Vector),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert chunk %s: %w", ch.ID, err)
		}
	}
	return tx.Commit()
}

func (c *Vectors) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	return nil
}

func (c *Vectors) CountDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks of %s: %w", documentID, err)
	}
	return n, nil
}

// Search ranks chunks by cosine distance; seq keeps equal scores in insertion order.
func (c *Vectors) Search(ctx context.Context, vector []float32, topK int) ([]models.SearchHit, error) {
	if len(vector) != c.dim {
		return nil, core.DimensionError(c.dim, len(vector))
	}
	if topK <= 0 {
		return []models.SearchHit{}, nil
	}

	const q = `
		SELECT chunk_id, document_id, source_name, text, sequence_index, start_offset, end_offset,
			1 - (embedding <=> $1) AS score
		FROM chunks
		ORDER BY embedding <=> $1, seq
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, q, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	hits := []models.SearchHit{}
	for rows.Next() {
		var h models.SearchHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.SourceName, &h.Text,
			&h.SequenceIndex, &h.StartOffset, &h.EndOffset, &h.Score); err != nil {
			return nil, err
		}
		h.Score = core.FiniteScore(h.Score)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
