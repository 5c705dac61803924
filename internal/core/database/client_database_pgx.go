// Package db is the Postgres backend: a document repository and a pgvector
// cosine index sharing one connection pool.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/models"
)

var (
	_ core.DocumentRepository = (*Documents)(nil)
	_ core.VectorIndex        = (*Vectors)(nil)
)

type Options struct {
	URL         string
	SSLRootCert string
	Dimensions  int
}

type DatabaseClient struct {
	db  *sql.DB
	dim int
}

func NewDatabaseClient(ctx context.Context, opts Options) (*DatabaseClient, error) {
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", opts.Dimensions)
	}
	dsn, err := buildDSN(opts.URL, opts.SSLRootCert)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, opts.Dimensions); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db, dim: opts.Dimensions}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Documents is the documents table as a core.DocumentRepository.
type Documents struct {
	db *sql.DB
}

func (c *DatabaseClient) Documents() *Documents { return &Documents{db: c.db} }

// Vectors is the chunks table as a core.VectorIndex.
type Vectors struct {
	db  *sql.DB
	dim int
}

func (c *DatabaseClient) Vectors() *Vectors { return &Vectors{db: c.db, dim: c.dim} }

const documentColumns = `id, owner_id, source_name, content_type, storage_key, raw_text,
	status, failure_reason, chunk_count, attempt, analysis, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanDocument reads documentColumns, then any extra selected columns into extra.
func scanDocument(row rowScanner, extra ...any) (*models.Document, error) {
	var (
		d        models.Document
		analysis []byte
	)
	dest := []any{
		&d.ID, &d.OwnerID, &d.SourceName, &d.ContentType, &d.StorageKey, &d.RawText,
		&d.Status, &d.FailureReason, &d.ChunkCount, &d.Attempt, &analysis, &d.CreatedAt, &d.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if len(analysis) > 0 {
		d.Analysis = &models.AnalysisResult{}
		if err := json.Unmarshal(analysis, d.Analysis); err != nil {
			return nil, fmt.Errorf("decode analysis of %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func encodeAnalysis(a *models.AnalysisResult) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

func (c *Documents) Get(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return d, nil
}

// Upsert inserts the document or replaces every mutable column except the
// analysis. created_at is kept from the first insert.
func (c *Documents) Upsert(ctx context.Context, doc *models.Document) error {
	if doc == nil || doc.ID == "" {
		return core.NewValidationError("id", "document id is required")
	}
	const q = `
		INSERT INTO documents
			(id, owner_id, source_name, content_type, storage_key, raw_text,
			 status, failure_reason, chunk_count, attempt, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()), now())
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			source_name = EXCLUDED.source_name,
			content_type = EXCLUDED.content_type,
			storage_key = EXCLUDED.storage_key,
			raw_text = EXCLUDED.raw_text,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			chunk_count = EXCLUDED.chunk_count,
			attempt = EXCLUDED.attempt,
			updated_at = now()
	`
	var created *time.Time
	if !doc.CreatedAt.IsZero() {
		created = &doc.CreatedAt
	}
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.OwnerID, doc.SourceName, doc.ContentType, doc.StorageKey, doc.RawText,
		doc.Status, doc.FailureReason, doc.ChunkCount, doc.Attempt, created)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

func (c *Documents) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// List returns all documents, newest first. raw_text is left empty to keep listings small.
func (c *Documents) List(ctx context.Context) ([]models.Document, error) {
	const q = `
		SELECT id, owner_id, source_name, content_type, storage_key, '',
			status, failure_reason, chunk_count, attempt, NULL::jsonb, created_at, updated_at
		FROM documents
		ORDER BY created_at DESC, id
	`
	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := []models.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// BeginAttempt locks the row, plus an advisory lock on the id so that two
// first inserts of one document also serialize.
func (c *Documents) BeginAttempt(ctx context.Context, id string, lease time.Duration, fn core.AttemptFunc) (*models.Document, error) {
	if id == "" {
		return nil, core.NewValidationError("id", "document id is required")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin attempt %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
		return nil, fmt.Errorf("lock document %s: %w", id, err)
	}

	var leased bool
	q := `SELECT ` + documentColumns + `,
			status = 'processing' AND now() - updated_at < make_interval(secs => $2)
		FROM documents WHERE id = $1 FOR UPDATE`
	doc, err := scanDocument(tx.QueryRowContext(ctx, q, id, lease.Seconds()), &leased)
	exists := err == nil
	switch {
	case errors.Is(err, sql.ErrNoRows) && fn == nil:
		return nil, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	case errors.Is(err, sql.ErrNoRows):
		doc = &models.Document{ID: id}
	case err != nil:
		return nil, fmt.Errorf("get document %s: %w", id, err)
	case leased:
		return nil, fmt.Errorf("document %s: %w", id, core.ErrIngestionConflict)
	}

	if fn != nil {
		if err := fn(doc, exists); err != nil {
			return nil, err
		}
	}
	doc.ID = id
	doc.Status = models.StatusPending
	doc.FailureReason = ""
	doc.ChunkCount = 0
	doc.Attempt++

	analysis, err := encodeAnalysis(doc.Analysis)
	if err != nil {
		return nil, err
	}
	var created *time.Time
	if !doc.CreatedAt.IsZero() {
		created = &doc.CreatedAt
	}
	const upsert = `
		INSERT INTO documents
			(id, owner_id, source_name, content_type, storage_key, raw_text,
			 status, failure_reason, chunk_count, attempt, analysis, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, now()), now())
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			source_name = EXCLUDED.source_name,
			content_type = EXCLUDED.content_type,
			storage_key = EXCLUDED.storage_key,
			raw_text = EXCLUDED.raw_text,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			chunk_count = EXCLUDED.chunk_count,
			attempt = EXCLUDED.attempt,
			analysis = EXCLUDED.analysis,
			updated_at = now()
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, upsert,
		doc.ID, doc.OwnerID, doc.SourceName, doc.ContentType, doc.StorageKey, doc.RawText,
		doc.Status, doc.FailureReason, doc.ChunkCount, doc.Attempt, analysis, created).
		Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("begin attempt %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit attempt %s: %w", id, err)
	}
	return doc, nil
}

// UpdateStatus only moves the given attempt, and only along an allowed transition.
func (c *Documents) UpdateStatus(ctx context.Context, id string, attempt int, status models.DocumentStatus, reason string, chunkCount int) error {
	const q = `
		UPDATE documents
		SET status = $3, failure_reason = $4, chunk_count = $5, updated_at = now()
		WHERE id = $1 AND attempt = $2 AND status = ANY($6)
	`
	var from []string
	for _, s := range models.SourcesOf(status) {
		from = append(from, string(s))
	}
	res, err := c.db.ExecContext(ctx, q, id, attempt, string(status), reason, chunkCount, from)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return c.missingOrSuperseded(ctx, id, attempt)
}

func (c *Documents) missingOrSuperseded(ctx context.Context, id string, attempt int) error {
	var exists bool
	err := c.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists)
	switch {
	case err != nil:
		return fmt.Errorf("check document %s: %w", id, err)
	case !exists:
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	default:
		return fmt.Errorf("document %s attempt %d: %w", id, attempt, core.ErrIngestionConflict)
	}
}

func (c *Documents) SaveAnalysis(ctx context.Context, id string, analysis *models.AnalysisResult) error {
	data, err := encodeAnalysis(analysis)
	if err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, `UPDATE documents SET analysis = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("save analysis %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return nil
}
