package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/Lexa/internal/core"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

const schemaVersion = 1

// EnsureBootstrapped creates the schema on first start and records the embedding
// dimension. A later start with another dimension fails with ErrDimensionMismatch,
// since every stored vector would have to be re-ingested.
func EnsureBootstrapped(ctx context.Context, db *sql.DB, dim int) error {
	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var exists bool
	err := db.QueryRowContext(ctxBoot, `
		SELECT EXISTS (
		  SELECT 1 FROM information_schema.tables
		  WHERE table_name = 'lexa_meta'
		)`).
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("meta table check failed: %w", err)
	}

	if !exists {
		slog.Info("bootstrapping database schema", "version", schemaVersion)
		if err := runBootstrap(ctxBoot, db); err != nil {
			return err
		}
	}

	var stored int
	err = db.QueryRowContext(ctxBoot, `SELECT embed_dim FROM lexa_meta WHERE version = $1`, schemaVersion).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// meta table without a version row: a half-finished bootstrap
		if exists {
			if err := runBootstrap(ctxBoot, db); err != nil {
				return err
			}
		}
		if _, err := db.ExecContext(ctxBoot,
			`INSERT INTO lexa_meta (version, embed_dim) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`,
			schemaVersion, dim); err != nil {
			return fmt.Errorf("record embedding dimension: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("meta version check failed: %w", err)
	}

	if err := checkDimension(stored, dim); err != nil {
		return err
	}
	return migrate(ctxBoot, db)
}

// migrations are idempotent changes for schemas bootstrapped by older releases.
var migrations = []string{
	`ALTER TABLE documents ADD COLUMN IF NOT EXISTS analysis JSONB`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

func checkDimension(stored, configured int) error {
	if stored != configured {
		return fmt.Errorf("index was built with another embedding model, re-ingest required: %w",
			core.DimensionError(stored, configured))
	}
	return nil
}

func runBootstrap(ctx context.Context, db *sql.DB) error {
	sqlBytes, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return fmt.Errorf("read initdb.sql: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}
