package wasmbuild

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMetadataStore persists wasm build timestamps in Postgres,
// adapted from the teacher's common/db.DB pool-wrapper pattern, so build
// times are recorded across compiler invocations on different machines
// sharing one database (SPEC_FULL.md §4.4 domain-stack wiring for pgx).
// The Builder records build times here but does not read them back:
// staleness is decided by file mtimes alone.
type PostgresMetadataStore struct {
	pool *pgxpool.Pool
}

// NewPostgresMetadataStore wraps an already-connected pool.
func NewPostgresMetadataStore(pool *pgxpool.Pool) *PostgresMetadataStore {
	return &PostgresMetadataStore{pool: pool}
}

// EnsureSchema creates the build_metadata table if it does not exist.
func (s *PostgresMetadataStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS wasm_build_metadata (
			source_path TEXT PRIMARY KEY,
			built_at    TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// LastBuilt implements BuildMetadataStore.
func (s *PostgresMetadataStore) LastBuilt(ctx context.Context, sourcePath string) (time.Time, bool, error) {
	var builtAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT built_at FROM wasm_build_metadata WHERE source_path = $1`, sourcePath,
	).Scan(&builtAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return builtAt, true, nil
}

// RecordBuilt implements BuildMetadataStore.
func (s *PostgresMetadataStore) RecordBuilt(ctx context.Context, sourcePath string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wasm_build_metadata (source_path, built_at)
		VALUES ($1, $2)
		ON CONFLICT (source_path) DO UPDATE SET built_at = EXCLUDED.built_at
	`, sourcePath, at)
	return err
}
