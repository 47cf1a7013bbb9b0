// Package state persists engine state in the source database itself, in a
// fixed set of reserved __puffgres_ tables. Keeping state next to the data
// means checkpoint updates ride the same failure domain as the WAL they
// describe.
package state

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Reserved table names.
const (
	tableMigrations  = "__puffgres_migrations"
	tableCheckpoints = "__puffgres_checkpoints"
	tableDLQ         = "__puffgres_dlq"
	tableBackfill    = "__puffgres_backfill"
	tableTransforms  = "__puffgres_transforms"
)

// qb is the postgres query builder dialect.
var qb = goqu.Dialect("postgres")

// Store is the Postgres-backed state store. All operations are
// transactional; an unreachable store is fatal to the engine.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and ensures the reserved schema exists.
func Connect(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("state store connect failed: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// FromPool wraps an existing pool (tests, shared pools). The caller owns
// the pool's lifetime.
func FromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for components sharing the connection
// (poll adapter, backfill scanner, lookup membership).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the reserved tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableMigrations + ` (
			id SERIAL PRIMARY KEY,
			version INTEGER NOT NULL,
			mapping_name TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(version, mapping_name)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + tableCheckpoints + ` (
			mapping_name TEXT PRIMARY KEY,
			lsn BIGINT NOT NULL,
			events_processed BIGINT DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + tableDLQ + ` (
			id SERIAL PRIMARY KEY,
			mapping_name TEXT NOT NULL,
			lsn BIGINT NOT NULL,
			event_json JSONB NOT NULL,
			error_message TEXT NOT NULL,
			error_kind TEXT NOT NULL,
			retry_count INT DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + tableBackfill + ` (
			mapping_name TEXT PRIMARY KEY,
			last_id TEXT,
			total_rows BIGINT,
			processed_rows BIGINT DEFAULT 0,
			status TEXT DEFAULT 'pending',
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + tableTransforms + ` (
			mapping_name TEXT NOT NULL,
			version INTEGER NOT NULL,
			source TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY(mapping_name, version)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create state schema: %w", err)
		}
	}

	log.Debug().Msg("State schema ready")
	return nil
}
