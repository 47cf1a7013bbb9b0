package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// AppliedMigration is a recorded mapping apply.
type AppliedMigration struct {
	Version     int
	MappingName string
	ContentHash string
	AppliedAt   time.Time
}

// GetMigrationHash reads the recorded content hash for (name, version).
func (s *Store) GetMigrationHash(ctx context.Context, mappingName string, version int) (string, bool, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT content_hash FROM `+tableMigrations+` WHERE mapping_name = $1 AND version = $2`,
		mappingName, version).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read migration %s@%d: %w", mappingName, version, err)
	}
	return hash, true, nil
}

// RecordMigration records an applied (name, version, hash). Recording an
// identical hash again is a no-op; a different hash for an already
// recorded pair is rejected — the on-disk file drifted after apply.
func (s *Store) RecordMigration(ctx context.Context, mappingName string, version int, contentHash string) error {
	existing, found, err := s.GetMigrationHash(ctx, mappingName, version)
	if err != nil {
		return err
	}
	if found {
		if existing != contentHash {
			return fmt.Errorf(
				"mapping %s@%d was applied with hash %s but the file now hashes to %s; mappings are immutable once applied",
				mappingName, version, existing, contentHash)
		}
		return nil
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+tableMigrations+` (version, mapping_name, content_hash)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (version, mapping_name) DO NOTHING`,
		version, mappingName, contentHash)
	if err != nil {
		return fmt.Errorf("failed to record migration %s@%d: %w", mappingName, version, err)
	}
	return nil
}

// AppliedMigrations lists recorded applies ordered by name then version.
func (s *Store) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version, mapping_name, content_hash, applied_at
		 FROM `+tableMigrations+` ORDER BY mapping_name, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Version, &m.MappingName, &m.ContentHash, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RegisterTransform interns transform source text for (mapping, version).
// Re-registering identical source is a no-op; different source for an
// applied version is rejected.
func (s *Store) RegisterTransform(ctx context.Context, mappingName string, version int, source, contentHash string) error {
	var existing string
	err := s.pool.QueryRow(ctx,
		`SELECT content_hash FROM `+tableTransforms+` WHERE mapping_name = $1 AND version = $2`,
		mappingName, version).Scan(&existing)
	if err == nil {
		if existing != contentHash {
			return fmt.Errorf(
				"transform for %s@%d was registered with hash %s but now hashes to %s; transforms are immutable once applied",
				mappingName, version, existing, contentHash)
		}
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read transform %s@%d: %w", mappingName, version, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+tableTransforms+` (mapping_name, version, source, content_hash)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (mapping_name, version) DO NOTHING`,
		mappingName, version, source, contentHash)
	if err != nil {
		return fmt.Errorf("failed to register transform %s@%d: %w", mappingName, version, err)
	}
	return nil
}

// GetTransform reads interned transform source and hash.
func (s *Store) GetTransform(ctx context.Context, mappingName string, version int) (source, hash string, found bool, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT source, content_hash FROM `+tableTransforms+` WHERE mapping_name = $1 AND version = $2`,
		mappingName, version).Scan(&source, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to read transform %s@%d: %w", mappingName, version, err)
	}
	return source, hash, true, nil
}
