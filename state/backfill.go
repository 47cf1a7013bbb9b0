package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Backfill status values.
const (
	BackfillPending = "pending"
	BackfillRunning = "running"
	BackfillDone    = "done"
)

// BackfillCursor is the durable progress of a backfill scan.
type BackfillCursor struct {
	MappingName   string
	LastID        string
	TotalRows     int64
	ProcessedRows int64
	Status        string
	UpdatedAt     time.Time
}

// GetBackfill reads a mapping's backfill cursor; nil when none recorded.
func (s *Store) GetBackfill(ctx context.Context, mappingName string) (*BackfillCursor, error) {
	var c BackfillCursor
	var lastID *string
	var total *int64
	err := s.pool.QueryRow(ctx,
		`SELECT mapping_name, last_id, total_rows, processed_rows, status, updated_at
		 FROM `+tableBackfill+` WHERE mapping_name = $1`,
		mappingName).Scan(&c.MappingName, &lastID, &total, &c.ProcessedRows, &c.Status, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backfill cursor for %s: %w", mappingName, err)
	}
	if lastID != nil {
		c.LastID = *lastID
	}
	if total != nil {
		c.TotalRows = *total
	}
	return &c, nil
}

// SaveBackfill upserts a backfill cursor.
func (s *Store) SaveBackfill(ctx context.Context, c *BackfillCursor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+tableBackfill+` (mapping_name, last_id, total_rows, processed_rows, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (mapping_name) DO UPDATE SET
		   last_id = EXCLUDED.last_id,
		   total_rows = EXCLUDED.total_rows,
		   processed_rows = EXCLUDED.processed_rows,
		   status = EXCLUDED.status,
		   updated_at = NOW()`,
		c.MappingName, nullIfEmpty(c.LastID), nullIfZero(c.TotalRows), c.ProcessedRows, c.Status)
	if err != nil {
		return fmt.Errorf("failed to save backfill cursor for %s: %w", c.MappingName, err)
	}
	return nil
}

// AllBackfills lists every backfill cursor.
func (s *Store) AllBackfills(ctx context.Context) ([]BackfillCursor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT mapping_name, last_id, total_rows, processed_rows, status, updated_at
		 FROM `+tableBackfill+` ORDER BY mapping_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list backfill cursors: %w", err)
	}
	defer rows.Close()

	var out []BackfillCursor
	for rows.Next() {
		var c BackfillCursor
		var lastID *string
		var total *int64
		if err := rows.Scan(&c.MappingName, &lastID, &total, &c.ProcessedRows, &c.Status, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backfill cursor: %w", err)
		}
		if lastID != nil {
			c.LastID = *lastID
		}
		if total != nil {
			c.TotalRows = *total
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(i int64) *int64 {
	if i == 0 {
		return nil
	}
	return &i
}
