package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/telemetry"
)

// Checkpoint is the durable per-mapping progress record. AppliedLSN is
// non-decreasing.
type Checkpoint struct {
	MappingName     string
	AppliedLSN      common.LSN
	EventsProcessed uint64
	UpdatedAt       time.Time
}

// GetCheckpoint reads a mapping's checkpoint; nil when none recorded.
func (s *Store) GetCheckpoint(ctx context.Context, mappingName string) (*Checkpoint, error) {
	var cp Checkpoint
	var lsn, events int64
	err := s.pool.QueryRow(ctx,
		`SELECT mapping_name, lsn, events_processed, updated_at
		 FROM `+tableCheckpoints+` WHERE mapping_name = $1`,
		mappingName).Scan(&cp.MappingName, &lsn, &events, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", mappingName, err)
	}
	cp.AppliedLSN = common.LSN(lsn)
	cp.EventsProcessed = uint64(events)
	return &cp, nil
}

// AllCheckpoints reads every checkpoint ordered by mapping name.
func (s *Store) AllCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT mapping_name, lsn, events_processed, updated_at
		 FROM `+tableCheckpoints+` ORDER BY mapping_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var lsn, events int64
		if err := rows.Scan(&cp.MappingName, &lsn, &events, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.AppliedLSN = common.LSN(lsn)
		cp.EventsProcessed = uint64(events)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// MinAppliedLSN returns the lowest checkpoint across mappings: the slot
// must not advance past it.
func (s *Store) MinAppliedLSN(ctx context.Context) (common.LSN, bool, error) {
	var lsn *int64
	err := s.pool.QueryRow(ctx, `SELECT MIN(lsn) FROM `+tableCheckpoints).Scan(&lsn)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read min checkpoint: %w", err)
	}
	if lsn == nil {
		return 0, false, nil
	}
	return common.LSN(*lsn), true, nil
}

// DLQInsert is one row quarantined by a batch commit.
type DLQInsert struct {
	MappingName  string
	LSN          common.LSN
	EventJSON    []byte
	ErrorKind    common.ErrorKind
	ErrorMessage string
}

// CommitBatch atomically persists a batch's outcome: DLQ rows first, then
// the checkpoint advance to maxLSN. The checkpoint only ever moves
// forward; a replayed batch at an older position leaves it untouched.
func (s *Store) CommitBatch(ctx context.Context, mappingName string, maxLSN common.LSN, events uint64, failures []DLQInsert) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin commit for %s: %w", mappingName, err)
	}
	defer tx.Rollback(ctx)

	for _, f := range failures {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+tableDLQ+` (mapping_name, lsn, event_json, error_message, error_kind)
			 VALUES ($1, $2, $3, $4, $5)`,
			f.MappingName, int64(f.LSN), f.EventJSON, f.ErrorMessage, string(f.ErrorKind)); err != nil {
			return fmt.Errorf("failed to persist DLQ entry for %s: %w", mappingName, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+tableCheckpoints+` (mapping_name, lsn, events_processed, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (mapping_name) DO UPDATE SET
		   lsn = GREATEST(`+tableCheckpoints+`.lsn, EXCLUDED.lsn),
		   events_processed = `+tableCheckpoints+`.events_processed + EXCLUDED.events_processed,
		   updated_at = NOW()`,
		mappingName, int64(maxLSN), int64(events)); err != nil {
		return fmt.Errorf("failed to advance checkpoint for %s: %w", mappingName, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch for %s: %w", mappingName, err)
	}

	telemetry.CheckpointLSN.With(mappingName).Set(float64(maxLSN))
	return nil
}
