package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/gobwas/glob"
	"github.com/jackc/pgx/v5"

	"github.com/lucasgelfond/puffgres/common"
)

// DLQEntry is a quarantined event awaiting retry or clearing.
type DLQEntry struct {
	ID           int32
	MappingName  string
	LSN          common.LSN
	EventJSON    []byte
	ErrorMessage string
	ErrorKind    common.ErrorKind
	RetryCount   int32
	CreatedAt    time.Time
}

// Event decodes the stored raw event.
func (e *DLQEntry) Event() (*common.RowEvent, error) {
	var event common.RowEvent
	if err := event.UnmarshalJSON(e.EventJSON); err != nil {
		return nil, fmt.Errorf("DLQ entry %d holds unreadable event: %w", e.ID, err)
	}
	return &event, nil
}

const dlqColumns = "id, mapping_name, lsn, event_json, error_message, error_kind, retry_count, created_at"

func scanDLQ(row pgx.Row) (*DLQEntry, error) {
	var e DLQEntry
	var lsn int64
	var kind string
	if err := row.Scan(&e.ID, &e.MappingName, &lsn, &e.EventJSON,
		&e.ErrorMessage, &kind, &e.RetryCount, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.LSN = common.LSN(lsn)
	e.ErrorKind = common.ParseErrorKind(kind)
	return &e, nil
}

// hasGlobMeta reports whether a mapping filter needs client-side glob
// matching instead of an exact SQL predicate.
func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// buildDLQListQuery builds the list query. Exact names filter in SQL;
// glob patterns fetch unbounded and match client-side.
func buildDLQListQuery(mappingPattern string, limit int) (sql string, args []any, matcher glob.Glob, err error) {
	ds := qb.From(tableDLQ).
		Select(goqu.L(dlqColumns)).
		Order(goqu.I("id").Desc())

	if mappingPattern != "" {
		if hasGlobMeta(mappingPattern) {
			g, gerr := glob.Compile(mappingPattern)
			if gerr != nil {
				return "", nil, nil, fmt.Errorf("invalid mapping pattern %q: %w", mappingPattern, gerr)
			}
			matcher = g
		} else {
			ds = ds.Where(goqu.C("mapping_name").Eq(mappingPattern))
		}
	}
	if matcher == nil {
		ds = ds.Limit(uint(limit))
	}

	sql, args, err = ds.Prepared(true).ToSQL()
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to build DLQ query: %w", err)
	}
	return sql, args, matcher, nil
}

// ListDLQ returns entries newest-first. The mapping filter accepts an
// exact name or a glob pattern; empty matches everything.
func (s *Store) ListDLQ(ctx context.Context, mappingPattern string, limit int) ([]*DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	sql, args, matcher, err := buildDLQListQuery(mappingPattern, limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ: %w", err)
	}
	defer rows.Close()

	var out []*DLQEntry
	for rows.Next() {
		entry, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan DLQ entry: %w", err)
		}
		if matcher != nil && !matcher.Match(entry.MappingName) {
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// AppendDLQ persists entries outside a batch commit (decode failures,
// retry requeues). All entries land in one transaction.
func (s *Store) AppendDLQ(ctx context.Context, entries []DLQInsert) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin DLQ append: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+tableDLQ+` (mapping_name, lsn, event_json, error_message, error_kind)
			 VALUES ($1, $2, $3, $4, $5)`,
			e.MappingName, int64(e.LSN), e.EventJSON, e.ErrorMessage, string(e.ErrorKind)); err != nil {
			return fmt.Errorf("failed to append DLQ entry: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// GetDLQ reads one entry by id; nil when absent.
func (s *Store) GetDLQ(ctx context.Context, id int32) (*DLQEntry, error) {
	entry, err := scanDLQ(s.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM `+tableDLQ+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ entry %d: %w", id, err)
	}
	return entry, nil
}

// DeleteDLQ removes one entry.
func (s *Store) DeleteDLQ(ctx context.Context, id int32) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+tableDLQ+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete DLQ entry %d: %w", id, err)
	}
	return nil
}

// ClearDLQ removes entries for a mapping, or everything when the mapping
// is empty. Returns the number removed.
func (s *Store) ClearDLQ(ctx context.Context, mappingName string) (int64, error) {
	var sql string
	var args []any
	if mappingName == "" {
		sql = `DELETE FROM ` + tableDLQ
	} else {
		sql = `DELETE FROM ` + tableDLQ + ` WHERE mapping_name = $1`
		args = append(args, mappingName)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear DLQ: %w", err)
	}
	return tag.RowsAffected(), nil
}

// IncrementDLQRetry bumps an entry's retry counter after a failed retry.
func (s *Store) IncrementDLQRetry(ctx context.Context, id int32) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+tableDLQ+` SET retry_count = retry_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment retry count for DLQ entry %d: %w", id, err)
	}
	return nil
}

// CountDLQ counts pending entries, optionally for one mapping.
func (s *Store) CountDLQ(ctx context.Context, mappingName string) (int64, error) {
	ds := qb.From(tableDLQ).Select(goqu.COUNT("*"))
	if mappingName != "" {
		ds = ds.Where(goqu.C("mapping_name").Eq(mappingName))
	}
	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build DLQ count query: %w", err)
	}
	var count int64
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count DLQ: %w", err)
	}
	return count, nil
}
