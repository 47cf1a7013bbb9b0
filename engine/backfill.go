package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/mapping"
	"github.com/lucasgelfond/puffgres/state"
	"github.com/lucasgelfond/puffgres/target"
	"github.com/lucasgelfond/puffgres/telemetry"
	"github.com/lucasgelfond/puffgres/transform"
)

var qb = goqu.Dialect("postgres")

// DefaultBackfillBatchSize rows per scan page.
const DefaultBackfillBatchSize = 1000

// BackfillStore is the state surface backfill needs on top of Store.
type BackfillStore interface {
	Store
	GetBackfill(ctx context.Context, mappingName string) (*state.BackfillCursor, error)
	SaveBackfill(ctx context.Context, c *state.BackfillCursor) error
}

// RowSource yields key-ordered pages of rows from the source relation.
// Implemented against pgx for production and faked in tests.
type RowSource interface {
	// EstimateTotal returns the approximate relation row count, 0 when
	// unknown.
	EstimateTotal(ctx context.Context) (int64, error)
	// NextPage returns up to limit rows with id greater than afterID,
	// ordered by id ascending. An empty page ends the scan.
	NextPage(ctx context.Context, afterID string, limit int) ([]common.RowMap, error)
}

// BackfillConfig configures one backfill run.
type BackfillConfig struct {
	Mapping     *mapping.Mapping
	Rows        RowSource
	Writer      *target.Writer
	Store       BackfillStore
	Transformer transform.Transformer
	Lookup      transform.RowLookup

	BatchSize int
	Resume    bool
	Strict    bool
	// TransformTimeout bounds one executor invocation.
	TransformTimeout time.Duration
}

// Backfill seeds a namespace from the source relation. Pages are
// synthesized as insert events at the reserved backfill LSN and pushed
// through the same transform/batch/write path as live CDC; the
// LSN-conditional writer makes the interleaving safe.
type Backfill struct {
	config BackfillConfig
	worker *mappingWorker
}

// NewBackfill builds a backfill run.
func NewBackfill(config BackfillConfig) (*Backfill, error) {
	if config.Mapping == nil {
		return nil, fmt.Errorf("mapping is required")
	}
	if config.Rows == nil {
		return nil, fmt.Errorf("row source is required")
	}
	if config.Writer == nil {
		return nil, fmt.Errorf("target writer is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBackfillBatchSize
	}
	if config.Transformer == nil {
		config.Transformer = transform.NewIdentity(config.Mapping.Columns)
	}

	registry := mapping.NewRegistry()
	if err := registry.Add(config.Mapping); err != nil {
		return nil, err
	}
	router := NewRouter(registry, config.Lookup)
	worker := newMappingWorker(
		config.Mapping, router, config.Transformer, config.Writer, config.Store,
		1, config.Strict, config.TransformTimeout)

	return &Backfill{config: config, worker: worker}, nil
}

// Run scans the relation to completion. The cursor persists after each
// page's writes succeed, so an interrupted run resumes from last_id.
func (b *Backfill) Run(ctx context.Context) error {
	m := b.config.Mapping

	cursor, err := b.loadCursor(ctx)
	if err != nil {
		return err
	}

	total, err := b.config.Rows.EstimateTotal(ctx)
	if err != nil {
		log.Warn().Err(err).Str("mapping", m.Name).Msg("Cannot estimate total rows")
	} else if total > 0 {
		cursor.TotalRows = total
	}

	cursor.Status = state.BackfillRunning
	if err := b.config.Store.SaveBackfill(ctx, cursor); err != nil {
		return err
	}

	log.Info().
		Str("mapping", m.Name).
		Str("namespace", m.Namespace).
		Int64("estimated_total", cursor.TotalRows).
		Str("resume_from", cursor.LastID).
		Msg("Backfill started")

	started := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		page, err := b.config.Rows.NextPage(ctx, cursor.LastID, b.config.BatchSize)
		if err != nil {
			return fmt.Errorf("backfill scan failed for %s: %w", m.Name, err)
		}
		if len(page) == 0 {
			break
		}

		events := make([]*common.RowEvent, 0, len(page))
		var lastID string
		for _, row := range page {
			event := &common.RowEvent{
				Op:     common.OpInsert,
				Schema: m.Source.Schema,
				Table:  m.Source.Table,
				New:    row,
				LSN:    common.BackfillLSN,
			}
			events = append(events, event)
			if id, err := m.ExtractID(event); err == nil {
				lastID = id.Key()
			}
		}

		if err := b.worker.processChunk(ctx, events); err != nil {
			return err
		}
		// Close the page's batch so cursor persistence means "these rows
		// are durable".
		if err := b.worker.flush(ctx); err != nil {
			return err
		}

		cursor.ProcessedRows += int64(len(page))
		if lastID != "" {
			cursor.LastID = lastID
		}
		if err := b.config.Store.SaveBackfill(ctx, cursor); err != nil {
			return err
		}

		telemetry.BackfillRowsTotal.With(m.Name).Add(float64(len(page)))
		logBackfillProgress(m.Name, cursor, started)

		if len(page) < b.config.BatchSize {
			break
		}
	}

	cursor.Status = state.BackfillDone
	if err := b.config.Store.SaveBackfill(ctx, cursor); err != nil {
		return err
	}

	log.Info().
		Str("mapping", m.Name).
		Int64("rows", cursor.ProcessedRows).
		Dur("elapsed", time.Since(started)).
		Msg("Backfill complete")
	return nil
}

func (b *Backfill) loadCursor(ctx context.Context) (*state.BackfillCursor, error) {
	cursor, err := b.config.Store.GetBackfill(ctx, b.config.Mapping.Name)
	if err != nil {
		return nil, err
	}
	if cursor == nil || !b.config.Resume {
		return &state.BackfillCursor{
			MappingName: b.config.Mapping.Name,
			Status:      state.BackfillPending,
		}, nil
	}
	return cursor, nil
}

func logBackfillProgress(name string, cursor *state.BackfillCursor, started time.Time) {
	elapsed := time.Since(started).Seconds()
	rate := float64(cursor.ProcessedRows)
	if elapsed > 0 {
		rate = float64(cursor.ProcessedRows) / elapsed
	}

	event := log.Info().
		Str("mapping", name).
		Int64("processed", cursor.ProcessedRows).
		Float64("rows_per_sec", rate)
	if cursor.TotalRows > 0 {
		pct := float64(cursor.ProcessedRows) / float64(cursor.TotalRows) * 100
		event = event.Float64("percent", pct)
	}
	event.Msg("Backfill progress")
}

// PgRowSource scans a relation through pgx with keyset pagination.
type PgRowSource struct {
	pool    *pgxpool.Pool
	mapping *mapping.Mapping
}

// NewPgRowSource creates a scanner over the mapping's source relation.
func NewPgRowSource(pool *pgxpool.Pool, m *mapping.Mapping) *PgRowSource {
	return &PgRowSource{pool: pool, mapping: m}
}

// EstimateTotal reads the planner's row estimate; cheap and good enough
// for progress reporting.
func (p *PgRowSource) EstimateTotal(ctx context.Context) (int64, error) {
	var estimate int64
	err := p.pool.QueryRow(ctx,
		`SELECT reltuples::bigint FROM pg_class c
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 WHERE n.nspname = $1 AND c.relname = $2`,
		p.mapping.Source.Schema, p.mapping.Source.Table).Scan(&estimate)
	if err != nil {
		return 0, err
	}
	if estimate < 0 {
		estimate = 0
	}
	return estimate, nil
}

// buildPageQuery builds the keyset page query. The id column is always
// selected; an empty column list selects everything.
func buildPageQuery(m *mapping.Mapping, afterID string, limit int) (string, []any, error) {
	table := goqu.S(m.Source.Schema).Table(m.Source.Table)
	idCol := goqu.C(m.ID.Column)

	ds := qb.From(table).Order(idCol.Asc()).Limit(uint(limit))

	if len(m.Columns) > 0 {
		cols := []any{idCol}
		for _, c := range m.Columns {
			if c == m.ID.Column {
				continue
			}
			cols = append(cols, goqu.C(c))
		}
		ds = ds.Select(cols...)
	}

	if afterID != "" {
		ds = ds.Where(goqu.L("?::text > ?", idCol, afterID))
	}

	return ds.Prepared(true).ToSQL()
}

func (p *PgRowSource) NextPage(ctx context.Context, afterID string, limit int) ([]common.RowMap, error) {
	sql, args, err := buildPageQuery(p.mapping, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build page query: %w", err)
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("page query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []common.RowMap
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		row := make(common.RowMap, len(fields))
		for i, field := range fields {
			row[field.Name] = valueFromPg(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// valueFromPg maps pgx-decoded Go values onto the engine's value type so
// backfilled rows evaluate identically to WAL-decoded ones.
func valueFromPg(v any) common.Value {
	switch x := v.(type) {
	case nil:
		return common.Null()
	case bool:
		return common.Bool(x)
	case int16:
		return common.Int(int64(x))
	case int32:
		return common.Int(int64(x))
	case int64:
		return common.Int(x)
	case float32:
		return common.Float(float64(x))
	case float64:
		return common.Float(x)
	case string:
		return common.String(x)
	case []byte:
		return common.Bytes(x)
	case time.Time:
		return common.Timestamp(x)
	case [16]byte:
		return common.UUID(formatUUID(x))
	case map[string]any:
		return common.FromJSON(x)
	case []any:
		return common.FromJSON(x)
	default:
		return common.String(fmt.Sprintf("%v", x))
	}
}

func formatUUID(b [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
