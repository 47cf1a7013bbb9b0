package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasgelfond/puffgres/common"
)

// PgRowLookup reads the current row for a primary key from the source
// database. It backs lookup-mode membership and the transform context's
// row helper.
type PgRowLookup struct {
	pool *pgxpool.Pool
	// idColumns maps "schema.table" to the primary-key column to query.
	idColumns map[string]string
}

// NewPgRowLookup creates a lookup over the given relations.
func NewPgRowLookup(pool *pgxpool.Pool, idColumns map[string]string) *PgRowLookup {
	return &PgRowLookup{pool: pool, idColumns: idColumns}
}

// LookupRow fetches the live row; nil when it no longer exists.
func (l *PgRowLookup) LookupRow(ctx context.Context, schema, table string, id common.DocumentID) (common.RowMap, error) {
	relation := schema + "." + table
	idCol, ok := l.idColumns[relation]
	if !ok {
		return nil, fmt.Errorf("no id column registered for relation %s", relation)
	}

	sql, args, err := qb.From(goqu.S(schema).Table(table)).
		Where(goqu.L("?::text = ?", goqu.C(idCol), id.Key())).
		Limit(1).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build lookup query: %w", err)
	}

	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup query failed: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, nil
	}

	fields := rows.FieldDescriptions()
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read looked-up row: %w", err)
	}
	row := make(common.RowMap, len(fields))
	for i, field := range fields {
		row[field.Name] = valueFromPg(values[i])
	}
	return row, nil
}
