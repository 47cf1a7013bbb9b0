package source

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucasgelfond/puffgres/common"
)

// wal2json format-version 2 frames. Unknown fields are tolerated.
type walFrame struct {
	Action    string      `json:"action"`
	Schema    string      `json:"schema"`
	Table     string      `json:"table"`
	Columns   []walColumn `json:"columns"`
	Identity  []walColumn `json:"identity"`
	Timestamp string      `json:"timestamp"`
	NextLSN   string      `json:"nextlsn"`
	XID       uint64      `json:"xid"`
}

type walColumn struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// DecodeFrame decodes one wal2json v2 frame at the given position.
// Transaction frames (B/C) and truncates yield a nil event without error.
func DecodeFrame(data []byte, lsn common.LSN, xid uint64) (*common.RowEvent, error) {
	var frame walFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed wal2json frame: %w", err)
	}

	switch frame.Action {
	case "B", "C", "T", "M":
		return nil, nil
	case "I", "U", "D":
	default:
		return nil, fmt.Errorf("unknown wal2json action %q", frame.Action)
	}

	if frame.Table == "" {
		return nil, fmt.Errorf("wal2json frame missing table")
	}
	schema := frame.Schema
	if schema == "" {
		schema = "public"
	}

	event := &common.RowEvent{
		Schema: schema,
		Table:  frame.Table,
		LSN:    lsn,
		XID:    frame.XID,
	}
	if event.XID == 0 {
		event.XID = xid
	}
	if frame.Timestamp != "" {
		if ts, err := parseWalTimestamp(frame.Timestamp); err == nil {
			event.CommitTime = ts
		}
	}

	switch frame.Action {
	case "I":
		event.Op = common.OpInsert
	case "U":
		event.Op = common.OpUpdate
	case "D":
		event.Op = common.OpDelete
	}

	if frame.Columns != nil {
		row, err := decodeColumns(frame.Columns)
		if err != nil {
			return nil, err
		}
		event.New = row
	}
	if frame.Identity != nil {
		row, err := decodeColumns(frame.Identity)
		if err != nil {
			return nil, err
		}
		event.Old = row
	}

	if event.Op != common.OpDelete && event.New == nil {
		return nil, fmt.Errorf("wal2json %s frame for %s has no columns", frame.Action, event.Relation())
	}
	if event.Op == common.OpDelete && event.Old == nil {
		return nil, fmt.Errorf("wal2json delete frame for %s has no identity", event.Relation())
	}

	return event, nil
}

func decodeColumns(cols []walColumn) (common.RowMap, error) {
	row := make(common.RowMap, len(cols))
	for _, col := range cols {
		v, err := decodeColumnValue(col)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		row[col.Name] = v
	}
	return row, nil
}

// decodeColumnValue coerces a wal2json value using the declared Postgres
// type, so the same row evaluates identically whether it came off the WAL
// or a backfill scan.
func decodeColumnValue(col walColumn) (common.Value, error) {
	if len(col.Value) == 0 || string(col.Value) == "null" {
		return common.Null(), nil
	}

	baseType := col.Type
	if i := strings.IndexByte(baseType, '('); i >= 0 {
		baseType = baseType[:i]
	}
	baseType = strings.TrimSpace(baseType)

	switch baseType {
	case "smallint", "integer", "bigint", "smallserial", "serial", "bigserial", "oid":
		var i int64
		if err := json.Unmarshal(col.Value, &i); err != nil {
			return common.Null(), fmt.Errorf("cannot decode %s as integer: %w", col.Value, err)
		}
		return common.Int(i), nil

	case "real", "double precision", "numeric", "decimal":
		var f float64
		if err := json.Unmarshal(col.Value, &f); err != nil {
			// Large numerics are emitted as strings; keep them intact.
			var s string
			if serr := json.Unmarshal(col.Value, &s); serr == nil {
				return common.String(s), nil
			}
			return common.Null(), fmt.Errorf("cannot decode %s as numeric: %w", col.Value, err)
		}
		return common.Float(f), nil

	case "boolean":
		var b bool
		if err := json.Unmarshal(col.Value, &b); err != nil {
			return common.Null(), fmt.Errorf("cannot decode %s as boolean: %w", col.Value, err)
		}
		return common.Bool(b), nil

	case "uuid":
		var s string
		if err := json.Unmarshal(col.Value, &s); err != nil {
			return common.Null(), fmt.Errorf("cannot decode %s as uuid: %w", col.Value, err)
		}
		return common.UUID(s), nil

	case "bytea":
		var s string
		if err := json.Unmarshal(col.Value, &s); err != nil {
			return common.Null(), fmt.Errorf("cannot decode %s as bytea: %w", col.Value, err)
		}
		raw, err := decodeByteaHex(s)
		if err != nil {
			return common.Null(), err
		}
		return common.Bytes(raw), nil

	case "timestamp without time zone", "timestamp with time zone", "date", "timestamp", "timestamptz":
		var s string
		if err := json.Unmarshal(col.Value, &s); err != nil {
			return common.Null(), fmt.Errorf("cannot decode %s as timestamp: %w", col.Value, err)
		}
		ts, err := parseWalTimestamp(s)
		if err != nil {
			return common.Null(), err
		}
		return common.Timestamp(ts), nil

	case "json", "jsonb":
		var raw any
		dec := json.NewDecoder(strings.NewReader(string(col.Value)))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return common.Null(), fmt.Errorf("cannot decode %s as json: %w", col.Value, err)
		}
		// jsonb values arrive either as embedded JSON or a JSON string
		// holding JSON; unwrap the latter.
		if s, ok := raw.(string); ok {
			inner := json.NewDecoder(strings.NewReader(s))
			inner.UseNumber()
			var unwrapped any
			if err := inner.Decode(&unwrapped); err == nil {
				raw = unwrapped
			}
		}
		return common.FromJSON(raw), nil

	default:
		// text, varchar, char, enums, intervals and everything else keep
		// the JSON shape wal2json gave them.
		dec := json.NewDecoder(strings.NewReader(string(col.Value)))
		dec.UseNumber()
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return common.Null(), fmt.Errorf("cannot decode %s: %w", col.Value, err)
		}
		return common.FromJSON(raw), nil
	}
}

func decodeByteaHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, `\x`)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid bytea hex: %w", err)
	}
	return raw, nil
}

// walTimestampLayouts covers the formats wal2json emits.
var walTimestampLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
	time.RFC3339Nano,
}

func parseWalTimestamp(s string) (time.Time, error) {
	for _, layout := range walTimestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
