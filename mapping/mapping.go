// Package mapping holds canonical, hashable mapping definitions binding
// one source relation to one target namespace.
package mapping

import (
	"fmt"
	"time"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/predicate"
)

// MembershipMode selects how row membership is decided.
type MembershipMode string

const (
	// MembershipAll includes every row.
	MembershipAll MembershipMode = "all"
	// MembershipDSL evaluates a predicate expression against row data.
	MembershipDSL MembershipMode = "dsl"
	// MembershipView means the source relation already pre-filters.
	MembershipView MembershipMode = "view"
	// MembershipLookup re-reads the current row by primary key before
	// evaluating the predicate.
	MembershipLookup MembershipMode = "lookup"
)

// VersioningMode selects the version token used for conditional writes.
type VersioningMode string

const (
	// VersionSourceLSN uses the change's WAL position.
	VersionSourceLSN VersioningMode = "source_lsn"
	// VersionColumn uses a column from the row.
	VersionColumn VersioningMode = "column"
)

// Source identifies the watched relation.
type Source struct {
	Schema string
	Table  string
}

// Matches reports whether an event's relation equals this source.
func (s Source) Matches(schema, table string) bool {
	return s.Schema == schema && s.Table == table
}

func (s Source) String() string {
	return s.Schema + "." + s.Table
}

// IDConfig declares the id column and its shape.
type IDConfig struct {
	Column string
	Kind   common.IDKind
}

// Membership is the compiled membership configuration.
type Membership struct {
	Mode MembershipMode
	// Expr is the original predicate text (dsl/lookup modes).
	Expr string
	// Predicate is the compiled expression (dsl/lookup modes).
	Predicate predicate.Predicate
}

// TransformRef references a user transform registered at apply time.
type TransformRef struct {
	Type  string
	Path  string
	Entry string
}

// BatchConfig bounds an open batch.
type BatchConfig struct {
	MaxRows       int
	MaxBytes      int
	FlushInterval time.Duration
}

// DefaultBatchConfig matches the documented batcher defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxRows:       1000,
		MaxBytes:      4 * 1024 * 1024,
		FlushInterval: time.Second,
	}
}

// Versioning selects the anti-regression token.
type Versioning struct {
	Mode   VersioningMode
	Column string
}

// Mapping is an immutable applied mapping. (Name, Version) is unique and
// the ContentHash recorded at apply time pins the on-disk text.
type Mapping struct {
	Name        string
	Version     int
	Namespace   string
	Source      Source
	ID          IDConfig
	Columns     []string
	Membership  Membership
	Transform   *TransformRef
	Batching    BatchConfig
	Versioning  Versioning
	ContentHash string
}

// Key renders the unique (name, version) identity.
func (m *Mapping) Key() string {
	return fmt.Sprintf("%s@%d", m.Name, m.Version)
}

// VersionToken computes the conditional-write token for an event.
// source_lsn mode uses the WAL position; column mode reads the configured
// column from the event's row.
func (m *Mapping) VersionToken(event *common.RowEvent) (common.Value, error) {
	switch m.Versioning.Mode {
	case VersionColumn:
		row := event.Row()
		v, ok := row[m.Versioning.Column]
		if !ok {
			return common.Null(), fmt.Errorf("version column %q missing from row", m.Versioning.Column)
		}
		return v, nil
	default:
		return common.Int(int64(event.LSN)), nil
	}
}

// VersionAttribute is the target attribute holding the version token.
func (m *Mapping) VersionAttribute() string {
	if m.Versioning.Mode == VersionColumn {
		return m.Versioning.Column
	}
	return "__source_lsn"
}

// ExtractID reads the document id from an event using the id config.
func (m *Mapping) ExtractID(event *common.RowEvent) (common.DocumentID, error) {
	row := event.Row()
	if row == nil {
		return common.DocumentID{}, fmt.Errorf("event has no row data for id extraction")
	}
	v, ok := row[m.ID.Column]
	if !ok {
		return common.DocumentID{}, fmt.Errorf("id column %q missing from row", m.ID.Column)
	}

	switch m.ID.Kind {
	case common.IDUint:
		if i, ok := v.AsInt(); ok && i >= 0 {
			return common.UintID(uint64(i)), nil
		}
	case common.IDInt:
		if i, ok := v.AsInt(); ok {
			return common.IntID(i), nil
		}
	case common.IDUUID:
		if s, ok := v.AsString(); ok {
			return common.UUIDID(s), nil
		}
	case common.IDString:
		if s, ok := v.AsString(); ok {
			return common.StringID(s), nil
		}
		if i, ok := v.AsInt(); ok {
			return common.StringID(fmt.Sprintf("%d", i)), nil
		}
	}
	return common.DocumentID{}, fmt.Errorf("id column %q: cannot read %s as %s", m.ID.Column, v.Kind(), m.ID.Kind)
}

// Validate checks structural invariants an applied mapping must satisfy.
func (m *Mapping) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("mapping name is required")
	}
	if m.Version < 1 {
		return fmt.Errorf("mapping %q: version must be >= 1", m.Name)
	}
	if m.Namespace == "" {
		return fmt.Errorf("mapping %q: namespace is required", m.Name)
	}
	if m.Source.Schema == "" || m.Source.Table == "" {
		return fmt.Errorf("mapping %q: source schema and table are required", m.Name)
	}
	if m.ID.Column == "" {
		return fmt.Errorf("mapping %q: id column is required", m.Name)
	}
	switch m.Membership.Mode {
	case MembershipAll, MembershipView:
	case MembershipDSL, MembershipLookup:
		if m.Membership.Predicate == nil {
			return fmt.Errorf("mapping %q: membership mode %s requires a predicate", m.Name, m.Membership.Mode)
		}
	default:
		return fmt.Errorf("mapping %q: unknown membership mode %q", m.Name, m.Membership.Mode)
	}
	if m.Versioning.Mode == VersionColumn && m.Versioning.Column == "" {
		return fmt.Errorf("mapping %q: versioning mode column requires a column name", m.Name)
	}
	if m.Batching.MaxRows <= 0 || m.Batching.MaxBytes <= 0 {
		return fmt.Errorf("mapping %q: batch bounds must be positive", m.Name)
	}
	return nil
}
