package mapping

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/predicate"
)

// fileFormat mirrors the mapping migration TOML layout.
type fileFormat struct {
	Version     int               `toml:"version"`
	MappingName string            `toml:"mapping_name"`
	Namespace   string            `toml:"namespace"`
	Source      sourceSection     `toml:"source"`
	ID          idSection         `toml:"id"`
	Columns     []string          `toml:"columns"`
	Membership  membershipSection `toml:"membership"`
	Transform   transformSection  `toml:"transform"`
	Batching    batchingSection   `toml:"batching"`
	Versioning  versioningSection `toml:"versioning"`
}

type sourceSection struct {
	Schema string `toml:"schema"`
	Table  string `toml:"table"`
	// View is an alias for table; the relation is already pre-filtered.
	View string `toml:"view"`
}

type idSection struct {
	Column string `toml:"column"`
	Type   string `toml:"type"`
}

type membershipSection struct {
	Mode      string `toml:"mode"`
	Predicate string `toml:"predicate"`
}

type transformSection struct {
	Type  string `toml:"type"`
	Path  string `toml:"path"`
	Entry string `toml:"entry"`
}

type batchingSection struct {
	BatchMaxRows    int   `toml:"batch_max_rows"`
	BatchMaxBytes   int   `toml:"batch_max_bytes"`
	FlushIntervalMS int64 `toml:"flush_interval_ms"`
}

type versioningSection struct {
	Mode   string `toml:"mode"`
	Column string `toml:"column"`
}

// ParseFile loads and parses a mapping migration file.
func ParseFile(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	return Parse(string(data))
}

// Parse parses mapping TOML text. Unknown keys are rejected so typos do
// not silently change semantics. The returned mapping carries the content
// hash of the canonicalized text.
func Parse(text string) (*Mapping, error) {
	var raw fileFormat
	md, err := toml.Decode(text, &raw)
	if err != nil {
		return nil, fmt.Errorf("invalid mapping TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in mapping file: %s", strings.Join(keys, ", "))
	}

	if raw.MappingName == "" {
		return nil, fmt.Errorf("mapping_name is required")
	}
	if raw.Version < 1 {
		return nil, fmt.Errorf("mapping %q: version is required and must be >= 1", raw.MappingName)
	}

	table := raw.Source.Table
	if table == "" {
		table = raw.Source.View
	}

	idKind, err := common.ParseIDKind(raw.ID.Type)
	if err != nil {
		return nil, fmt.Errorf("mapping %q: %w", raw.MappingName, err)
	}

	membership, err := parseMembership(raw.MappingName, raw.Membership, raw.Source.View != "")
	if err != nil {
		return nil, err
	}

	batching := DefaultBatchConfig()
	if raw.Batching.BatchMaxRows > 0 {
		batching.MaxRows = raw.Batching.BatchMaxRows
	}
	if raw.Batching.BatchMaxBytes > 0 {
		batching.MaxBytes = raw.Batching.BatchMaxBytes
	}
	if raw.Batching.FlushIntervalMS > 0 {
		batching.FlushInterval = time.Duration(raw.Batching.FlushIntervalMS) * time.Millisecond
	}

	versioning := Versioning{Mode: VersionSourceLSN}
	switch raw.Versioning.Mode {
	case "", string(VersionSourceLSN):
	case string(VersionColumn):
		versioning = Versioning{Mode: VersionColumn, Column: raw.Versioning.Column}
	default:
		return nil, fmt.Errorf("mapping %q: unknown versioning mode %q", raw.MappingName, raw.Versioning.Mode)
	}

	var transform *TransformRef
	if raw.Transform.Type != "" && raw.Transform.Type != "identity" {
		transform = &TransformRef{
			Type:  raw.Transform.Type,
			Path:  raw.Transform.Path,
			Entry: raw.Transform.Entry,
		}
	}

	m := &Mapping{
		Name:       raw.MappingName,
		Version:    raw.Version,
		Namespace:  raw.Namespace,
		Source:     Source{Schema: raw.Source.Schema, Table: table},
		ID:         IDConfig{Column: raw.ID.Column, Kind: idKind},
		Columns:    raw.Columns,
		Membership: membership,
		Transform:  transform,
		Batching:   batching,
		Versioning: versioning,
	}

	hash, err := ContentHash(text)
	if err != nil {
		return nil, fmt.Errorf("mapping %q: %w", raw.MappingName, err)
	}
	m.ContentHash = hash

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseMembership(name string, raw membershipSection, isView bool) (Membership, error) {
	mode := MembershipMode(raw.Mode)
	if raw.Mode == "" {
		if isView {
			mode = MembershipView
		} else {
			mode = MembershipAll
		}
	}

	switch mode {
	case MembershipAll, MembershipView:
		return Membership{Mode: mode}, nil
	case MembershipDSL, MembershipLookup:
		if raw.Predicate == "" {
			return Membership{}, fmt.Errorf("mapping %q: membership mode %s requires a predicate", name, mode)
		}
		pred, err := predicate.ParseCached(raw.Predicate)
		if err != nil {
			return Membership{}, fmt.Errorf("mapping %q: invalid predicate: %w", name, err)
		}
		return Membership{Mode: mode, Expr: raw.Predicate, Predicate: pred}, nil
	default:
		return Membership{}, fmt.Errorf("mapping %q: unknown membership mode %q", name, raw.Mode)
	}
}
