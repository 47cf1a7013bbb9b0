package source

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lucasgelfond/puffgres/common"
)

const guardCacheSize = 512

// SchemaGuard watches decoded full-row frames and fails fast when a DDL
// change drops or renames a column a mapping depends on. A missing tracked
// column cannot be distinguished from bad configuration downstream, so it
// is fatal here rather than a silent per-row skip.
type SchemaGuard struct {
	// tracked maps "schema.table" to the columns mappings require there.
	tracked map[string][]string
	// seen caches relations already validated against the current column
	// set, keyed by relation plus the observed column fingerprint.
	seen *lru.Cache[string, struct{}]
}

// NewSchemaGuard builds a guard for the given tracked columns per
// relation.
func NewSchemaGuard(tracked map[string][]string) *SchemaGuard {
	cache, err := lru.New[string, struct{}](guardCacheSize)
	if err != nil {
		panic("failed to create schema guard cache: " + err.Error())
	}
	return &SchemaGuard{tracked: tracked, seen: cache}
}

// Check validates an event's new row against the tracked columns for its
// relation. Delete events carry only replica identity and are not checked.
func (g *SchemaGuard) Check(event *common.RowEvent) error {
	if event.Op == common.OpDelete || event.New == nil {
		return nil
	}

	relation := event.Relation()
	required, ok := g.tracked[relation]
	if !ok {
		return nil
	}

	key := relation + "|" + columnFingerprint(event.New)
	if _, ok := g.seen.Get(key); ok {
		return nil
	}

	var missing []string
	for _, col := range required {
		if _, ok := event.New[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf(
			"relation %s no longer has tracked column(s) %s; a DDL change dropped or renamed them",
			relation, strings.Join(missing, ", "))
	}

	g.seen.Add(key, struct{}{})
	return nil
}

func columnFingerprint(row common.RowMap) string {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return strings.Join(cols, ",")
}
