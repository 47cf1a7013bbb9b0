// Package engine is the streaming core: it routes decoded changes to
// mappings, invokes transforms, groups actions into bounded batches,
// writes them conditionally, and advances checkpoints only after durable
// success. Backfill reuses the same path with synthesized events.
package engine

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/mapping"
	"github.com/lucasgelfond/puffgres/telemetry"
	"github.com/lucasgelfond/puffgres/transform"
)

// Route is what the router decided for one (event, mapping) pair.
type Route uint8

const (
	// RouteDrop means the row is not a member; nothing is emitted.
	RouteDrop Route = iota
	// RouteTransform means the event flows through the mapping's
	// transformer (inserts, member updates, real deletes).
	RouteTransform
	// RouteSyntheticDelete means membership was lost on an update; the
	// engine emits a delete of the old id without invoking the transform.
	RouteSyntheticDelete
)

func (r Route) String() string {
	switch r {
	case RouteDrop:
		return "drop"
	case RouteTransform:
		return "transform"
	case RouteSyntheticDelete:
		return "synthetic_delete"
	default:
		return "unknown"
	}
}

const lookupCacheSize = 4096

// Router dispatches each change to the mappings watching its relation and
// applies the membership matrix.
type Router struct {
	registry *mapping.Registry
	lookup   transform.RowLookup
	// lookupCache short-circuits repeated lookup-mode reads for the same
	// row version, keyed by a hash of (relation, id, lsn).
	lookupCache *lru.Cache[uint64, common.RowMap]
}

// NewRouter creates a router. The lookup is only required when a
// lookup-mode mapping is registered.
func NewRouter(registry *mapping.Registry, lookup transform.RowLookup) *Router {
	cache, err := lru.New[uint64, common.RowMap](lookupCacheSize)
	if err != nil {
		panic("failed to create lookup cache: " + err.Error())
	}
	return &Router{registry: registry, lookup: lookup, lookupCache: cache}
}

// Matches returns the mappings watching an event's relation. A single
// change may fan out to several mappings.
func (r *Router) Matches(event *common.RowEvent) []*mapping.Mapping {
	return r.registry.ForSource(event.Schema, event.Table)
}

// Decide applies the membership matrix for one mapping:
//
//	prev \ new | in              | out
//	-----------+-----------------+------------------
//	in         | transform       | synthetic delete
//	out        | transform       | drop
//
// Inserts have no prev; deletes have no new (membership of the old row
// decides). When the old image cannot prove prior non-membership (partial
// replica identity), the conservative side is taken: a conditional delete
// is harmless, a dropped delete is not.
func (r *Router) Decide(ctx context.Context, m *mapping.Mapping, event *common.RowEvent) (Route, error) {
	switch m.Membership.Mode {
	case mapping.MembershipAll, mapping.MembershipView:
		return RouteTransform, nil
	case mapping.MembershipDSL:
		return r.decideDSL(m, event), nil
	case mapping.MembershipLookup:
		return r.decideLookup(ctx, m, event)
	default:
		return RouteDrop, fmt.Errorf("mapping %q: unknown membership mode %q", m.Name, m.Membership.Mode)
	}
}

func (r *Router) decideDSL(m *mapping.Mapping, event *common.RowEvent) Route {
	pred := m.Membership.Predicate

	switch event.Op {
	case common.OpInsert:
		if pred.Evaluate(event.New) {
			return RouteTransform
		}
		return RouteDrop

	case common.OpUpdate:
		if pred.Evaluate(event.New) {
			return RouteTransform
		}
		// New row is out. Emit a delete unless the old image proves the
		// row was already out.
		if provablyOut(pred, event.Old) {
			return RouteDrop
		}
		return RouteSyntheticDelete

	case common.OpDelete:
		if provablyOut(pred, event.Old) {
			return RouteDrop
		}
		return RouteTransform
	}
	return RouteDrop
}

// provablyOut reports whether the old row image contains every column the
// predicate references and evaluates to non-membership.
func provablyOut(pred interface {
	Evaluate(common.RowMap) bool
	Columns() []string
}, old common.RowMap) bool {
	if old == nil {
		return false
	}
	for _, col := range pred.Columns() {
		if _, ok := old[col]; !ok {
			return false
		}
	}
	return !pred.Evaluate(old)
}

// decideLookup re-reads the current row by primary key and evaluates the
// predicate against live state. A row that is currently out of membership
// is deleted from the target regardless of what the event said.
func (r *Router) decideLookup(ctx context.Context, m *mapping.Mapping, event *common.RowEvent) (Route, error) {
	if event.Op == common.OpDelete {
		return RouteTransform, nil
	}
	if r.lookup == nil {
		return RouteDrop, fmt.Errorf("mapping %q uses lookup membership but no row lookup is configured", m.Name)
	}

	id, err := m.ExtractID(event)
	if err != nil {
		return RouteDrop, err
	}

	key := xxhash.Sum64String(fmt.Sprintf("%s|%s|%d", event.Relation(), id.Key(), event.LSN))
	row, ok := r.lookupCache.Get(key)
	if !ok {
		row, err = r.lookup.LookupRow(ctx, event.Schema, event.Table, id)
		if err != nil {
			return RouteDrop, fmt.Errorf("mapping %q: row lookup failed: %w", m.Name, err)
		}
		if row != nil {
			r.lookupCache.Add(key, row)
		}
	}

	if row == nil {
		// Row vanished between the WAL record and now.
		return RouteSyntheticDelete, nil
	}
	if m.Membership.Predicate.Evaluate(row) {
		return RouteTransform, nil
	}
	return RouteSyntheticDelete, nil
}

// SyntheticDelete builds the engine-side delete emitted when membership is
// lost. The id comes from the old row when present (the pre-update key),
// falling back to the new row.
func SyntheticDelete(m *mapping.Mapping, event *common.RowEvent) (common.Action, error) {
	idEvent := event
	if event.Old != nil {
		if _, ok := event.Old[m.ID.Column]; ok {
			idEvent = &common.RowEvent{Op: common.OpDelete, Old: event.Old}
		}
	}
	id, err := m.ExtractID(idEvent)
	if err != nil {
		// Fall back to the new row's id.
		id, err = m.ExtractID(event)
		if err != nil {
			return common.Action{}, err
		}
	}

	token, err := m.VersionToken(event)
	if err != nil {
		token = common.Int(int64(event.LSN))
	}
	telemetry.ActionsTotal.With(m.Name, "synthetic_delete").Inc()
	return common.Delete(id, token), nil
}
