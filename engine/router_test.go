package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/mapping"
)

func dslMapping(t *testing.T, name, pred string) *mapping.Mapping {
	t.Helper()
	m, err := mapping.Parse(fmt.Sprintf(`
version = 1
mapping_name = %q
namespace = %q
columns = ["name", "status"]
[source]
schema = "public"
table = "users"
[id]
column = "id"
type = "uint"
[membership]
mode = "dsl"
predicate = %q
`, name, name, pred))
	require.NoError(t, err)
	return m
}

func allMapping(t *testing.T, name string) *mapping.Mapping {
	t.Helper()
	m, err := mapping.Parse(fmt.Sprintf(`
version = 1
mapping_name = %q
namespace = %q
[source]
schema = "public"
table = "users"
[id]
column = "id"
type = "uint"
`, name, name))
	require.NoError(t, err)
	return m
}

func newTestRouter(t *testing.T, mappings ...*mapping.Mapping) *Router {
	t.Helper()
	registry := mapping.NewRegistry()
	for _, m := range mappings {
		require.NoError(t, registry.Add(m))
	}
	return NewRouter(registry, nil)
}

func TestRouterMatchesRelation(t *testing.T) {
	r := newTestRouter(t, allMapping(t, "users"))

	event := &common.RowEvent{Op: common.OpInsert, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(1)}}
	assert.Len(t, r.Matches(event), 1)

	other := &common.RowEvent{Op: common.OpInsert, Schema: "public", Table: "posts",
		New: common.RowMap{"id": common.Int(1)}}
	assert.Empty(t, r.Matches(other))
}

func TestRouterFanOut(t *testing.T) {
	r := newTestRouter(t,
		dslMapping(t, "active_users", "status = 'active'"),
		dslMapping(t, "all_named", "name IS NOT NULL"),
	)

	event := &common.RowEvent{Op: common.OpInsert, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(1), "status": common.String("active"), "name": common.String("A")}}
	assert.Len(t, r.Matches(event), 2)
}

func TestDecideInsert(t *testing.T) {
	m := dslMapping(t, "active", "status = 'active'")
	r := newTestRouter(t, m)
	ctx := context.Background()

	in := &common.RowEvent{Op: common.OpInsert, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(1), "status": common.String("active")}}
	route, err := r.Decide(ctx, m, in)
	require.NoError(t, err)
	assert.Equal(t, RouteTransform, route)

	out := &common.RowEvent{Op: common.OpInsert, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(2), "status": common.String("inactive")}}
	route, err = r.Decide(ctx, m, out)
	require.NoError(t, err)
	assert.Equal(t, RouteDrop, route)
}

func TestDecideUpdateMatrix(t *testing.T) {
	m := dslMapping(t, "active", "status = 'active'")
	r := newTestRouter(t, m)
	ctx := context.Background()

	// in -> in and out -> in both emit through transform.
	stillIn := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(1), "status": common.String("active")},
		Old: common.RowMap{"id": common.Int(1), "status": common.String("active")}}
	route, err := r.Decide(ctx, m, stillIn)
	require.NoError(t, err)
	assert.Equal(t, RouteTransform, route)

	nowIn := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(1), "status": common.String("active")},
		Old: common.RowMap{"id": common.Int(1), "status": common.String("inactive")}}
	route, err = r.Decide(ctx, m, nowIn)
	require.NoError(t, err)
	assert.Equal(t, RouteTransform, route)

	// in -> out emits the synthetic delete.
	nowOut := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(1), "status": common.String("inactive")},
		Old: common.RowMap{"id": common.Int(1), "status": common.String("active")}}
	route, err = r.Decide(ctx, m, nowOut)
	require.NoError(t, err)
	assert.Equal(t, RouteSyntheticDelete, route)

	// out -> out with a full old image drops.
	stillOut := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(1), "status": common.String("inactive")},
		Old: common.RowMap{"id": common.Int(1), "status": common.String("inactive")}}
	route, err = r.Decide(ctx, m, stillOut)
	require.NoError(t, err)
	assert.Equal(t, RouteDrop, route)

	// Old image missing the predicate column cannot prove prior
	// non-membership: the conservative synthetic delete is emitted.
	partialOld := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(1), "status": common.String("inactive")},
		Old: common.RowMap{"id": common.Int(1)}}
	route, err = r.Decide(ctx, m, partialOld)
	require.NoError(t, err)
	assert.Equal(t, RouteSyntheticDelete, route)
}

func TestDecideDelete(t *testing.T) {
	m := dslMapping(t, "active", "status = 'active'")
	r := newTestRouter(t, m)
	ctx := context.Background()

	wasIn := &common.RowEvent{Op: common.OpDelete, Schema: "public", Table: "users",
		Old: common.RowMap{"id": common.Int(1), "status": common.String("active")}}
	route, err := r.Decide(ctx, m, wasIn)
	require.NoError(t, err)
	assert.Equal(t, RouteTransform, route)

	wasOut := &common.RowEvent{Op: common.OpDelete, Schema: "public", Table: "users",
		Old: common.RowMap{"id": common.Int(1), "status": common.String("inactive")}}
	route, err = r.Decide(ctx, m, wasOut)
	require.NoError(t, err)
	assert.Equal(t, RouteDrop, route)

	// PK-only identity: delete passes through.
	pkOnly := &common.RowEvent{Op: common.OpDelete, Schema: "public", Table: "users",
		Old: common.RowMap{"id": common.Int(1)}}
	route, err = r.Decide(ctx, m, pkOnly)
	require.NoError(t, err)
	assert.Equal(t, RouteTransform, route)
}

func TestDecideScenarioArchived(t *testing.T) {
	// Update where the old row was a member and the new row is archived
	// must emit a delete for the old id.
	m := dslMapping(t, "live_docs", "deleted_at IS NULL AND archived = false")
	r := newTestRouter(t, m)

	event := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(9), "archived": common.Bool(true), "deleted_at": common.Null()},
		Old: common.RowMap{"id": common.Int(9), "archived": common.Bool(false), "deleted_at": common.Null()}}

	route, err := r.Decide(context.Background(), m, event)
	require.NoError(t, err)
	assert.Equal(t, RouteSyntheticDelete, route)

	action, err := SyntheticDelete(m, event)
	require.NoError(t, err)
	assert.Equal(t, common.ActionDelete, action.Type)
	assert.Equal(t, "9", action.ID.Key())
}

func TestDecideViewAndAll(t *testing.T) {
	all := allMapping(t, "everything")
	r := newTestRouter(t, all)

	event := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(1)}}
	route, err := r.Decide(context.Background(), all, event)
	require.NoError(t, err)
	assert.Equal(t, RouteTransform, route)
}

// stubLookup returns canned rows per id key.
type stubLookup struct {
	rows  map[string]common.RowMap
	calls int
}

func (s *stubLookup) LookupRow(_ context.Context, _, _ string, id common.DocumentID) (common.RowMap, error) {
	s.calls++
	row, ok := s.rows[id.Key()]
	if !ok {
		return nil, nil
	}
	return row, nil
}

func lookupMapping(t *testing.T) *mapping.Mapping {
	t.Helper()
	m, err := mapping.Parse(`
version = 1
mapping_name = "fresh"
namespace = "fresh"
[source]
schema = "public"
table = "users"
[id]
column = "id"
type = "uint"
[membership]
mode = "lookup"
predicate = "status = 'active'"
`)
	require.NoError(t, err)
	return m
}

func TestDecideLookup(t *testing.T) {
	m := lookupMapping(t)
	registry := mapping.NewRegistry()
	require.NoError(t, registry.Add(m))

	lookup := &stubLookup{rows: map[string]common.RowMap{
		"1": {"id": common.Int(1), "status": common.String("active")},
		"2": {"id": common.Int(2), "status": common.String("inactive")},
	}}
	r := NewRouter(registry, lookup)
	ctx := context.Background()

	// Live row is a member.
	in := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users", LSN: 5,
		New: common.RowMap{"id": common.Int(1), "status": common.String("stale")}}
	route, err := r.Decide(ctx, m, in)
	require.NoError(t, err)
	assert.Equal(t, RouteTransform, route)

	// Live row is out: remove it from the target.
	out := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users", LSN: 6,
		New: common.RowMap{"id": common.Int(2), "status": common.String("active")}}
	route, err = r.Decide(ctx, m, out)
	require.NoError(t, err)
	assert.Equal(t, RouteSyntheticDelete, route)

	// Row vanished entirely.
	gone := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users", LSN: 7,
		New: common.RowMap{"id": common.Int(3), "status": common.String("active")}}
	route, err = r.Decide(ctx, m, gone)
	require.NoError(t, err)
	assert.Equal(t, RouteSyntheticDelete, route)

	// Deletes skip the lookup.
	del := &common.RowEvent{Op: common.OpDelete, Schema: "public", Table: "users", LSN: 8,
		Old: common.RowMap{"id": common.Int(1)}}
	route, err = r.Decide(ctx, m, del)
	require.NoError(t, err)
	assert.Equal(t, RouteTransform, route)
}

func TestDecideLookupCaching(t *testing.T) {
	m := lookupMapping(t)
	registry := mapping.NewRegistry()
	require.NoError(t, registry.Add(m))

	lookup := &stubLookup{rows: map[string]common.RowMap{
		"1": {"id": common.Int(1), "status": common.String("active")},
	}}
	r := NewRouter(registry, lookup)

	event := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users", LSN: 5,
		New: common.RowMap{"id": common.Int(1)}}

	_, err := r.Decide(context.Background(), m, event)
	require.NoError(t, err)
	_, err = r.Decide(context.Background(), m, event)
	require.NoError(t, err)
	assert.Equal(t, 1, lookup.calls)
}

func TestSyntheticDeleteUsesOldID(t *testing.T) {
	m := dslMapping(t, "active", "status = 'active'")

	// Primary key changed in the update; the delete targets the old key.
	event := &common.RowEvent{Op: common.OpUpdate, Schema: "public", Table: "users", LSN: 30,
		New: common.RowMap{"id": common.Int(2), "status": common.String("inactive")},
		Old: common.RowMap{"id": common.Int(1), "status": common.String("active")}}

	action, err := SyntheticDelete(m, event)
	require.NoError(t, err)
	assert.Equal(t, "1", action.ID.Key())
	assert.True(t, action.VersionToken.Equal(common.Int(30)))
}
