package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasgelfond/puffgres/common"
)

func TestDLQEntryEvent(t *testing.T) {
	event := common.RowEvent{
		Op:     common.OpInsert,
		Schema: "public",
		Table:  "users",
		New:    common.RowMap{"id": common.Int(1), "status": common.String("active")},
		LSN:    10,
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	entry := &DLQEntry{ID: 1, MappingName: "users", LSN: 10, EventJSON: raw, ErrorKind: common.ErrTransform}
	back, err := entry.Event()
	require.NoError(t, err)
	assert.Equal(t, common.OpInsert, back.Op)
	assert.Equal(t, common.LSN(10), back.LSN)
	assert.True(t, back.New["status"].Equal(common.String("active")))
}

func TestDLQEntryEventMalformed(t *testing.T) {
	entry := &DLQEntry{ID: 2, EventJSON: []byte("{")}
	_, err := entry.Event()
	assert.Error(t, err)
}

func TestHasGlobMeta(t *testing.T) {
	assert.False(t, hasGlobMeta("users"))
	assert.True(t, hasGlobMeta("users_*"))
	assert.True(t, hasGlobMeta("user?"))
	assert.True(t, hasGlobMeta("{a,b}"))
}

func TestBuildDLQListQueryExact(t *testing.T) {
	sql, args, matcher, err := buildDLQListQuery("users", 10)
	require.NoError(t, err)
	assert.Nil(t, matcher)
	assert.Contains(t, sql, "mapping_name")
	assert.Contains(t, sql, "LIMIT")
	assert.Equal(t, []any{"users"}, args[:1])
}

func TestBuildDLQListQueryGlob(t *testing.T) {
	sql, _, matcher, err := buildDLQListQuery("users_*", 10)
	require.NoError(t, err)
	require.NotNil(t, matcher)
	// Glob filtering happens client-side; no mapping filter or limit in SQL.
	assert.NotContains(t, sql, "mapping_name\" =")
	assert.NotContains(t, sql, "LIMIT")
	assert.True(t, matcher.Match("users_search"))
	assert.False(t, matcher.Match("posts"))
}

func TestBuildDLQListQueryBadGlob(t *testing.T) {
	_, _, _, err := buildDLQListQuery("[", 10)
	assert.Error(t, err)
}

func TestNullHelpers(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	require.NotNil(t, nullIfEmpty("x"))
	assert.Equal(t, "x", *nullIfEmpty("x"))

	assert.Nil(t, nullIfZero(0))
	require.NotNil(t, nullIfZero(5))
	assert.Equal(t, int64(5), *nullIfZero(5))
}
