package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasgelfond/puffgres/common"
)

func TestDecodeInsert(t *testing.T) {
	data := `{"action":"I","schema":"public","table":"users","columns":[{"name":"id","type":"integer","value":1},{"name":"name","type":"text","value":"Alice"}]}`

	event, err := DecodeFrame([]byte(data), 100, 7)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, common.OpInsert, event.Op)
	assert.Equal(t, "public", event.Schema)
	assert.Equal(t, "users", event.Table)
	assert.Equal(t, common.LSN(100), event.LSN)
	assert.Equal(t, uint64(7), event.XID)
	assert.True(t, event.New["id"].Equal(common.Int(1)))
	assert.True(t, event.New["name"].Equal(common.String("Alice")))
	assert.Nil(t, event.Old)
}

func TestDecodeUpdate(t *testing.T) {
	data := `{"action":"U","schema":"public","table":"users","columns":[{"name":"id","type":"integer","value":1},{"name":"name","type":"text","value":"Bob"}],"identity":[{"name":"id","type":"integer","value":1}]}`

	event, err := DecodeFrame([]byte(data), 100, 0)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, common.OpUpdate, event.Op)
	assert.True(t, event.New["name"].Equal(common.String("Bob")))
	assert.True(t, event.Old["id"].Equal(common.Int(1)))
}

func TestDecodeDelete(t *testing.T) {
	data := `{"action":"D","schema":"public","table":"users","identity":[{"name":"id","type":"integer","value":1}]}`

	event, err := DecodeFrame([]byte(data), 100, 0)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, common.OpDelete, event.Op)
	assert.Nil(t, event.New)
	assert.True(t, event.Old["id"].Equal(common.Int(1)))
}

func TestDecodeTransactionFrames(t *testing.T) {
	for _, data := range []string{
		`{"action":"B"}`,
		`{"action":"C","nextlsn":"0/16B3748"}`,
		`{"action":"T","schema":"public","table":"users"}`,
	} {
		event, err := DecodeFrame([]byte(data), 100, 0)
		require.NoError(t, err)
		assert.Nil(t, event)
	}
}

func TestDecodeUnknownFieldsTolerated(t *testing.T) {
	data := `{"action":"I","schema":"public","table":"users","pk":[{"name":"id"}],"future_field":true,"columns":[{"name":"id","type":"integer","value":1,"position":1}]}`

	event, err := DecodeFrame([]byte(data), 100, 0)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.True(t, event.New["id"].Equal(common.Int(1)))
}

func TestDecodeMalformed(t *testing.T) {
	for _, data := range []string{
		`not json`,
		`{"action":"X","table":"t","columns":[]}`,
		`{"action":"I","columns":[{"name":"id","type":"integer","value":1}]}`, // no table
		`{"action":"I","schema":"public","table":"users"}`,                    // no columns
		`{"action":"D","schema":"public","table":"users"}`,                    // no identity
		`{"action":"I","schema":"public","table":"users","columns":[{"name":"id","type":"integer","value":"NaN"}]}`,
	} {
		_, err := DecodeFrame([]byte(data), 100, 0)
		assert.Error(t, err, "data %s", data)
	}
}

func TestDecodeTypeCoercion(t *testing.T) {
	data := `{"action":"I","schema":"public","table":"t","columns":[
		{"name":"small","type":"smallint","value":3},
		{"name":"big","type":"bigint","value":9007199254740993},
		{"name":"ratio","type":"double precision","value":0.5},
		{"name":"price","type":"numeric(10,2)","value":19.99},
		{"name":"ok","type":"boolean","value":true},
		{"name":"uid","type":"uuid","value":"550e8400-e29b-41d4-a716-446655440000"},
		{"name":"blob","type":"bytea","value":"\\x6869"},
		{"name":"ts","type":"timestamp with time zone","value":"2024-03-01 12:00:00.123456+00"},
		{"name":"meta","type":"jsonb","value":{"k":1}},
		{"name":"label","type":"text","value":"x"},
		{"name":"gone","type":"text","value":null}
	]}`

	event, err := DecodeFrame([]byte(data), 100, 0)
	require.NoError(t, err)
	row := event.New

	assert.Equal(t, common.KindInt, row["small"].Kind())
	i, _ := row["big"].AsInt()
	assert.Equal(t, int64(9007199254740993), i)
	assert.Equal(t, common.KindFloat, row["ratio"].Kind())
	assert.Equal(t, common.KindFloat, row["price"].Kind())
	assert.Equal(t, common.KindBool, row["ok"].Kind())
	assert.Equal(t, common.KindUUID, row["uid"].Kind())

	b, ok := row["blob"].AsBytes()
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), b)

	ts, ok := row["ts"].AsTime()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC), ts)

	obj, ok := row["meta"].AsObject()
	require.True(t, ok)
	assert.True(t, obj["k"].Equal(common.Int(1)))

	assert.Equal(t, common.KindString, row["label"].Kind())
	assert.True(t, row["gone"].IsNull())
}

func TestDecodeNumericAsStringKept(t *testing.T) {
	data := `{"action":"I","schema":"public","table":"t","columns":[{"name":"huge","type":"numeric","value":"123456789012345678901234567890.5"}]}`

	event, err := DecodeFrame([]byte(data), 100, 0)
	require.NoError(t, err)
	s, ok := event.New["huge"].AsString()
	require.True(t, ok)
	assert.Equal(t, "123456789012345678901234567890.5", s)
}

func TestDecodeCommitTimestamp(t *testing.T) {
	data := `{"action":"I","schema":"public","table":"t","timestamp":"2024-03-01 12:00:00.5+00","columns":[{"name":"id","type":"integer","value":1}]}`

	event, err := DecodeFrame([]byte(data), 100, 0)
	require.NoError(t, err)
	assert.False(t, event.CommitTime.IsZero())
}

func TestSchemaGuard(t *testing.T) {
	guard := NewSchemaGuard(map[string][]string{
		"public.users": {"id", "status"},
	})

	ok := &common.RowEvent{
		Op: common.OpInsert, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(1), "status": common.String("a"), "extra": common.Null()},
	}
	require.NoError(t, guard.Check(ok))
	// Cached second check.
	require.NoError(t, guard.Check(ok))

	dropped := &common.RowEvent{
		Op: common.OpInsert, Schema: "public", Table: "users",
		New: common.RowMap{"id": common.Int(1)},
	}
	err := guard.Check(dropped)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status")

	// Untracked relations pass.
	other := &common.RowEvent{
		Op: common.OpInsert, Schema: "public", Table: "posts",
		New: common.RowMap{"anything": common.Int(1)},
	}
	require.NoError(t, guard.Check(other))

	// Deletes carry replica identity only and are not checked.
	del := &common.RowEvent{
		Op: common.OpDelete, Schema: "public", Table: "users",
		Old: common.RowMap{"id": common.Int(1)},
	}
	require.NoError(t, guard.Check(del))
}
