package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/mapping"
)

func upsertAction(id uint64, lsn int64, payload string) common.Action {
	return common.Upsert(common.UintID(id),
		common.Document{"payload": common.String(payload)},
		common.Int(lsn))
}

func TestBatcherBasic(t *testing.T) {
	b := NewBatcher("ns", mapping.BatchConfig{MaxRows: 10, MaxBytes: 1 << 20, FlushInterval: time.Second})

	assert.Nil(t, b.Add(upsertAction(1, 100, "a"), 100))
	assert.Nil(t, b.Add(upsertAction(2, 101, "b"), 101))
	assert.Equal(t, 2, b.Pending())

	batch := b.Flush()
	require.NotNil(t, batch)
	assert.Equal(t, "ns", batch.Namespace)
	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, common.LSN(101), batch.MaxLSN)
	assert.Equal(t, 0, b.Pending())
	assert.Nil(t, b.Flush())
}

func TestBatcherMaxRows(t *testing.T) {
	b := NewBatcher("ns", mapping.BatchConfig{MaxRows: 3, MaxBytes: 1 << 20, FlushInterval: time.Second})

	assert.Nil(t, b.Add(upsertAction(1, 100, "a"), 100))
	assert.Nil(t, b.Add(upsertAction(2, 101, "a"), 101))
	assert.Nil(t, b.Add(upsertAction(3, 102, "a"), 102))

	closed := b.Add(upsertAction(4, 103, "a"), 103)
	require.NotNil(t, closed)
	assert.Equal(t, 3, closed.Len())
	assert.Equal(t, common.LSN(102), closed.MaxLSN)
	assert.Equal(t, 1, b.Pending())
}

func TestBatcherMaxBytes(t *testing.T) {
	b := NewBatcher("ns", mapping.BatchConfig{MaxRows: 1000, MaxBytes: 100, FlushInterval: time.Second})

	big := string(make([]byte, 60))
	assert.Nil(t, b.Add(upsertAction(1, 100, big), 100))
	closed := b.Add(upsertAction(2, 101, big), 101)
	require.NotNil(t, closed)
	assert.Equal(t, 1, closed.Len())
}

func TestBatcherOversizeRowShipsAlone(t *testing.T) {
	b := NewBatcher("ns", mapping.BatchConfig{MaxRows: 1000, MaxBytes: 10, FlushInterval: time.Second})

	huge := string(make([]byte, 1000))
	// First action exceeds max_bytes on its own but still enters a batch.
	assert.Nil(t, b.Add(upsertAction(1, 100, huge), 100))
	// The next action closes it immediately.
	closed := b.Add(upsertAction(2, 101, "x"), 101)
	require.NotNil(t, closed)
	assert.Equal(t, 1, closed.Len())
	assert.Equal(t, "1", closed.Actions()[0].ID.Key())
}

func TestBatcherLastWriteWins(t *testing.T) {
	b := NewBatcher("ns", mapping.BatchConfig{MaxRows: 10, MaxBytes: 1 << 20, FlushInterval: time.Second})

	assert.Nil(t, b.Add(upsertAction(1, 100, "old"), 100))
	assert.Nil(t, b.Add(upsertAction(2, 101, "keep"), 101))
	assert.Nil(t, b.Add(upsertAction(1, 102, "new"), 102))

	batch := b.Flush()
	require.NotNil(t, batch)
	// Collapsed to two actions, the later value superseding in place.
	assert.Equal(t, 2, batch.Len())
	first := batch.Actions()[0]
	assert.Equal(t, "1", first.ID.Key())
	assert.True(t, first.Doc["payload"].Equal(common.String("new")))
	assert.Equal(t, common.LSN(102), batch.MaxLSN)
	assert.Equal(t, uint64(3), batch.Events)
}

func TestBatcherUpsertThenDeleteCollapse(t *testing.T) {
	b := NewBatcher("ns", mapping.BatchConfig{MaxRows: 10, MaxBytes: 1 << 20, FlushInterval: time.Second})

	assert.Nil(t, b.Add(upsertAction(1, 100, "x"), 100))
	assert.Nil(t, b.Add(common.Delete(common.UintID(1), common.Int(101)), 101))

	batch := b.Flush()
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Len())
	assert.Equal(t, common.ActionDelete, batch.Actions()[0].Type)
}

func TestBatcherIgnoresNonWrites(t *testing.T) {
	b := NewBatcher("ns", mapping.BatchConfig{MaxRows: 10, MaxBytes: 1 << 20, FlushInterval: time.Second})

	assert.Nil(t, b.Add(common.Skip(), 100))
	assert.Nil(t, b.Add(common.Failure(common.ErrTransform, "x", nil), 101))
	assert.Equal(t, 0, b.Pending())
	assert.Nil(t, b.Flush())
}

func TestBatcherAgeFlush(t *testing.T) {
	b := NewBatcher("ns", mapping.BatchConfig{MaxRows: 10, MaxBytes: 1 << 20, FlushInterval: 50 * time.Millisecond})

	assert.False(t, b.ShouldFlushByAge(time.Now()))
	b.Add(upsertAction(1, 100, "x"), 100)
	assert.False(t, b.ShouldFlushByAge(time.Now()))
	assert.True(t, b.ShouldFlushByAge(time.Now().Add(100*time.Millisecond)))
}
