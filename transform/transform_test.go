package transform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/mapping"
)

func insertEvent(id int64, cols common.RowMap) *common.RowEvent {
	row := common.RowMap{"id": common.Int(id)}
	for k, v := range cols {
		row[k] = v
	}
	return &common.RowEvent{
		Op:     common.OpInsert,
		Schema: "public",
		Table:  "users",
		New:    row,
		LSN:    100,
	}
}

func TestIdentityInsert(t *testing.T) {
	tr := NewIdentity([]string{"name", "email"})

	event := insertEvent(1, common.RowMap{
		"name":  common.String("Alice"),
		"email": common.String("alice@example.com"),
		"extra": common.String("ignored"),
	})

	actions, err := tr.TransformBatch(context.Background(), []Input{{Event: event, ID: common.UintID(1)}})
	require.NoError(t, err)
	require.Len(t, actions, 1)

	a := actions[0]
	assert.Equal(t, common.ActionUpsert, a.Type)
	assert.Equal(t, "1", a.ID.Key())
	assert.Len(t, a.Doc, 2)
	assert.True(t, a.Doc["name"].Equal(common.String("Alice")))
	_, hasExtra := a.Doc["extra"]
	assert.False(t, hasExtra)
}

func TestIdentityAllColumns(t *testing.T) {
	tr := NewIdentity(nil)

	event := insertEvent(1, common.RowMap{"name": common.String("Alice")})
	actions, err := tr.TransformBatch(context.Background(), []Input{{Event: event, ID: common.UintID(1)}})
	require.NoError(t, err)
	assert.Len(t, actions[0].Doc, 2) // id + name
}

func TestIdentityDelete(t *testing.T) {
	tr := NewIdentity([]string{"name"})

	event := &common.RowEvent{
		Op:  common.OpDelete,
		Old: common.RowMap{"id": common.Int(1)},
		LSN: 100,
	}
	actions, err := tr.TransformBatch(context.Background(), []Input{{Event: event, ID: common.UintID(1)}})
	require.NoError(t, err)
	assert.Equal(t, common.ActionDelete, actions[0].Type)
}

func TestIdentityMissingNewRow(t *testing.T) {
	tr := NewIdentity(nil)
	event := &common.RowEvent{Op: common.OpInsert, LSN: 5}

	actions, err := tr.TransformBatch(context.Background(), []Input{{Event: event, ID: common.UintID(1)}})
	require.NoError(t, err)
	assert.True(t, actions[0].IsFailure())
	assert.Equal(t, common.ErrTransform, actions[0].FailureKind)
}

// stubTransformer drives the boundary contract checks.
type stubTransformer struct {
	actions []common.Action
	err     error
	block   bool
}

func (s *stubTransformer) TransformBatch(ctx context.Context, inputs []Input) ([]common.Action, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.actions, nil
}

func batchOf(n int) []Input {
	inputs := make([]Input, n)
	for i := range inputs {
		inputs[i] = Input{Event: insertEvent(int64(i), nil), ID: common.UintID(uint64(i))}
	}
	return inputs
}

func TestInvokeBatchError(t *testing.T) {
	inputs := batchOf(5)
	actions := InvokeBatch(context.Background(), &stubTransformer{err: errors.New("boom")}, inputs, time.Second)

	require.Len(t, actions, 5)
	for i, a := range actions {
		assert.True(t, a.IsFailure())
		assert.Equal(t, common.ErrTransform, a.FailureKind)
		assert.Contains(t, a.FailureMessage, "boom")
		assert.Equal(t, inputs[i].Event, a.RawEvent)
	}
}

func TestInvokeBatchLengthMismatch(t *testing.T) {
	inputs := batchOf(3)
	stub := &stubTransformer{actions: []common.Action{common.Skip()}}

	actions := InvokeBatch(context.Background(), stub, inputs, time.Second)
	require.Len(t, actions, 3)
	for _, a := range actions {
		assert.True(t, a.IsFailure())
		assert.Contains(t, a.FailureMessage, "1 actions for 3 rows")
	}
}

func TestInvokeBatchTimeout(t *testing.T) {
	inputs := batchOf(2)
	actions := InvokeBatch(context.Background(), &stubTransformer{block: true}, inputs, 10*time.Millisecond)

	require.Len(t, actions, 2)
	for _, a := range actions {
		assert.True(t, a.IsFailure())
	}
}

func TestInvokeBatchAligned(t *testing.T) {
	inputs := batchOf(2)
	stub := &stubTransformer{actions: []common.Action{
		common.Upsert(common.UintID(0), common.Document{}, common.Null()),
		common.Skip(),
	}}

	actions := InvokeBatch(context.Background(), stub, inputs, time.Second)
	require.Len(t, actions, 2)
	assert.Equal(t, common.ActionUpsert, actions[0].Type)
	assert.Equal(t, common.ActionSkip, actions[1].Type)
}

func TestInvokeBatchEmpty(t *testing.T) {
	assert.Nil(t, InvokeBatch(context.Background(), &stubTransformer{}, nil, time.Second))
}

func TestNewDefaultsToIdentity(t *testing.T) {
	m := &mapping.Mapping{
		Name:      "users",
		Version:   1,
		Namespace: "users",
		Columns:   []string{"name"},
	}
	tr, err := New(m, &Context{Name: "users"})
	require.NoError(t, err)
	_, ok := tr.(*Identity)
	assert.True(t, ok)
}

func TestNewUnknownType(t *testing.T) {
	m := &mapping.Mapping{
		Name:      "users",
		Transform: &mapping.TransformRef{Type: "wasm"},
	}
	_, err := New(m, &Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wasm")
}

func TestNewExecRequiresPath(t *testing.T) {
	m := &mapping.Mapping{
		Name:      "users",
		Transform: &mapping.TransformRef{Type: "exec"},
	}
	_, err := New(m, &Context{})
	assert.Error(t, err)
}

func TestHashSourceStable(t *testing.T) {
	h1 := HashSource("export default (row) => row")
	h2 := HashSource("export default (row) => row")
	h3 := HashSource("export default (row) => null")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}
