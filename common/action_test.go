package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionConstructors(t *testing.T) {
	doc := Document{"name": String("test")}
	up := Upsert(UintID(42), doc, Int(100))
	assert.Equal(t, ActionUpsert, up.Type)
	assert.Equal(t, "42", up.ID.Key())
	assert.True(t, up.VersionToken.Equal(Int(100)))

	del := Delete(StringID("abc"), Int(101))
	assert.Equal(t, ActionDelete, del.Type)
	assert.Equal(t, "abc", del.ID.Key())

	assert.Equal(t, ActionSkip, Skip().Type)
}

func TestActionRequiresWrite(t *testing.T) {
	assert.True(t, Upsert(UintID(1), Document{}, Int(1)).RequiresWrite())
	assert.True(t, Delete(UintID(1), Int(1)).RequiresWrite())
	assert.False(t, Skip().RequiresWrite())
	assert.False(t, Failure(ErrTransform, "boom", nil).RequiresWrite())
	assert.True(t, Failure(ErrTransform, "boom", nil).IsFailure())
}

func TestDocumentIDJSON(t *testing.T) {
	assert.Equal(t, uint64(42), UintID(42).ToJSON())
	assert.Equal(t, int64(-5), IntID(-5).ToJSON())
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", UUIDID("550e8400-e29b-41d4-a716-446655440000").ToJSON())
	assert.Equal(t, "abc", StringID("abc").ToJSON())
}

func TestParseIDKind(t *testing.T) {
	for _, s := range []string{"uint", "int", "uuid", "string"} {
		k, err := ParseIDKind(s)
		require.NoError(t, err)
		assert.Equal(t, s, k.String())
	}
	_, err := ParseIDKind("bigserial")
	assert.Error(t, err)
}

func TestErrorKindPolicy(t *testing.T) {
	assert.True(t, ErrSourceTransient.Retryable())
	assert.True(t, ErrTargetTransient.Retryable())
	assert.False(t, ErrTransform.Retryable())
	assert.False(t, ErrTargetValidation.Retryable())

	assert.True(t, ErrConfig.Fatal())
	assert.True(t, ErrSchemaMismatch.Fatal())
	assert.True(t, ErrState.Fatal())
	assert.True(t, ErrSourceFatal.Fatal())
	assert.False(t, ErrTransform.Fatal())
}

func TestParseErrorKind(t *testing.T) {
	assert.Equal(t, ErrTransform, ParseErrorKind("transform"))
	assert.Equal(t, ErrUnknown, ParseErrorKind("whatever"))
}

func TestTruncatePayload(t *testing.T) {
	assert.Equal(t, "abc", TruncatePayload([]byte("abc"), 200))
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, TruncatePayload(long, 200), 200)
}
