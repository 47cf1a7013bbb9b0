package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasgelfond/puffgres/common"
)

func row(pairs map[string]common.Value) common.RowMap {
	return common.RowMap(pairs)
}

func mustParse(t *testing.T, input string) Predicate {
	t.Helper()
	p, err := Parse(input)
	require.NoError(t, err)
	return p
}

func TestTrueFalse(t *testing.T) {
	empty := row(nil)
	assert.True(t, mustParse(t, "TRUE").Evaluate(empty))
	assert.False(t, mustParse(t, "FALSE").Evaluate(empty))
}

func TestEq(t *testing.T) {
	r := row(map[string]common.Value{
		"status": common.String("active"),
		"count":  common.Int(42),
	})

	assert.True(t, mustParse(t, "status = 'active'").Evaluate(r))
	assert.False(t, mustParse(t, "status = 'inactive'").Evaluate(r))
	assert.True(t, mustParse(t, "count = 42").Evaluate(r))
	assert.False(t, mustParse(t, "count = 41").Evaluate(r))
}

func TestNotEq(t *testing.T) {
	r := row(map[string]common.Value{"status": common.String("active")})

	assert.True(t, mustParse(t, "status != 'inactive'").Evaluate(r))
	assert.False(t, mustParse(t, "status != 'active'").Evaluate(r))
}

func TestStrictCoercion(t *testing.T) {
	r := row(map[string]common.Value{
		"count": common.Int(42),
		"ratio": common.Float(42.0),
		"name":  common.String("42"),
	})

	// Int and float compare numerically.
	assert.True(t, mustParse(t, "ratio = 42").Evaluate(r))
	assert.True(t, mustParse(t, "count = 42.0").Evaluate(r))

	// Incompatible kinds compare false, never error.
	assert.False(t, mustParse(t, "name = 42").Evaluate(r))
	assert.False(t, mustParse(t, "count = '42'").Evaluate(r))
}

func TestNullSemantics(t *testing.T) {
	r := row(map[string]common.Value{
		"deleted_at": common.Null(),
		"name":       common.String("test"),
	})

	// NULL satisfies neither = nor !=.
	assert.False(t, mustParse(t, "NULL = NULL").Evaluate(r))
	assert.False(t, mustParse(t, "deleted_at = NULL").Evaluate(r))
	assert.False(t, mustParse(t, "deleted_at != 'x'").Evaluate(r))
	assert.False(t, mustParse(t, "name = NULL").Evaluate(r))

	// Nullness is tested with IS [NOT] NULL; the NULL literal is null.
	assert.True(t, mustParse(t, "NULL IS NULL").Evaluate(r))
	assert.False(t, mustParse(t, "NULL IS NOT NULL").Evaluate(r))
	assert.False(t, mustParse(t, "'x' IS NULL").Evaluate(r))
	assert.True(t, mustParse(t, "deleted_at IS NULL").Evaluate(r))
	assert.False(t, mustParse(t, "name IS NULL").Evaluate(r))
	assert.True(t, mustParse(t, "name IS NOT NULL").Evaluate(r))
	assert.False(t, mustParse(t, "deleted_at IS NOT NULL").Evaluate(r))
}

func TestMissingColumn(t *testing.T) {
	r := row(map[string]common.Value{"a": common.Int(1)})

	// Missing column reads as NULL.
	assert.True(t, mustParse(t, "missing IS NULL").Evaluate(r))
	assert.False(t, mustParse(t, "missing IS NOT NULL").Evaluate(r))
	assert.False(t, mustParse(t, "missing = 1").Evaluate(r))
	assert.False(t, mustParse(t, "missing != 1").Evaluate(r))
}

func TestColumnToColumn(t *testing.T) {
	r := row(map[string]common.Value{
		"a": common.Int(1),
		"b": common.Int(1),
		"c": common.Int(2),
	})

	assert.True(t, mustParse(t, "a = b").Evaluate(r))
	assert.False(t, mustParse(t, "a = c").Evaluate(r))
	assert.True(t, mustParse(t, "a != c").Evaluate(r))
}

func TestAndOrShortCircuit(t *testing.T) {
	r := row(map[string]common.Value{
		"status": common.String("active"),
		"public": common.Bool(true),
	})

	assert.True(t, mustParse(t, "status = 'active' AND public = true").Evaluate(r))
	assert.False(t, mustParse(t, "status = 'inactive' AND public = true").Evaluate(r))
	assert.True(t, mustParse(t, "status = 'active' OR status = 'pending'").Evaluate(r))
	assert.False(t, mustParse(t, "status = 'x' OR status = 'y'").Evaluate(r))
}

func TestNot(t *testing.T) {
	r := row(map[string]common.Value{"status": common.String("active")})

	assert.True(t, mustParse(t, "NOT status = 'inactive'").Evaluate(r))
	assert.False(t, mustParse(t, "NOT status = 'active'").Evaluate(r))
	assert.True(t, mustParse(t, "NOT NOT status = 'active'").Evaluate(r))
}

func TestPrecedence(t *testing.T) {
	r := row(map[string]common.Value{
		"a": common.Int(1),
		"b": common.Int(2),
		"c": common.Int(3),
	})

	// AND binds tighter than OR: a=1 OR (b=2 AND c=4).
	assert.True(t, mustParse(t, "a = 1 OR b = 2 AND c = 4").Evaluate(r))
	// Parentheses override: (a=1 OR b=2) AND c=4.
	assert.False(t, mustParse(t, "(a = 1 OR b = 2) AND c = 4").Evaluate(r))
}

func TestComplexExpression(t *testing.T) {
	r := row(map[string]common.Value{
		"status":     common.String("published"),
		"deleted_at": common.Null(),
		"view_count": common.Int(100),
	})

	p := mustParse(t, "status = 'published' AND deleted_at IS NULL AND view_count = 100")
	assert.True(t, p.Evaluate(r))
}

func TestStringEscape(t *testing.T) {
	r := row(map[string]common.Value{"name": common.String("o'brien")})
	assert.True(t, mustParse(t, "name = 'o''brien'").Evaluate(r))
}

func TestBoolLiterals(t *testing.T) {
	r := row(map[string]common.Value{"active": common.Bool(true)})

	assert.True(t, mustParse(t, "active = true").Evaluate(r))
	assert.False(t, mustParse(t, "active = false").Evaluate(r))
	assert.True(t, mustParse(t, "active != FALSE").Evaluate(r))
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{
		"",
		"status =",
		"status = 'active' AND",
		"(status = 'active'",
		"status IS",
		"status IS NOT",
		"= 'active'",
		"status ! 'active'",
		"status = 'unterminated",
		"status = 'a' extra",
	} {
		_, err := Parse(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestParseErrorStructure(t *testing.T) {
	_, err := Parse("status IS 42")
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"NULL"}, perr.Expected)
	assert.Equal(t, 10, perr.Offset)
}

func TestParseErrorOffset(t *testing.T) {
	_, err := Parse("a = 1 AND (b = 2")
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"')'"}, perr.Expected)
}

func TestParseCached(t *testing.T) {
	p1, err := ParseCached("status = 'active'")
	require.NoError(t, err)
	p2, err := ParseCached("status = 'active'")
	require.NoError(t, err)

	// Same parsed value comes back from the cache.
	r := row(map[string]common.Value{"status": common.String("active")})
	assert.True(t, p1.Evaluate(r))
	assert.True(t, p2.Evaluate(r))

	_, err = ParseCached("status =")
	assert.Error(t, err)
}

func TestColumns(t *testing.T) {
	p := mustParse(t, "status = 'active' AND deleted_at IS NULL OR status != 'x'")
	assert.ElementsMatch(t, []string{"status", "deleted_at"}, p.Columns())

	p = mustParse(t, "a = b")
	assert.ElementsMatch(t, []string{"a", "b"}, p.Columns())

	assert.Empty(t, mustParse(t, "TRUE").Columns())
}

func TestEvaluateAfterSerializationRoundTrip(t *testing.T) {
	r := row(map[string]common.Value{
		"status": common.String("active"),
		"count":  common.Int(3),
		"gone":   common.Null(),
	})
	back := common.RowFromJSON(r.ToJSONMap())

	for _, expr := range []string{
		"status = 'active'",
		"count = 3",
		"gone IS NULL",
		"count != 4 AND status != 'x'",
	} {
		p := mustParse(t, expr)
		assert.Equal(t, p.Evaluate(r), p.Evaluate(back), "expr %q", expr)
	}
}
