package mapping

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMapping(t *testing.T, name string, version int, table string) *Mapping {
	t.Helper()
	m, err := Parse(fmt.Sprintf(`
version = %d
mapping_name = %q
namespace = %q
[source]
schema = "public"
table = %q
[id]
column = "id"
type = "uint"
`, version, name, name, table))
	require.NoError(t, err)
	return m
}

func TestRegistryAddGet(t *testing.T) {
	r := NewRegistry()
	m := testMapping(t, "users", 1, "users")
	require.NoError(t, r.Add(m))

	got, ok := r.Get("users")
	require.True(t, ok)
	assert.Equal(t, m, got)

	got, ok = r.GetVersion("users", 1)
	require.True(t, ok)
	assert.Equal(t, m, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryConflictingHash(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(testMapping(t, "users", 1, "users")))

	// Identical content re-applies cleanly.
	require.NoError(t, r.Add(testMapping(t, "users", 1, "users")))

	// Same (name, version) with different content is rejected.
	conflicting := testMapping(t, "users", 1, "users_v2")
	err := r.Add(conflicting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing")
}

func TestRegistryLatestVersionWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(testMapping(t, "users", 2, "users")))
	require.NoError(t, r.Add(testMapping(t, "users", 1, "users_old")))

	got, ok := r.Get("users")
	require.True(t, ok)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryForSource(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(testMapping(t, "users", 1, "users")))
	require.NoError(t, r.Add(testMapping(t, "users_search", 1, "users")))
	require.NoError(t, r.Add(testMapping(t, "posts", 1, "posts")))

	matches := r.ForSource("public", "users")
	require.Len(t, matches, 2)
	assert.Equal(t, "users", matches[0].Name)
	assert.Equal(t, "users_search", matches[1].Name)

	assert.Empty(t, r.ForSource("private", "users"))
	assert.Empty(t, r.ForSource("public", "comments"))
}
