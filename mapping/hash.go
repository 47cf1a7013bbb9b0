package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// ContentHash computes the stable hash of mapping text: the TOML is parsed
// and re-serialized canonically (comments and whitespace gone, keys
// sorted), then hashed with SHA-256. Two files that differ only in
// formatting or comments hash identically; any semantic edit changes the
// hash.
func ContentHash(text string) (string, error) {
	var tree map[string]any
	if _, err := toml.Decode(text, &tree); err != nil {
		return "", fmt.Errorf("cannot canonicalize mapping text: %w", err)
	}

	var sb strings.Builder
	writeCanonical(&sb, tree)

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), nil
}

// writeCanonical serializes a decoded TOML tree deterministically: maps
// with sorted keys, values in a fixed textual form.
func writeCanonical(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(sb, "%q:", k)
			writeCanonical(sb, x[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	case []map[string]any:
		sb.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	case string:
		fmt.Fprintf(sb, "%q", x)
	case int64:
		fmt.Fprintf(sb, "%d", x)
	case float64:
		fmt.Fprintf(sb, "%g", x)
	case bool:
		fmt.Fprintf(sb, "%t", x)
	default:
		fmt.Fprintf(sb, "%v", x)
	}
}
