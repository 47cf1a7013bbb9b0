package predicate

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache size for parsed predicate expressions. Mappings reuse a small set
// of expressions, so collisions with eviction are rare.
const parseCacheSize = 256

var parseCache *lru.Cache[uint64, Predicate]

func init() {
	var err error
	parseCache, err = lru.New[uint64, Predicate](parseCacheSize)
	if err != nil {
		panic("failed to create predicate cache: " + err.Error())
	}
}

// ParseCached parses an expression through an LRU keyed by the XXH64 hash
// of the input. Parse errors are not cached.
func ParseCached(input string) (Predicate, error) {
	key := xxhash.Sum64String(input)
	if pred, ok := parseCache.Get(key); ok {
		return pred, nil
	}
	pred, err := Parse(input)
	if err != nil {
		return nil, err
	}
	parseCache.Add(key, pred)
	return pred, nil
}
