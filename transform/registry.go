package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/lucasgelfond/puffgres/mapping"
)

// Factory creates a transformer for a mapping's transform reference.
type Factory func(tctx *Context, ref *mapping.TransformRef) (Transformer, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a transformer factory for a type name.
func Register(transformType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[transformType] = factory
}

func init() {
	Register("exec", func(tctx *Context, ref *mapping.TransformRef) (Transformer, error) {
		if ref.Path == "" {
			return nil, fmt.Errorf("exec transform requires a path")
		}
		return NewExec(tctx, ref.Path, ref.Entry), nil
	})
}

// New creates the transformer for a mapping: the registered factory for
// its transform type, or the built-in identity over the mapping's columns
// when no transform is declared.
func New(m *mapping.Mapping, tctx *Context) (Transformer, error) {
	if m.Transform == nil {
		return NewIdentity(m.Columns), nil
	}

	factoryMu.RLock()
	factory, ok := factories[m.Transform.Type]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mapping %q: unknown transform type %q", m.Name, m.Transform.Type)
	}
	return factory(tctx, m.Transform)
}

// HashSource computes the content hash recorded when transform source text
// is interned at apply time. A runtime mismatch against the recorded hash
// is fatal for the mapping.
func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
