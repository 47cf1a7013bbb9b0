package mapping

import (
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds applied mappings keyed by (name, version). At most one
// version per name is active; later versions replace earlier ones.
type Registry struct {
	// byKey holds every applied (name, version).
	byKey *xsync.MapOf[string, *Mapping]
	// active holds the highest applied version per name.
	active *xsync.MapOf[string, *Mapping]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  xsync.NewMapOf[string, *Mapping](),
		active: xsync.NewMapOf[string, *Mapping](),
	}
}

// Add registers an applied mapping. A different mapping under an already
// recorded (name, version) is rejected; replaying the identical content is
// a no-op.
func (r *Registry) Add(m *Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}

	if existing, ok := r.byKey.Load(m.Key()); ok {
		if existing.ContentHash != m.ContentHash {
			return fmt.Errorf(
				"mapping %s already applied with hash %s; refusing conflicting hash %s",
				m.Key(), existing.ContentHash, m.ContentHash)
		}
		return nil
	}
	r.byKey.Store(m.Key(), m)

	r.active.Compute(m.Name, func(cur *Mapping, loaded bool) (*Mapping, bool) {
		if loaded && cur.Version > m.Version {
			return cur, false
		}
		return m, false
	})
	return nil
}

// Get returns the active mapping for a name.
func (r *Registry) Get(name string) (*Mapping, bool) {
	return r.active.Load(name)
}

// GetVersion returns a specific applied (name, version).
func (r *Registry) GetVersion(name string, version int) (*Mapping, bool) {
	return r.byKey.Load(fmt.Sprintf("%s@%d", name, version))
}

// All returns the active mappings sorted by name.
func (r *Registry) All() []*Mapping {
	var out []*Mapping
	r.active.Range(func(_ string, m *Mapping) bool {
		out = append(out, m)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForSource returns the active mappings watching a relation.
func (r *Registry) ForSource(schema, table string) []*Mapping {
	var out []*Mapping
	r.active.Range(func(_ string, m *Mapping) bool {
		if m.Source.Matches(schema, table) {
			out = append(out, m)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of active mappings.
func (r *Registry) Len() int {
	return r.active.Size()
}
