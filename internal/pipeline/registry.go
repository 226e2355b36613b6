package pipeline

import (
	"fmt"
	"sort"

	"reverie/internal/store"
)

// Registry holds the fixed set of pipeline definitions. It is populated once
// at startup and read-only afterwards, so no locking.
type Registry struct {
	defs map[store.SessionType]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[store.SessionType]Definition)}
}

// Register adds a definition. Duplicate registration is a programming error.
func (r *Registry) Register(d Definition) error {
	if d.Type == "" {
		return fmt.Errorf("pipeline: definition with empty type")
	}
	if _, dup := r.defs[d.Type]; dup {
		return fmt.Errorf("pipeline: duplicate definition for %s", d.Type)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("pipeline: definition %s has no steps", d.Type)
	}
	r.defs[d.Type] = d
	return nil
}

func (r *Registry) Lookup(t store.SessionType) (Definition, bool) {
	d, ok := r.defs[t]
	return d, ok
}

// Types lists registered session types in stable order.
func (r *Registry) Types() []store.SessionType {
	out := make([]store.SessionType, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
