package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/astraecs/engine/infrastructure/errors"
)

// Registry is the Schema Registry's mutable builder surface. It exists
// only during startup registration; once Build() returns, callers should
// discard the Registry and use the resulting Catalog, which is read-only
// for the lifetime of the process (§5 "Shared resources... read-only
// after initialization").
type Registry struct {
	mu         sync.Mutex
	components map[string]Component // keyed by namespace.name
	order      []string             // registration order, for iterate()
}

// NewRegistry creates an empty Schema Registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]Component)}
}

// Register installs a component definition. It is idempotent on identical
// re-registration and fails with SchemaConflict on a differing
// redefinition under the same namespace.name (§4.1).
func (r *Registry) Register(def Component) error {
	if err := def.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := def.FullName()
	if existing, ok := r.components[key]; ok {
		if existing.sameIdentity(def) {
			return nil
		}
		return errors.SchemaConflict(key)
	}

	r.components[key] = def
	r.order = append(r.order, key)
	return nil
}

// Lookup resolves a component by name within a namespace.
func (r *Registry) Lookup(namespace, name string) (Component, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[namespace+"."+name]
	return c, ok
}

// Iterate returns every registered component in a namespace, in
// registration order.
func (r *Registry) Iterate(namespace string) []Component {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Component, 0, len(r.order))
	for _, key := range r.order {
		c := r.components[key]
		if c.Namespace == namespace {
			out = append(out, c)
		}
	}
	return out
}

// All returns every registered component across every namespace, sorted
// by full name for deterministic iteration (used when building a Catalog).
func (r *Registry) All() []Component {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Component, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}

// Catalog is the immutable, read-only snapshot of the Schema Registry
// handed to each worker (§9 "model as a single immutable Catalog value
// threaded into each worker. Tests receive fresh Catalogs."). It is safe
// for concurrent read access without locking because it is never mutated
// after Build returns.
type Catalog struct {
	byName map[string]Component
	list   []Component
}

// Build freezes a Registry into a Catalog.
func (r *Registry) Build() *Catalog {
	all := r.All()
	byName := make(map[string]Component, len(all))
	for _, c := range all {
		byName[c.FullName()] = c
	}
	return &Catalog{byName: byName, list: all}
}

// Lookup resolves a component by namespace and name.
func (c *Catalog) Lookup(namespace, name string) (Component, bool) {
	comp, ok := c.byName[namespace+"."+name]
	return comp, ok
}

// MustLookup resolves a component or panics; intended for call sites that
// already validated existence against this same Catalog (e.g. System
// registration, which runs once at startup).
func (c *Catalog) MustLookup(namespace, name string) Component {
	comp, ok := c.Lookup(namespace, name)
	if !ok {
		panic(fmt.Sprintf("catalog: component %s.%s not found", namespace, name))
	}
	return comp
}

// Iterate returns every component in a namespace.
func (c *Catalog) Iterate(namespace string) []Component {
	out := make([]Component, 0)
	for _, comp := range c.list {
		if comp.Namespace == namespace {
			out = append(out, comp)
		}
	}
	return out
}

// All returns every registered component.
func (c *Catalog) All() []Component { return c.list }
