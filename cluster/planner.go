package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/astraecs/engine/catalog"
	"github.com/astraecs/engine/infrastructure/errors"
)

func splitFullName(fullName string) (namespace, name string) {
	i := strings.Index(fullName, ".")
	if i < 0 {
		return fullName, ""
	}
	return fullName[:i], fullName[i+1:]
}

// Registry accumulates System definitions before Build runs the union-find
// clustering pass (§4.5).
type Registry struct {
	systems map[string]System
	order   []string
}

// NewRegistry creates an empty System Registry.
func NewRegistry() *Registry {
	return &Registry{systems: make(map[string]System)}
}

// Register adds sys. Re-registering the same name with a different
// definition is a startup configuration error the caller should treat as
// fatal, mirroring the Schema Registry's SchemaConflict boundary (§4.1).
func (r *Registry) Register(sys System) error {
	name := sys.FullName()
	if existing, ok := r.systems[name]; ok && !sameSystem(existing, sys) {
		return fmt.Errorf("cluster: system %s already registered with a different definition", name)
	}
	if _, ok := r.systems[name]; !ok {
		r.order = append(r.order, name)
	}
	r.systems[name] = sys
	return nil
}

func sameSystem(a, b System) bool {
	if a.Namespace != b.Namespace || a.Name != b.Name || a.Permission != b.Permission {
		return false
	}
	return stringSliceEqual(a.Components, b.Components) && stringSliceEqual(a.Bases, b.Bases)
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// disjointSet is a plain union-find over component full names, path
// compression plus union-by-size. No pack library implements this; it is
// a closed, ~40-line algorithm, not an ambient concern.
type disjointSet struct {
	parent map[string]string
	size   map[string]int
}

func newDisjointSet() *disjointSet {
	return &disjointSet{parent: make(map[string]string), size: make(map[string]int)}
}

func (d *disjointSet) find(x string) string {
	if _, ok := d.parent[x]; !ok {
		d.parent[x] = x
		d.size[x] = 1
		return x
	}
	root := x
	for d.parent[root] != root {
		root = d.parent[root]
	}
	for d.parent[x] != root {
		next := d.parent[x]
		d.parent[x] = root
		x = next
	}
	return root
}

func (d *disjointSet) union(a, b string) {
	ra, rb := d.find(a), d.find(b)
	if ra == rb {
		return
	}
	if d.size[ra] < d.size[rb] {
		ra, rb = rb, ra
	}
	d.parent[rb] = ra
	d.size[ra] += d.size[rb]
}

// Plan is the resolved clustering: every referenced component and every
// System is assigned a stable numeric cluster id, the `{CLU K}` tag used
// in key construction (§3, §4.5).
type Plan struct {
	componentCluster map[string]uint64
	systemCluster    map[string]uint64
	clusterMembers   map[uint64][]string
}

// ComponentCluster returns the cluster id a component belongs to.
func (p *Plan) ComponentCluster(componentFullName string) (uint64, bool) {
	id, ok := p.componentCluster[componentFullName]
	return id, ok
}

// SystemCluster returns the cluster id a System runs against.
func (p *Plan) SystemCluster(systemFullName string) (uint64, bool) {
	id, ok := p.systemCluster[systemFullName]
	return id, ok
}

// Members returns every component bound to clusterID, for diagnostics.
func (p *Plan) Members(clusterID uint64) []string {
	return append([]string(nil), p.clusterMembers[clusterID]...)
}

// Build runs the union-find pass over every registered System: any two
// Systems sharing a referenced component (directly, or transitively
// through a base) land in the same cluster, then every cluster is checked
// for single-backend consistency (§4.5's CrossBackendCluster invariant).
func (r *Registry) Build(cat *catalog.Catalog) (*Plan, error) {
	ds := newDisjointSet()
	resolved := make(map[string][]string, len(r.order)) // system -> its full (transitive) component set

	var resolve func(name string, seen map[string]bool) []string
	resolve = func(name string, seen map[string]bool) []string {
		if seen[name] {
			return nil
		}
		seen[name] = true
		sys, ok := r.systems[name]
		if !ok {
			return nil
		}
		all := append([]string(nil), sys.Components...)
		for _, base := range sys.Bases {
			all = append(all, resolve(base, seen)...)
		}
		return all
	}

	for _, name := range r.order {
		comps := resolve(name, make(map[string]bool))
		resolved[name] = comps
		if len(comps) == 0 {
			ds.find(name) // isolated System, clustered on its own synthetic node
			continue
		}
		ds.find(comps[0])
		for _, c := range comps[1:] {
			ds.union(comps[0], c)
		}
	}

	// Every System with components joins the cluster of its first
	// component; a System with none gets a private cluster keyed on its
	// own name (no components to collide over).
	rootOf := make(map[string]string)
	for _, name := range r.order {
		comps := resolved[name]
		if len(comps) == 0 {
			rootOf[name] = ds.find(name)
			continue
		}
		rootOf[name] = ds.find(comps[0])
	}

	componentRoots := make(map[string]string)
	for _, comps := range resolved {
		for _, c := range comps {
			componentRoots[c] = ds.find(c)
		}
	}

	roots := make(map[string]struct{})
	for _, r := range rootOf {
		roots[r] = struct{}{}
	}
	for _, r := range componentRoots {
		roots[r] = struct{}{}
	}
	sortedRoots := make([]string, 0, len(roots))
	for r := range roots {
		sortedRoots = append(sortedRoots, r)
	}
	sort.Strings(sortedRoots)

	clusterID := make(map[string]uint64, len(sortedRoots))
	for i, root := range sortedRoots {
		clusterID[root] = uint64(i + 1)
	}

	plan := &Plan{
		componentCluster: make(map[string]uint64),
		systemCluster:    make(map[string]uint64),
		clusterMembers:   make(map[uint64][]string),
	}
	for comp, root := range componentRoots {
		id := clusterID[root]
		plan.componentCluster[comp] = id
		plan.clusterMembers[id] = append(plan.clusterMembers[id], comp)
	}
	for name, root := range rootOf {
		plan.systemCluster[name] = clusterID[root]
	}

	if err := validateBackendHomogeneity(cat, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func validateBackendHomogeneity(cat *catalog.Catalog, plan *Plan) error {
	for id, members := range plan.clusterMembers {
		backends := make(map[catalog.BackendKind]struct{})
		for _, name := range members {
			ns, comp := splitFullName(name)
			c, ok := cat.Lookup(ns, comp)
			if !ok {
				continue
			}
			backends[c.Backend] = struct{}{}
		}
		if len(backends) > 1 {
			sort.Strings(members)
			return errors.CrossBackendCluster(id, members)
		}
	}
	return nil
}
