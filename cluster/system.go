// Package cluster implements the System Registry & Cluster Planner (C5):
// System definitions and the union-find grouping that guarantees every
// System's transaction touches components bound to exactly one backend
// (§4.5).
package cluster

import "github.com/astraecs/engine/catalog"

// System is one registered unit of server-side logic: a name, its
// permission class, the components its body may touch, and optional bases
// — other Systems invocable as helpers sharing the same Session (§4.6 step
// 4: "not a nested transaction").
type System struct {
	Namespace  string
	Name       string
	Permission catalog.Permission
	Components []string // catalog.Component.FullName() values referenced by this System's body
	Bases      []string // other System FullNames, resolved at Build time
}

// FullName is the registry key: "namespace.name".
func (s System) FullName() string { return s.Namespace + "." + s.Name }
