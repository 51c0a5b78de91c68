// Package table implements the Table Manager (C3): it resolves a
// component plus runtime namespace/cluster to a concrete key layout on a
// Backend, and drives schema install/migrate against the Schema Ledger
// (C10, §4.3).
package table

import (
	"fmt"
	"strconv"

	"github.com/astraecs/engine/catalog"
)

// Keys builds the concrete keyspace for one component bound to cluster
// clusterID (§3 "Keyspace mapping"):
//   - row key:          N:T:{CLU K}:id:<id>
//   - per-index key:    N:T:{CLU K}:index:<c>
//
// The cluster tag is a hash-slot hint so all keys of co-located Systems
// land on one Redis cluster slot; it is inert on the memory backend.
type Keys struct {
	Namespace string
	Name      string
	ClusterID uint64
}

// NewKeys derives a Keys value from a registered component and its
// cluster assignment.
func NewKeys(comp catalog.Component, clusterID uint64) Keys {
	return Keys{Namespace: comp.Namespace, Name: comp.Name, ClusterID: clusterID}
}

func (k Keys) prefix() string {
	return fmt.Sprintf("%s:%s:{CLU %d}", k.Namespace, k.Name, k.ClusterID)
}

// RowKey returns the row key for id.
func (k Keys) RowKey(id uint64) string {
	return k.prefix() + ":id:" + strconv.FormatUint(id, 10)
}

// IndexKey returns the per-index key for a column.
func (k Keys) IndexKey(column string) string {
	return k.prefix() + ":index:" + column
}

// Channel returns the change-notification channel for this component,
// used by both Backend variants' Subscribe/Commit (§4.7 "registers
// interest on the backend's notification channel(s)").
func (k Keys) Channel() string {
	return k.Namespace + "." + k.Name
}

// EncodeMember renders an index member string for column col's value on
// row id, following §3's encoding rule: numeric columns score by value
// and the member is the bare id; string/bytes columns score zero and the
// member is "<value>:<id>" so lexicographic traversal is value-major with
// a stable tiebreak.
func EncodeMember(col catalog.Column, id uint64, value interface{}) (score float64, member string) {
	if col.Type.IsNumeric() {
		return numericScore(value), strconv.FormatUint(id, 10)
	}
	return 0, fmt.Sprintf("%v:%d", value, id)
}

func numericScore(value interface{}) float64 {
	switch v := value.(type) {
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}
