package session

import (
	"sync"
	"sync/atomic"
)

// Allocator hands out surrogate row ids for Insert calls that don't supply
// one. Scoped per component so two components' id sequences never collide
// in a shared backend keyspace.
type Allocator interface {
	NextID(component string) uint64
}

// AtomicAllocator is a process-local, monotonically increasing id sequence
// per component, seeded above zero so a zero id always means "unassigned"
// (§3 row invariants: id is a non-zero surrogate key).
type AtomicAllocator struct {
	seed    uint64
	counter sync.Map // component string -> *uint64
}

// NewAtomicAllocator builds an allocator whose sequences start at seed+1.
// Workers should seed distinctly (e.g. from a coordination service or a
// worker index) to keep ids distinguishable across a running cluster; a
// single-worker deployment can pass 0.
func NewAtomicAllocator(seed uint64) *AtomicAllocator {
	return &AtomicAllocator{seed: seed}
}

func (a *AtomicAllocator) NextID(component string) uint64 {
	v, _ := a.counter.LoadOrStore(component, new(uint64))
	counter := v.(*uint64)
	return a.seed + atomic.AddUint64(counter, 1)
}
