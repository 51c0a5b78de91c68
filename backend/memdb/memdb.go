// Package memdb implements the single-process Backend Adapter variant
// (§4.2 "a single-machine memory-mapped store serving one host"), grounded
// on the teacher's pkg/storage/memory Store struct-of-maps idiom —
// generalized here from per-domain-type maps to a generic
// map[key]Row + map[indexKey][]entry shape, since every component shares
// the same row/index representation in this engine.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/astraecs/engine/backend"
)

type indexEntry struct {
	score  float64
	id     uint64
	value  interface{}
	member string
}

// Store is an in-memory Backend, safe for concurrent use. It is the
// fixture store used by every package's unit tests (SPEC_FULL.md §8) and
// a legitimate single-host production backend for small deployments.
type Store struct {
	mu      sync.RWMutex
	rows    map[string]backend.Row
	indices map[string][]indexEntry

	subMu sync.Mutex
	subs  map[string][]*subscription
}

var _ backend.Backend = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		rows:    make(map[string]backend.Row),
		indices: make(map[string][]indexEntry),
		subs:    make(map[string][]*subscription),
	}
}

func (s *Store) Get(_ context.Context, key string) (backend.Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[key]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

func (s *Store) Range(_ context.Context, indexKey string, left, right backend.Bound, limit int, desc bool) ([]backend.IndexEntry, error) {
	s.mu.RLock()
	entries := append([]indexEntry(nil), s.indices[indexKey]...)
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].member < entries[j].member
	})

	lexicographic := left.IsString || right.IsString
	out := make([]backend.IndexEntry, 0, len(entries))
	if lexicographic {
		for _, e := range entries {
			v := stringOf(e.value)
			if !left.Unbounded && v < left.StringValue {
				continue
			}
			if !right.Unbounded && v > right.StringValue {
				continue
			}
			out = append(out, backend.IndexEntry{Score: e.score, ID: e.id, Value: e.value})
		}
	} else {
		lo, hi := boundsOf(left, right)
		for _, e := range entries {
			if e.score < lo || e.score > hi {
				continue
			}
			out = append(out, backend.IndexEntry{Score: e.score, ID: e.id, Value: e.value})
		}
	}

	if desc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func boundsOf(left, right backend.Bound) (lo, hi float64) {
	lo = negInf
	hi = posInf
	if !left.Unbounded {
		lo = left.Value
	}
	if !right.Unbounded {
		hi = right.Value
	}
	return lo, hi
}

func stringOf(v interface{}) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

const (
	posInf = 1e308
	negInf = -1e308
)

func (s *Store) Commit(_ context.Context, bundle backend.CommitBundle) (backend.CommitResult, error) {
	s.mu.Lock()

	if res, ok := s.checkPreconditions(bundle.Preconditions); !ok {
		s.mu.Unlock()
		return res, nil
	}

	for _, m := range bundle.Mutations {
		s.applyMutation(m)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, ch := range bundle.Channels {
		s.publish(ch, now)
	}

	return backend.CommitResult{Outcome: backend.Committed}, nil
}

func (s *Store) checkPreconditions(preconds []backend.Precondition) (backend.CommitResult, bool) {
	for _, p := range preconds {
		switch p.Kind {
		case backend.PrecondVersion:
			row, ok := s.rows[p.Key]
			if !ok || row.Version() != p.Version {
				return backend.CommitResult{Outcome: backend.Raced}, false
			}
		case backend.PrecondNotExists:
			if _, ok := s.rows[p.Key]; ok {
				return backend.CommitResult{Outcome: backend.Raced}, false
			}
		case backend.PrecondExists:
			if _, ok := s.rows[p.Key]; !ok {
				return backend.CommitResult{Outcome: backend.Raced}, false
			}
		case backend.PrecondUnique:
			if conflicts := s.uniqueConflicts(p); len(conflicts) > 0 {
				return backend.CommitResult{Outcome: backend.UniqueConflict, ConflictIDs: conflicts}, false
			}
		}
	}
	return backend.CommitResult{}, true
}

// uniqueConflicts matches a UNIQ precondition's Value against the index's
// score for a numeric column (Value is a float64, per backend.Precondition's
// contract) or against the live value for a string/bytes column (Value is
// the raw comparable).
func (s *Store) uniqueConflicts(p backend.Precondition) []uint64 {
	exclude := make(map[uint64]struct{}, len(p.ExcludeIDs))
	for _, id := range p.ExcludeIDs {
		exclude[id] = struct{}{}
	}
	matchScore, numeric := p.Value.(float64)

	var conflicts []uint64
	for _, e := range s.indices[p.IndexKey] {
		if numeric {
			if e.score != matchScore {
				continue
			}
		} else if !valueEqual(e.value, p.Value) {
			continue
		}
		if _, excluded := exclude[e.id]; excluded {
			continue
		}
		conflicts = append(conflicts, e.id)
	}
	return conflicts
}

func valueEqual(a, b interface{}) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytesEqual(ab, bb)
	}
	return a == b
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Store) applyMutation(m backend.Mutation) {
	switch m.Kind {
	case backend.MutationRowPut:
		s.rows[m.Key] = m.Row.Clone()
	case backend.MutationRowDelete:
		delete(s.rows, m.Key)
	case backend.MutationIndexAdd:
		s.indices[m.IndexKey] = append(removeMember(s.indices[m.IndexKey], m.Member), indexEntry{
			score: m.Score, id: m.ID, value: m.Value, member: m.Member,
		})
	case backend.MutationIndexRemove:
		s.indices[m.IndexKey] = removeMember(s.indices[m.IndexKey], m.Member)
	}
}

func removeMember(entries []indexEntry, member string) []indexEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.member != member {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Close() error { return nil }
