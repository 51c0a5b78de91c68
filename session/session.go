// Package session implements the Session / Identity Map (C4): the
// per-RPC transactional scratchpad that caches fetched rows, tracks
// pending inserts/updates/deletes, and assembles the atomic commit bundle
// a System's logic produces (§4.4).
//
// Go has no notion of a row object carrying a pointer back to its owning
// table, so unlike the dynamic-dispatch original every call here takes the
// owning catalog.Component explicitly alongside the row (§9 "dynamic
// dispatch over table references → sum-type identity-map entries").
package session

import (
	"context"

	"github.com/astraecs/engine/backend"
	"github.com/astraecs/engine/catalog"
	"github.com/astraecs/engine/infrastructure/errors"
	"github.com/astraecs/engine/table"
)

type entryKind int

const (
	entryGet entryKind = iota
	entryInsert
	entryUpdate
	entryDelete
)

// entry is the per-row state machine cell described in §4.4's "per-row
// rules" table: exactly one live entry per (component, id) pair for the
// lifetime of a Session.
type entry struct {
	kind    entryKind
	compKey string
	id      uint64
	version uint64      // observed _version at first get/range; meaningless for a fresh insert
	preRow  backend.Row // snapshot at first get, used to find stale index memberships on update/delete
	row     backend.Row // current candidate content for insert/update; unused for delete
}

// Session is a per-RPC transactional scratchpad bound to one Backend (the
// System's Cluster Planner assignment guarantees every component a System
// touches shares one backend, per §4.5's CrossBackendCluster invariant).
type Session struct {
	back       backend.Backend
	components map[string]catalog.Component
	keys       map[string]table.Keys
	alloc      Allocator

	entries map[rowKey]*entry
	closed  bool
}

type rowKey struct {
	component string
	id        uint64
}

// New opens a Session over components, each bound to its Keys layout on
// back. components and keys must share the same catalog.Component.FullName
// keys.
func New(back backend.Backend, components map[string]catalog.Component, keys map[string]table.Keys, alloc Allocator) *Session {
	return &Session{
		back:       back,
		components: components,
		keys:       keys,
		alloc:      alloc,
		entries:    make(map[rowKey]*entry),
	}
}

func (s *Session) checkOpen() error {
	if s.closed {
		return errors.LogicErrorf("session: already committed or aborted")
	}
	return nil
}

// Get returns the row in comp whose where column equals value, or ok=false
// if none exists. where="id" (the default call shape) looks the row up
// directly by its surrogate key; any other where must name an indexed
// column (§4.4 "get(component, value, where='id')").
func (s *Session) Get(ctx context.Context, comp catalog.Component, value interface{}, where string) (backend.Row, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	if where == "" {
		where = "id"
	}

	var id uint64
	if where == "id" {
		v, ok := toUint64(value)
		if !ok {
			return nil, false, errors.QueryErrorf("get: id value must be an integer, got %T", value)
		}
		id = v
	} else {
		found, ok, err := s.lookupByColumn(ctx, comp, where, value)
		if err != nil || !ok {
			return nil, false, err
		}
		id = found
	}

	row, ok, err := s.getByID(ctx, comp, id)
	if err != nil || !ok {
		return nil, false, err
	}
	return row.Clone(), true, nil
}

func (s *Session) lookupByColumn(ctx context.Context, comp catalog.Component, column string, value interface{}) (uint64, bool, error) {
	col, ok := comp.Column(column)
	if !ok || !col.Indexed() {
		return 0, false, errors.QueryErrorf("get: %s is not an indexed column of %s", column, comp.FullName())
	}
	keys, ok := s.keys[comp.FullName()]
	if !ok {
		return 0, false, errors.QueryErrorf("get: %s has no key layout bound in this session", comp.FullName())
	}
	indexKey := keys.IndexKey(column)

	if col.Type.IsNumeric() {
		score, _ := table.EncodeMember(col, 0, value)
		bound := backend.Bound{Value: score}
		entries, err := s.back.Range(ctx, indexKey, bound, bound, 0, false)
		if err != nil {
			return 0, false, errors.Wrap(errors.CodeQueryError, "range lookup failed", 500, err)
		}
		if len(entries) == 0 {
			return 0, false, nil
		}
		return entries[0].ID, true, nil
	}

	entries, err := s.back.Range(ctx, indexKey, backend.Bound{Value: 0}, backend.Bound{Value: 0}, 0, false)
	if err != nil {
		return 0, false, errors.Wrap(errors.CodeQueryError, "range lookup failed", 500, err)
	}
	for _, e := range entries {
		if e.Value == value {
			return e.ID, true, nil
		}
	}
	return 0, false, nil
}

// getByID returns the row, consulting the identity map before the backend
// so a row already touched in this Session is never read twice (read-your-
// writes within a Session, §4.2).
func (s *Session) getByID(ctx context.Context, comp catalog.Component, id uint64) (backend.Row, bool, error) {
	key := rowKey{comp.FullName(), id}
	if e, ok := s.entries[key]; ok {
		switch e.kind {
		case entryDelete:
			return nil, false, nil
		default:
			return e.row, true, nil
		}
	}

	keys, ok := s.keys[comp.FullName()]
	if !ok {
		return nil, false, errors.QueryErrorf("get: %s has no key layout bound in this session", comp.FullName())
	}
	row, ok, err := s.back.Get(ctx, keys.RowKey(id))
	if err != nil {
		return nil, false, errors.Wrap(errors.CodeQueryError, "row read failed", 500, err)
	}
	if !ok {
		return nil, false, nil
	}

	s.entries[key] = &entry{kind: entryGet, compKey: comp.FullName(), id: id, version: row.Version(), preRow: row, row: row.Clone()}
	return row, true, nil
}

// Range returns rows whose indexColumn falls in [left, right], ordered per
// desc, capped at limit (§4.4).
func (s *Session) Range(ctx context.Context, comp catalog.Component, indexColumn string, left, right backend.Bound, limit int, desc bool) ([]backend.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	keys, ok := s.keys[comp.FullName()]
	if !ok {
		return nil, errors.QueryErrorf("range: %s has no key layout bound in this session", comp.FullName())
	}
	col, ok := comp.Column(indexColumn)
	if !ok || !col.Indexed() {
		return nil, errors.QueryErrorf("range: %s is not an indexed column of %s", indexColumn, comp.FullName())
	}

	entries, err := s.back.Range(ctx, keys.IndexKey(indexColumn), left, right, limit, desc)
	if err != nil {
		return nil, errors.Wrap(errors.CodeQueryError, "range query failed", 500, err)
	}

	out := make([]backend.Row, 0, len(entries))
	for _, e := range entries {
		row, ok, err := s.getByID(ctx, comp, e.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // deleted earlier in this Session
		}
		out = append(out, row.Clone())
	}
	return out, nil
}

// Insert buffers a new row, assigning id from the Session's Allocator if
// absent (§4.4 "fills id if absent, buffers write").
func (s *Session) Insert(ctx context.Context, comp catalog.Component, row backend.Row) (backend.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row = row.Clone()

	id, ok := toUint64(row["id"])
	if !ok || id == 0 {
		id = s.alloc.NextID(comp.FullName())
		row["id"] = id
	}

	key := rowKey{comp.FullName(), id}
	if existing, ok := s.entries[key]; ok && existing.kind == entryDelete {
		return nil, errors.LogicErrorf("insert: row %d of %s was deleted in this session, resurrection not permitted", id, comp.FullName())
	}

	s.entries[key] = &entry{kind: entryInsert, compKey: comp.FullName(), id: id, row: row}
	return row.Clone(), nil
}

// Update marks row, previously returned by Get/Range/UpdateOrInsert in
// this Session, to be written back at commit (§4.4).
func (s *Session) Update(ctx context.Context, comp catalog.Component, row backend.Row) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	id := row.ID()
	key := rowKey{comp.FullName(), id}
	e, ok := s.entries[key]
	if !ok {
		return errors.LogicErrorf("update: row %d of %s was not obtained via get/range in this session", id, comp.FullName())
	}
	switch e.kind {
	case entryGet:
		e.kind = entryUpdate
		e.row = row.Clone()
	case entryInsert, entryUpdate:
		e.row = row.Clone()
	case entryDelete:
		return errors.LogicErrorf("update: row %d of %s was deleted in this session", id, comp.FullName())
	}
	return nil
}

// Delete marks row for removal at commit (§4.4).
func (s *Session) Delete(ctx context.Context, comp catalog.Component, row backend.Row) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	id := row.ID()
	key := rowKey{comp.FullName(), id}
	e, ok := s.entries[key]
	if !ok {
		return errors.LogicErrorf("delete: row %d of %s was not obtained via get/range in this session", id, comp.FullName())
	}
	switch e.kind {
	case entryInsert:
		delete(s.entries, key) // insert,delete -> no-op, entry erased
	default:
		e.kind = entryDelete
	}
	return nil
}

// UpdateOrInsert returns a mutable row for (comp, value) at where, creating
// one (with where pre-populated and other columns defaulted) if absent
// (§4.4). Unlike Get, the returned row is the Session's live entry, not a
// defensive copy — the caller may mutate it directly without a follow-up
// Update call.
func (s *Session) UpdateOrInsert(ctx context.Context, comp catalog.Component, value interface{}, where string) (backend.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if where == "" {
		where = "id"
	}

	var id uint64
	var found bool
	var err error
	if where == "id" {
		v, ok := toUint64(value)
		if !ok {
			return nil, errors.QueryErrorf("updateOrInsert: id value must be an integer, got %T", value)
		}
		id = v
		_, found, err = s.getByID(ctx, comp, id)
	} else {
		id, found, err = s.lookupByColumn(ctx, comp, where, value)
	}
	if err != nil {
		return nil, err
	}

	if found {
		row, _, err := s.getByID(ctx, comp, id)
		if err != nil {
			return nil, err
		}
		key := rowKey{comp.FullName(), row.ID()}
		e := s.entries[key]
		if e.kind == entryGet {
			e.kind = entryUpdate
		}
		return e.row, nil
	}

	newRow := defaultRow(comp)
	newRow[where] = value
	inserted, err := s.Insert(ctx, comp, newRow)
	if err != nil {
		return nil, err
	}
	return s.entries[rowKey{comp.FullName(), inserted.ID()}].row, nil
}

func defaultRow(comp catalog.Component) backend.Row {
	row := make(backend.Row, len(comp.Columns))
	for _, col := range comp.Columns {
		if col.Default != nil {
			row[col.Name] = col.Default
		}
	}
	return row
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	case uint:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case int32:
		return uint64(n), n >= 0
	}
	return 0, false
}
