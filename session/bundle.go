package session

import (
	"bytes"
	"context"

	"github.com/astraecs/engine/backend"
	"github.com/astraecs/engine/catalog"
	"github.com/astraecs/engine/infrastructure/errors"
	"github.com/astraecs/engine/table"
)

// Commit assembles every pending entry into one atomic bundle and applies
// it (§4.4 "Commit protocol"). On success the Session is closed (I3). On
// RACE the identity map is discarded and the caller (the System Executor,
// C6) is responsible for retrying with a fresh Session. On UNIQUE the
// Session raises a UniqueViolation to the caller's System logic; it is not
// retried.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	bundle, uniqueOwners, err := s.buildBundle()
	if err != nil {
		s.closed = true
		return err
	}
	if len(bundle.Mutations) == 0 {
		s.closed = true
		return nil // nothing pending: a no-op commit, matching I4 vacuously
	}

	result, err := s.back.Commit(ctx, bundle)
	s.entries = nil
	s.closed = true
	if err != nil {
		return errors.Wrap(errors.CodeQueryError, "commit failed", 500, err)
	}

	switch result.Outcome {
	case backend.Committed:
		return nil
	case backend.Raced:
		return errors.New(errors.CodeRace, "optimistic concurrency conflict", 409)
	case backend.UniqueConflict:
		owner := uniqueOwner{}
		if len(uniqueOwners) > 0 {
			owner = uniqueOwners[0]
		}
		return errors.UniqueViolation(owner.component, owner.column, owner.value).
			WithDetails("conflict_ids", result.ConflictIDs)
	default:
		return errors.LogicErrorf("commit: unknown outcome %d", result.Outcome)
	}
}

type uniqueOwner struct {
	component string
	column    string
	value     interface{}
}

// buildBundle implements §4.4's precondition/mutation assembly:
//   - insert: NX(key) + row PUT + IndexAdd for every indexed column +
//     UNIQ(indexKey, value) for every unique column
//   - update: VER(key, observedVersion) + row PUT + IndexRemove/IndexAdd
//     for any indexed column whose value changed + UNIQ for any changed
//     unique column
//   - delete: EX(key) + row DELETE + IndexRemove for every indexed column's
//     prior value
//
// Any row whose unique column value is leaving that column's live index
// within this bundle — via delete, or via an update that changes the
// column — is excluded from that column's UNIQ precondition, so a unique
// value may be swapped between two rows within one Session (§9 Open
// Question 3, §4.4's UNIQ rule). The exclusion is scoped per (component,
// column): a row leaving component A's "name" index must not suppress a
// genuine conflict on component B's "name" index.
func (s *Session) buildBundle() (backend.CommitBundle, []uniqueOwner, error) {
	uniqExcludes := make(map[string][]uint64) // "component.column" -> ids leaving that column's index
	for _, e := range s.entries {
		comp, ok := s.components[e.compKey]
		if !ok {
			continue // reported properly in the main pass below
		}
		switch e.kind {
		case entryDelete:
			for _, col := range comp.IndexedColumns() {
				if !col.Unique {
					continue
				}
				key := uniqExcludeKey(e.compKey, col.Name)
				uniqExcludes[key] = append(uniqExcludes[key], e.id)
			}
		case entryUpdate:
			for _, col := range comp.IndexedColumns() {
				if !col.Unique {
					continue
				}
				if equalValue(e.preRow[col.Name], e.row[col.Name]) {
					continue
				}
				key := uniqExcludeKey(e.compKey, col.Name)
				uniqExcludes[key] = append(uniqExcludes[key], e.id)
			}
		}
	}

	var bundle backend.CommitBundle
	var uniqueOwners []uniqueOwner
	channels := make(map[string]struct{})

	for _, e := range s.entries {
		comp, ok := s.components[e.compKey]
		if !ok {
			return backend.CommitBundle{}, nil, errors.LogicErrorf("commit: unknown component %s in session", e.compKey)
		}
		keys := s.keys[e.compKey]
		channels[keys.Channel()] = struct{}{}

		switch e.kind {
		case entryGet:
			continue // read-only, contributes nothing to the bundle

		case entryInsert:
			row := e.row.Clone()
			row["_version"] = uint64(1)
			bundle.Preconditions = append(bundle.Preconditions, backend.Precondition{Kind: backend.PrecondNotExists, Key: keys.RowKey(e.id)})
			bundle.Mutations = append(bundle.Mutations, backend.Mutation{Kind: backend.MutationRowPut, Key: keys.RowKey(e.id), Row: row})
			for _, col := range comp.IndexedColumns() {
				value := row[col.Name]
				score, member := table.EncodeMember(col, e.id, value)
				bundle.Mutations = append(bundle.Mutations, backend.Mutation{
					Kind: backend.MutationIndexAdd, IndexKey: keys.IndexKey(col.Name),
					Score: score, Member: member, ID: e.id, Value: value,
				})
				if col.Unique {
					bundle.Preconditions = append(bundle.Preconditions, backend.Precondition{
						Kind: backend.PrecondUnique, IndexKey: keys.IndexKey(col.Name),
						Value: uniqueMatchValue(col, score, value), ExcludeIDs: uniqExcludes[uniqExcludeKey(e.compKey, col.Name)],
					})
					uniqueOwners = append(uniqueOwners, uniqueOwner{comp.FullName(), col.Name, value})
				}
			}

		case entryUpdate:
			row := e.row.Clone()
			row["id"] = e.id
			row["_version"] = e.version + 1
			bundle.Preconditions = append(bundle.Preconditions, backend.Precondition{Kind: backend.PrecondVersion, Key: keys.RowKey(e.id), Version: e.version})
			bundle.Mutations = append(bundle.Mutations, backend.Mutation{Kind: backend.MutationRowPut, Key: keys.RowKey(e.id), Row: row})
			for _, col := range comp.IndexedColumns() {
				oldValue := e.preRow[col.Name]
				newValue := row[col.Name]
				if equalValue(oldValue, newValue) {
					continue
				}
				oldScore, oldMember := table.EncodeMember(col, e.id, oldValue)
				newScore, newMember := table.EncodeMember(col, e.id, newValue)
				bundle.Mutations = append(bundle.Mutations,
					backend.Mutation{Kind: backend.MutationIndexRemove, IndexKey: keys.IndexKey(col.Name), Score: oldScore, Member: oldMember, ID: e.id},
					backend.Mutation{Kind: backend.MutationIndexAdd, IndexKey: keys.IndexKey(col.Name), Score: newScore, Member: newMember, ID: e.id, Value: newValue},
				)
				if col.Unique {
					bundle.Preconditions = append(bundle.Preconditions, backend.Precondition{
						Kind: backend.PrecondUnique, IndexKey: keys.IndexKey(col.Name),
						Value: uniqueMatchValue(col, newScore, newValue), ExcludeIDs: uniqExcludes[uniqExcludeKey(e.compKey, col.Name)],
					})
					uniqueOwners = append(uniqueOwners, uniqueOwner{comp.FullName(), col.Name, newValue})
				}
			}

		case entryDelete:
			bundle.Preconditions = append(bundle.Preconditions, backend.Precondition{Kind: backend.PrecondExists, Key: keys.RowKey(e.id)})
			bundle.Mutations = append(bundle.Mutations, backend.Mutation{Kind: backend.MutationRowDelete, Key: keys.RowKey(e.id)})
			for _, col := range comp.IndexedColumns() {
				value := e.preRow[col.Name]
				score, member := table.EncodeMember(col, e.id, value)
				bundle.Mutations = append(bundle.Mutations, backend.Mutation{Kind: backend.MutationIndexRemove, IndexKey: keys.IndexKey(col.Name), Score: score, Member: member, ID: e.id})
			}
		}
	}

	for ch := range channels {
		bundle.Channels = append(bundle.Channels, ch)
	}
	return bundle, uniqueOwners, nil
}

// uniqueMatchValue is the Value a UNIQ precondition matches against: the
// numeric score for a numeric column, the raw value for a string/bytes
// column (the backend distinguishes the two by type, §backend.Precondition).
func uniqueMatchValue(col catalog.Column, score float64, value interface{}) interface{} {
	if col.Type.IsNumeric() {
		return score
	}
	return value
}

func uniqExcludeKey(compKey, colName string) string {
	return compKey + "." + colName
}

func equalValue(a, b interface{}) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	return a == b
}
