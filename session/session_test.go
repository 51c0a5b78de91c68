package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraecs/engine/backend"
	"github.com/astraecs/engine/backend/memdb"
	"github.com/astraecs/engine/catalog"
	engineerrors "github.com/astraecs/engine/infrastructure/errors"
	"github.com/astraecs/engine/table"
)

func hpComponent() catalog.Component {
	return catalog.Component{
		Namespace: "game", Name: "HP",
		Columns: []catalog.Column{
			{Name: "owner", Type: catalog.TypeUint64, Unique: true},
			{Name: "value", Type: catalog.TypeInt32, Index: true},
		},
	}
}

func newTestSession(t *testing.T, store *memdb.Store, comp catalog.Component) *Session {
	t.Helper()
	components := map[string]catalog.Component{comp.FullName(): comp}
	keys := map[string]table.Keys{comp.FullName(): table.NewKeys(comp, 1)}
	return New(store, components, keys, NewAtomicAllocator(0))
}

func TestInsertThenCommitThenGet(t *testing.T) {
	store := memdb.New()
	comp := hpComponent()
	ctx := context.Background()

	s := newTestSession(t, store, comp)
	row, err := s.Insert(ctx, comp, backend.Row{"owner": uint64(1), "value": int32(10)})
	require.NoError(t, err)
	require.NotZero(t, row.ID())

	require.NoError(t, s.Commit(ctx))

	s2 := newTestSession(t, store, comp)
	got, ok, err := s2.Get(ctx, comp, row.ID(), "id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(10), got["value"])
}

func TestGetThenUpdateThenCommit(t *testing.T) {
	store := memdb.New()
	comp := hpComponent()
	ctx := context.Background()

	seed := newTestSession(t, store, comp)
	inserted, err := seed.Insert(ctx, comp, backend.Row{"owner": uint64(1), "value": int32(10)})
	require.NoError(t, err)
	require.NoError(t, seed.Commit(ctx))

	s := newTestSession(t, store, comp)
	row, ok, err := s.Get(ctx, comp, inserted.ID(), "id")
	require.NoError(t, err)
	require.True(t, ok)

	row["value"] = int32(20)
	require.NoError(t, s.Update(ctx, comp, row))
	require.NoError(t, s.Commit(ctx))

	verify := newTestSession(t, store, comp)
	got, ok, err := verify.Get(ctx, comp, inserted.ID(), "id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(20), got["value"])
}

func TestUpdateWithoutPriorGetFails(t *testing.T) {
	store := memdb.New()
	comp := hpComponent()
	ctx := context.Background()
	s := newTestSession(t, store, comp)

	err := s.Update(ctx, comp, backend.Row{"id": uint64(99), "value": int32(1)})
	require.Error(t, err)
	assert.True(t, engineerrors.IsEngineError(err))
}

func TestInsertThenDeleteIsNoOp(t *testing.T) {
	store := memdb.New()
	comp := hpComponent()
	ctx := context.Background()
	s := newTestSession(t, store, comp)

	row, err := s.Insert(ctx, comp, backend.Row{"owner": uint64(1), "value": int32(1)})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, comp, row))

	require.NoError(t, s.Commit(ctx))

	verify := newTestSession(t, store, comp)
	_, ok, err := verify.Get(ctx, comp, row.ID(), "id")
	require.NoError(t, err)
	assert.False(t, ok, "insert followed by delete in the same session must write nothing")
}

func TestDeleteThenInsertFailsResurrection(t *testing.T) {
	store := memdb.New()
	comp := hpComponent()
	ctx := context.Background()

	seed := newTestSession(t, store, comp)
	row, err := seed.Insert(ctx, comp, backend.Row{"owner": uint64(1), "value": int32(1)})
	require.NoError(t, err)
	require.NoError(t, seed.Commit(ctx))

	s := newTestSession(t, store, comp)
	got, ok, err := s.Get(ctx, comp, row.ID(), "id")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Delete(ctx, comp, got))

	_, err = s.Insert(ctx, comp, backend.Row{"id": row.ID(), "owner": uint64(1), "value": int32(1)})
	require.Error(t, err)
}

func TestCommitRaceOnConcurrentUpdate(t *testing.T) {
	store := memdb.New()
	comp := hpComponent()
	ctx := context.Background()

	seed := newTestSession(t, store, comp)
	row, err := seed.Insert(ctx, comp, backend.Row{"owner": uint64(1), "value": int32(1)})
	require.NoError(t, err)
	require.NoError(t, seed.Commit(ctx))

	s1 := newTestSession(t, store, comp)
	r1, _, _ := s1.Get(ctx, comp, row.ID(), "id")
	r1["value"] = int32(2)
	require.NoError(t, s1.Update(ctx, comp, r1))

	s2 := newTestSession(t, store, comp)
	r2, _, _ := s2.Get(ctx, comp, row.ID(), "id")
	r2["value"] = int32(3)
	require.NoError(t, s2.Update(ctx, comp, r2))

	require.NoError(t, s1.Commit(ctx))
	err = s2.Commit(ctx)
	require.Error(t, err)
	assert.True(t, engineerrors.IsRace(err))
}

func TestCommitUniqueViolation(t *testing.T) {
	store := memdb.New()
	comp := hpComponent()
	ctx := context.Background()

	seed := newTestSession(t, store, comp)
	_, err := seed.Insert(ctx, comp, backend.Row{"owner": uint64(42), "value": int32(1)})
	require.NoError(t, err)
	require.NoError(t, seed.Commit(ctx))

	s := newTestSession(t, store, comp)
	_, err = s.Insert(ctx, comp, backend.Row{"owner": uint64(42), "value": int32(2)})
	require.NoError(t, err)
	err = s.Commit(ctx)
	require.Error(t, err)
	ee := engineerrors.As(err)
	require.NotNil(t, ee)
	assert.Equal(t, engineerrors.CodeUniqueViolation, ee.Code)
}

func TestCommitUniqueSwapBetweenRowsSucceeds(t *testing.T) {
	store := memdb.New()
	comp := hpComponent()
	ctx := context.Background()

	seed := newTestSession(t, store, comp)
	rowA, err := seed.Insert(ctx, comp, backend.Row{"owner": uint64(1), "value": int32(10)})
	require.NoError(t, err)
	rowB, err := seed.Insert(ctx, comp, backend.Row{"owner": uint64(2), "value": int32(20)})
	require.NoError(t, err)
	require.NoError(t, seed.Commit(ctx))

	s := newTestSession(t, store, comp)
	a, ok, err := s.Get(ctx, comp, rowA.ID(), "id")
	require.NoError(t, err)
	require.True(t, ok)
	b, ok, err := s.Get(ctx, comp, rowB.ID(), "id")
	require.NoError(t, err)
	require.True(t, ok)

	a["owner"] = uint64(2)
	require.NoError(t, s.Update(ctx, comp, a))
	b["owner"] = uint64(1)
	require.NoError(t, s.Update(ctx, comp, b))

	require.NoError(t, s.Commit(ctx), "swapping a unique column's values between two rows in one session must not raise UniqueViolation")

	verify := newTestSession(t, store, comp)
	gotA, ok, err := verify.Get(ctx, comp, rowA.ID(), "id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), gotA["owner"])
	gotB, ok, err := verify.Get(ctx, comp, rowB.ID(), "id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), gotB["owner"])
}

func TestUpdateOrInsertCreatesThenReuses(t *testing.T) {
	store := memdb.New()
	comp := hpComponent()
	ctx := context.Background()

	s := newTestSession(t, store, comp)
	row, err := s.UpdateOrInsert(ctx, comp, uint64(7), "owner")
	require.NoError(t, err)
	row["value"] = int32(5)
	require.NoError(t, s.Commit(ctx))

	s2 := newTestSession(t, store, comp)
	got, err := s2.UpdateOrInsert(ctx, comp, uint64(7), "owner")
	require.NoError(t, err)
	assert.Equal(t, int32(5), got["value"])
	got["value"] = int32(6)
	require.NoError(t, s2.Commit(ctx))

	verify := newTestSession(t, store, comp)
	final, ok, err := verify.Get(ctx, comp, uint64(7), "owner")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(6), final["value"])
}

func TestRangeByIndexedColumn(t *testing.T) {
	store := memdb.New()
	comp := hpComponent()
	ctx := context.Background()

	seed := newTestSession(t, store, comp)
	_, err := seed.Insert(ctx, comp, backend.Row{"owner": uint64(1), "value": int32(10)})
	require.NoError(t, err)
	_, err = seed.Insert(ctx, comp, backend.Row{"owner": uint64(2), "value": int32(20)})
	require.NoError(t, err)
	require.NoError(t, seed.Commit(ctx))

	s := newTestSession(t, store, comp)
	rows, err := s.Range(ctx, comp, "value", backend.Bound{Value: 15}, backend.Bound{Unbounded: true}, 0, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int32(20), rows[0]["value"])
}
