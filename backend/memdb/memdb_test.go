package memdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraecs/engine/backend"
)

func TestCommitAtomicInsertThenRange(t *testing.T) {
	s := New()
	ctx := context.Background()

	res, err := s.Commit(ctx, backend.CommitBundle{
		Preconditions: []backend.Precondition{{Kind: backend.PrecondNotExists, Key: "game:HP:id:1"}},
		Mutations: []backend.Mutation{
			{Kind: backend.MutationRowPut, Key: "game:HP:id:1", Row: backend.Row{"id": uint64(1), "_version": uint64(1), "owner": int64(1), "value": int32(10)}},
			{Kind: backend.MutationIndexAdd, IndexKey: "game:HP:index:owner", Score: 1, ID: 1, Value: int64(1), Member: "1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, backend.Committed, res.Outcome)

	row, ok, err := s.Get(ctx, "game:HP:id:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(10), row["value"])

	entries, err := s.Range(ctx, "game:HP:index:owner", backend.Bound{Unbounded: true}, backend.Bound{Unbounded: true}, 0, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].ID)
}

func TestCommitVersionRaceFails(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Commit(ctx, backend.CommitBundle{
		Preconditions: []backend.Precondition{{Kind: backend.PrecondNotExists, Key: "k"}},
		Mutations:     []backend.Mutation{{Kind: backend.MutationRowPut, Key: "k", Row: backend.Row{"id": uint64(1), "_version": uint64(1)}}},
	})
	require.NoError(t, err)

	res, err := s.Commit(ctx, backend.CommitBundle{
		Preconditions: []backend.Precondition{{Kind: backend.PrecondVersion, Key: "k", Version: 99}},
		Mutations:     []backend.Mutation{{Kind: backend.MutationRowPut, Key: "k", Row: backend.Row{"id": uint64(1), "_version": uint64(2)}}},
	})
	require.NoError(t, err)
	assert.Equal(t, backend.Raced, res.Outcome)

	row, ok, _ := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, uint64(1), row.Version(), "a failed commit must not apply any mutation")
}

func TestCommitUniqueConflictExcludesSameBundleDeletes(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Commit(ctx, backend.CommitBundle{
		Mutations: []backend.Mutation{
			{Kind: backend.MutationRowPut, Key: "a", Row: backend.Row{"id": uint64(1), "_version": uint64(1)}},
			{Kind: backend.MutationIndexAdd, IndexKey: "idx", Score: 0, ID: 1, Value: int64(7), Member: "7:1"},
		},
	})
	require.NoError(t, err)

	// Swapping id 1 out while inserting id 2 with the same unique value
	// must be accepted because id 1 is excluded (§9 Open Question 3).
	res, err := s.Commit(ctx, backend.CommitBundle{
		Preconditions: []backend.Precondition{
			{Kind: backend.PrecondUnique, IndexKey: "idx", Value: int64(7), ExcludeIDs: []uint64{1}},
		},
		Mutations: []backend.Mutation{
			{Kind: backend.MutationRowDelete, Key: "a"},
			{Kind: backend.MutationIndexRemove, IndexKey: "idx", Member: "7:1"},
			{Kind: backend.MutationRowPut, Key: "b", Row: backend.Row{"id": uint64(2), "_version": uint64(1)}},
			{Kind: backend.MutationIndexAdd, IndexKey: "idx", Score: 0, ID: 2, Value: int64(7), Member: "7:2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, backend.Committed, res.Outcome)
}

func TestCommitUniqueConflictRejectsWithoutExclusion(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Commit(ctx, backend.CommitBundle{
		Mutations: []backend.Mutation{
			{Kind: backend.MutationIndexAdd, IndexKey: "idx", Score: 0, ID: 1, Value: int64(7), Member: "7:1"},
		},
	})
	require.NoError(t, err)

	res, err := s.Commit(ctx, backend.CommitBundle{
		Preconditions: []backend.Precondition{{Kind: backend.PrecondUnique, IndexKey: "idx", Value: int64(7)}},
		Mutations:     []backend.Mutation{{Kind: backend.MutationIndexAdd, IndexKey: "idx", Score: 0, ID: 2, Value: int64(7), Member: "7:2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, backend.UniqueConflict, res.Outcome)
	assert.Equal(t, []uint64{1}, res.ConflictIDs)
}

func TestRangeLexicographicOnStringColumn(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Commit(ctx, backend.CommitBundle{
		Mutations: []backend.Mutation{
			{Kind: backend.MutationRowPut, Key: "p:1", Row: backend.Row{"id": uint64(1), "_version": uint64(1), "name": "alice"}},
			{Kind: backend.MutationIndexAdd, IndexKey: "idx", Score: 0, ID: 1, Value: "alice", Member: "alice:1"},
			{Kind: backend.MutationRowPut, Key: "p:2", Row: backend.Row{"id": uint64(2), "_version": uint64(1), "name": "bob"}},
			{Kind: backend.MutationIndexAdd, IndexKey: "idx", Score: 0, ID: 2, Value: "bob", Member: "bob:2"},
			{Kind: backend.MutationRowPut, Key: "p:3", Row: backend.Row{"id": uint64(3), "_version": uint64(1), "name": "carol"}},
			{Kind: backend.MutationIndexAdd, IndexKey: "idx", Score: 0, ID: 3, Value: "carol", Member: "carol:3"},
		},
	})
	require.NoError(t, err)

	entries, err := s.Range(ctx, "idx",
		backend.Bound{StringValue: "alice", IsString: true},
		backend.Bound{StringValue: "bob", IsString: true},
		0, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].ID)
	assert.Equal(t, uint64(2), entries[1].ID)
}

func TestSubscribePublishesOnCommit(t *testing.T) {
	s := New()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "game.HP")
	require.NoError(t, err)
	defer sub.Close()

	_, err = s.Commit(ctx, backend.CommitBundle{
		Channels:  []string{"game.HP"},
		Mutations: []backend.Mutation{{Kind: backend.MutationRowPut, Key: "k", Row: backend.Row{"id": uint64(1)}}},
	})
	require.NoError(t, err)

	select {
	case n := <-sub.C():
		assert.Equal(t, "game.HP", n.Channel)
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}
}
