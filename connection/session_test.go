package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraecs/engine/backend"
	"github.com/astraecs/engine/backend/memdb"
	"github.com/astraecs/engine/broker"
	"github.com/astraecs/engine/catalog"
	"github.com/astraecs/engine/cluster"
	"github.com/astraecs/engine/infrastructure/ratelimit"
	"github.com/astraecs/engine/infrastructure/resilience"
	"github.com/astraecs/engine/rpc"
	"github.com/astraecs/engine/session"
	"github.com/astraecs/engine/table"
)

func hpComponent() catalog.Component {
	return catalog.Component{
		Namespace: "game", Name: "HP", Backend: catalog.BackendMemory,
		Columns: []catalog.Column{
			{Name: "owner", Type: catalog.TypeUint64, Unique: true},
			{Name: "value", Type: catalog.TypeInt32, Index: true},
		},
	}
}

type rig struct {
	store *memdb.Store
	comp  catalog.Component
	ex    *rpc.Executor
	b     *broker.Broker
}

func newTestRig(t *testing.T) *rig {
	t.Helper()
	comp := hpComponent()

	reg := catalog.NewRegistry()
	require.NoError(t, reg.Register(comp))
	cat := reg.Build()

	sys := cluster.System{Namespace: "game", Name: "Heal", Components: []string{"game.HP"}}
	cReg := cluster.NewRegistry()
	require.NoError(t, cReg.Register(sys))
	plan, err := cReg.Build(cat)
	require.NoError(t, err)

	clusterID, ok := plan.ComponentCluster(comp.FullName())
	require.True(t, ok)

	store := memdb.New()
	keys := map[string]table.Keys{comp.FullName(): table.NewKeys(comp, clusterID)}
	backends := map[catalog.BackendKind]backend.Backend{catalog.BackendMemory: store}

	ex := rpc.NewExecutor(cat, plan, keys, backends, session.NewAtomicAllocator(0), resilience.DefaultRetryConfig(), nil, nil)
	require.NoError(t, ex.Register(sys, func(rc *rpc.RequestContext) (interface{}, error) {
		row, err := rc.Session.Insert(rc.Ctx, comp, backend.Row{"owner": uint64(1), "value": int32(10)})
		if err != nil {
			return nil, err
		}
		return row.ID(), nil
	}))

	b := broker.NewBroker(cat, keys, backends, session.NewAtomicAllocator(1000), 0, nil)

	return &rig{store: store, comp: comp, ex: ex, b: b}
}

func TestSessionCallSystemDelegatesToExecutor(t *testing.T) {
	r := newTestRig(t)
	s := New("conn1", r.ex, r.b, Config{}, nil)
	defer s.Close()

	out, err := s.CallSystem(context.Background(), "game.Heal", nil)
	require.NoError(t, err)
	assert.NotZero(t, out)
}

func TestSessionIdleTimeoutFires(t *testing.T) {
	r := newTestRig(t)
	fired := make(chan string, 1)
	s := New("conn1", r.ex, r.b, Config{IdleTimeout: 30 * time.Millisecond}, func(connID string) {
		fired <- connID
	})
	defer s.Close()

	select {
	case id := <-fired:
		assert.Equal(t, "conn1", id)
	case <-time.After(time.Second):
		t.Fatal("idle timeout never fired")
	}
}

func TestSessionTouchPreventsIdleTimeout(t *testing.T) {
	r := newTestRig(t)
	fired := make(chan string, 1)
	s := New("conn1", r.ex, r.b, Config{IdleTimeout: 80 * time.Millisecond}, func(connID string) {
		fired <- connID
	})
	defer s.Close()

	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		s.Touch()
	}

	select {
	case <-fired:
		t.Fatal("idle timeout fired despite repeated Touch calls")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestSessionElevatePromotesBudgetImmediately(t *testing.T) {
	r := newTestRig(t)
	cfg := Config{
		AnonymousSendBudgets: []ratelimit.Budget{{Max: 1, Window: time.Second}},
		ElevatedSendBudgets:  nil, // unlimited once elevated
	}
	s := New("conn1", r.ex, r.b, cfg, nil)
	defer s.Close()

	assert.True(t, s.AllowSend())
	assert.False(t, s.AllowSend(), "the single-token anonymous budget must be exhausted by the second send")

	s.Elevate(Identity{UserID: 7, Permission: catalog.PermissionUser})
	assert.True(t, s.AllowSend(), "elevation must reset to the (unlimited) elevated budget immediately")
}

func TestSessionSubscribeRowAndDeliverCoalesces(t *testing.T) {
	r := newTestRig(t)
	s := New("conn1", r.ex, r.b, Config{}, nil)
	defer s.Close()

	seed := session.New(r.store, map[string]catalog.Component{r.comp.FullName(): r.comp}, map[string]table.Keys{r.comp.FullName(): table.NewKeys(r.comp, 1)}, session.NewAtomicAllocator(0))
	inserted, err := seed.Insert(context.Background(), r.comp, backend.Row{"owner": uint64(1), "value": int32(5)})
	require.NoError(t, err)
	require.NoError(t, seed.Commit(context.Background()))

	subID, row, err := s.SubscribeRow(context.Background(), r.comp, "owner", uint64(1))
	require.NoError(t, err)
	require.NotNil(t, row)

	ok := s.Deliver(broker.Update{SubID: subID, Rows: map[uint64]backend.Row{inserted.ID(): {"value": int32(6)}}})
	require.True(t, ok)
	ok = s.Deliver(broker.Update{SubID: subID, Rows: map[uint64]backend.Row{inserted.ID(): {"value": int32(7)}}})
	require.True(t, ok)

	upd, ok := s.PopOutbound()
	require.True(t, ok)
	assert.Equal(t, int32(7), upd.Rows[inserted.ID()]["value"], "two deliveries for the same row must coalesce to the latest")

	_, ok = s.PopOutbound()
	assert.False(t, ok, "coalesced deliveries must produce exactly one queued frame")
}

func TestSessionDeliverSaturatesAtMaxQueue(t *testing.T) {
	r := newTestRig(t)
	s := New("conn1", r.ex, r.b, Config{MaxOutboundQueue: 1}, nil)
	defer s.Close()

	ok := s.Deliver(broker.Update{SubID: "sub-a", Rows: map[uint64]backend.Row{1: {"value": int32(1)}}})
	require.True(t, ok)
	ok = s.Deliver(broker.Update{SubID: "sub-b", Rows: map[uint64]backend.Row{2: {"value": int32(2)}}})
	assert.False(t, ok, "a distinct subID beyond MaxOutboundQueue must report saturation")
}

func TestRegistryEnforcesAnonymousPerIPCap(t *testing.T) {
	r := newTestRig(t)
	reg := NewRegistry(r.ex, r.b, Config{}, 1, nil)

	s1, err := reg.Open("conn1", "10.0.0.1", nil)
	require.NoError(t, err)
	require.NotNil(t, s1)

	_, err = reg.Open("conn2", "10.0.0.1", nil)
	require.Error(t, err, "a second anonymous connection from the same IP must be rejected at the cap")

	s3, err := reg.Open("conn3", "10.0.0.2", nil)
	require.NoError(t, err, "a different IP must not be affected by another IP's cap")
	require.NotNil(t, s3)

	reg.Close("conn1")
	s4, err := reg.Open("conn4", "10.0.0.1", nil)
	require.NoError(t, err, "closing conn1 must free its IP slot")
	require.NotNil(t, s4)
}

