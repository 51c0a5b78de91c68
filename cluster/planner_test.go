package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraecs/engine/catalog"
)

func buildCatalog(t *testing.T, comps ...catalog.Component) *catalog.Catalog {
	t.Helper()
	reg := catalog.NewRegistry()
	for _, c := range comps {
		require.NoError(t, reg.Register(c))
	}
	return reg.Build()
}

func TestSharedComponentJoinsCluster(t *testing.T) {
	cat := buildCatalog(t,
		catalog.Component{Namespace: "game", Name: "Position", Backend: catalog.BackendRedis},
		catalog.Component{Namespace: "game", Name: "HP", Backend: catalog.BackendRedis},
	)

	reg := NewRegistry()
	require.NoError(t, reg.Register(System{Namespace: "game", Name: "Move", Components: []string{"game.Position"}}))
	require.NoError(t, reg.Register(System{Namespace: "game", Name: "Damage", Components: []string{"game.HP", "game.Position"}}))

	plan, err := reg.Build(cat)
	require.NoError(t, err)

	posCluster, ok := plan.ComponentCluster("game.Position")
	require.True(t, ok)
	hpCluster, ok := plan.ComponentCluster("game.HP")
	require.True(t, ok)
	assert.Equal(t, posCluster, hpCluster, "Position and HP share a System so must share a cluster")
}

func TestDisjointSystemsGetDistinctClusters(t *testing.T) {
	cat := buildCatalog(t,
		catalog.Component{Namespace: "game", Name: "Position", Backend: catalog.BackendRedis},
		catalog.Component{Namespace: "game", Name: "Chat", Backend: catalog.BackendRedis},
	)

	reg := NewRegistry()
	require.NoError(t, reg.Register(System{Namespace: "game", Name: "Move", Components: []string{"game.Position"}}))
	require.NoError(t, reg.Register(System{Namespace: "game", Name: "Say", Components: []string{"game.Chat"}}))

	plan, err := reg.Build(cat)
	require.NoError(t, err)

	posCluster, _ := plan.ComponentCluster("game.Position")
	chatCluster, _ := plan.ComponentCluster("game.Chat")
	assert.NotEqual(t, posCluster, chatCluster)
}

func TestBaseSystemPullsIntoCallersCluster(t *testing.T) {
	cat := buildCatalog(t,
		catalog.Component{Namespace: "game", Name: "Position", Backend: catalog.BackendRedis},
		catalog.Component{Namespace: "game", Name: "Inventory", Backend: catalog.BackendRedis},
	)

	reg := NewRegistry()
	require.NoError(t, reg.Register(System{Namespace: "game", Name: "Drop", Components: []string{"game.Inventory"}}))
	require.NoError(t, reg.Register(System{Namespace: "game", Name: "Move", Components: []string{"game.Position"}, Bases: []string{"game.Drop"}}))

	plan, err := reg.Build(cat)
	require.NoError(t, err)

	posCluster, _ := plan.ComponentCluster("game.Position")
	invCluster, _ := plan.ComponentCluster("game.Inventory")
	assert.Equal(t, posCluster, invCluster, "a base System's components must join the caller's cluster")
}

func TestCrossBackendClusterFails(t *testing.T) {
	cat := buildCatalog(t,
		catalog.Component{Namespace: "game", Name: "Position", Backend: catalog.BackendRedis},
		catalog.Component{Namespace: "game", Name: "Scratch", Backend: catalog.BackendMemory},
	)

	reg := NewRegistry()
	require.NoError(t, reg.Register(System{Namespace: "game", Name: "Weird", Components: []string{"game.Position", "game.Scratch"}}))

	_, err := reg.Build(cat)
	require.Error(t, err)
}
