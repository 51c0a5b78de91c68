package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraecs/engine/backend"
	"github.com/astraecs/engine/backend/memdb"
	"github.com/astraecs/engine/broker"
	"github.com/astraecs/engine/catalog"
	"github.com/astraecs/engine/cluster"
	"github.com/astraecs/engine/connection"
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

// newTestServer wires a Server whose acceptor is exposed over an
// httptest.Server rather than the production ListenAndServe path, and
// returns a dialed websocket connection to it.
func newTestServer(t *testing.T) (*websocket.Conn, *Server) {
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
		return map[string]interface{}{"id": row.ID()}, nil
	}))

	b := broker.NewBroker(cat, keys, backends, session.NewAtomicAllocator(1000), 0, nil)
	registry := connection.NewRegistry(ex, b, connection.Config{}, 0, nil)

	srv := NewServer(ServerConfig{}, registry, b, nil)
	httpSrv := httptest.NewServer(http.HandlerFunc(srv.handleUpgrade))
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, srv
}

func TestParseBoundRejectsNonNumericForNumericColumn(t *testing.T) {
	col := catalog.Column{Name: "value", Type: catalog.TypeInt32}
	_, err := parseBound("not-a-number", col)
	require.Error(t, err)
}

func TestParseBoundRejectsOutOfRangeLiteral(t *testing.T) {
	col := catalog.Column{Name: "tier", Type: catalog.TypeInt8}
	_, err := parseBound(float64(200), col)
	require.Error(t, err)
}

func TestParseBoundAcceptsStringForStringColumn(t *testing.T) {
	col := catalog.Column{Name: "name", Type: catalog.TypeString, Index: true}
	b, err := parseBound("alice", col)
	require.NoError(t, err)
	assert.True(t, b.IsString)
	assert.Equal(t, "alice", b.StringValue)
}

func TestParseBoundRejectsNumericForStringColumn(t *testing.T) {
	col := catalog.Column{Name: "name", Type: catalog.TypeString, Index: true}
	_, err := parseBound(float64(5), col)
	require.Error(t, err)
}

func TestParseBoundNilIsUnbounded(t *testing.T) {
	col := catalog.Column{Name: "value", Type: catalog.TypeInt32}
	b, err := parseBound(nil, col)
	require.NoError(t, err)
	assert.True(t, b.Unbounded)
}

func TestGatewayRPCRoundTrip(t *testing.T) {
	conn, _ := newTestServer(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["rpc", "game.Heal"]`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"rsp"`)
	assert.Contains(t, string(raw), `"id"`)
}

func TestGatewayUnknownSystemReturnsError(t *testing.T) {
	conn, _ := newTestServer(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["rpc", "game.NoSuchSystem"]`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"error"`)
}

func TestGatewaySubscribeRowDeliversSnapshot(t *testing.T) {
	conn, _ := newTestServer(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["rpc", "game.Heal"]`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["sub", "game.HP", "get", "owner", 1]`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"subOk"`)
	assert.Contains(t, string(raw), `"owner"`)
}
