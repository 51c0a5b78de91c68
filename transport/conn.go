package transport

import (
	"context"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astraecs/engine/backend"
	"github.com/astraecs/engine/broker"
	"github.com/astraecs/engine/catalog"
	"github.com/astraecs/engine/connection"
	"github.com/astraecs/engine/infrastructure/errors"
	"github.com/astraecs/engine/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// conn pumps one client link: the calling goroutine decodes inbound frames
// and dispatches them to sess, and a second goroutine (writePump) drains
// sess's outbound subscription-update queue. Grounded on the teacher's cmd/gateway
// request-per-connection idiom, generalized from one-shot HTTP handlers to
// a duplex socket's read/write pump pair — the shape gorilla/websocket
// itself expects (one goroutine reads, one writes).
type conn struct {
	connID   string
	ws       *websocket.Conn
	sess     *connection.Session
	registry *connection.Registry
	broker   *broker.Broker
	codec    Codec
	log      *logger.Logger

	elevationSystem string
}

func (c *conn) run() {
	defer c.registry.Close(c.connID)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go c.writePump(done)
	defer close(done)

	c.readLoop()
}

func (c *conn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.sess.AllowRecv() {
			continue // over budget: drop silently rather than tearing down the link
		}
		c.sess.Touch()
		c.dispatch(raw)
	}
}

func (c *conn) dispatch(raw []byte) {
	kind, rpcReq, subReq, unsubReq, err := c.codec.DecodeClientFrame(raw)
	if err != nil {
		c.writeError(errors.LogicErrorf("%v", err))
		return
	}

	switch kind {
	case KindRPC:
		c.handleRPC(rpcReq)
	case KindSub:
		c.handleSub(subReq)
	case KindUnsub:
		c.sess.Unsubscribe(unsubReq.SubID)
	}
}

func (c *conn) handleRPC(req *RPCRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var params interface{} = req.Args
	out, err := c.sess.CallSystem(ctx, req.System, params)
	if err != nil {
		c.writeError(err)
		return
	}

	if req.System == c.elevationSystem {
		if identity, ok := parseElevationResult(out); ok {
			c.sess.Elevate(identity)
		}
	}

	frame, encErr := c.codec.EncodeResponse(out)
	if encErr != nil {
		return
	}
	c.writeLocked(frame)
}

// parseElevationResult extracts the (userID, permission) pair a
// permission-elevation System is expected to return. A System not
// matching this shape never elevates the connection.
func parseElevationResult(out interface{}) (connection.Identity, bool) {
	m, ok := out.(map[string]interface{})
	if !ok {
		return connection.Identity{}, false
	}
	idFloat, ok := m["identity"].(float64)
	if !ok {
		return connection.Identity{}, false
	}
	permFloat, ok := m["permission"].(float64)
	if !ok {
		return connection.Identity{}, false
	}
	return connection.Identity{UserID: uint64(idFloat), Permission: catalog.Permission(int(permFloat))}, true
}

func (c *conn) handleSub(req *SubRequest) {
	namespace, name := splitComponentName(req.Component)
	comp, ok := c.broker.LookupComponent(namespace, name)
	if !ok {
		c.writeError(errors.LogicErrorf("transport: unknown component %q", req.Component))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch req.Mode {
	case "get":
		subID, row, err := c.sess.SubscribeRow(ctx, comp, req.IndexCol, req.Value)
		if err != nil {
			c.writeError(err)
			return
		}
		frame, encErr := c.codec.EncodeSubOk(subID, row)
		if encErr != nil {
			return
		}
		c.writeLocked(frame)
	case "range":
		col, ok := comp.Column(req.IndexCol)
		if !ok || !col.Indexed() {
			c.writeError(errors.QueryErrorf("transport: %s is not an indexed column of %s", req.IndexCol, req.Component))
			return
		}
		left, err := parseBound(req.Left, col)
		if err != nil {
			c.writeError(err)
			return
		}
		right, err := parseBound(req.Right, col)
		if err != nil {
			c.writeError(err)
			return
		}
		subID, rows, materialized, err := c.sess.SubscribeRange(ctx, comp, req.IndexCol, left, right, req.Limit, req.Desc, req.Force)
		if err != nil {
			c.writeError(err)
			return
		}
		if !materialized {
			frame, encErr := c.codec.EncodeSubOk("", []interface{}{})
			if encErr != nil {
				return
			}
			c.writeLocked(frame)
			return
		}
		frame, encErr := c.codec.EncodeSubOk(subID, rows)
		if encErr != nil {
			return
		}
		c.writeLocked(frame)
	default:
		c.writeError(errors.LogicErrorf("transport: unknown sub mode %q", req.Mode))
	}
}

func (c *conn) writeError(err error) {
	ee := errors.As(err)
	code, message := "Error", err.Error()
	if ee != nil {
		code, message = string(ee.Code), ee.Message
	}
	var details map[string]interface{}
	if ee != nil {
		details = ee.Details
	}
	frame, encErr := c.codec.EncodeError(code, message, details)
	if encErr != nil {
		return
	}
	c.writeLocked(frame)
}

// writePump drains the Session's subscription-update queue and pushes
// periodic pings until done is closed by run().
func (c *conn) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.sess.Outbound():
			c.drainOutbound()
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) drainOutbound() {
	for {
		upd, ok := c.sess.PopOutbound()
		if !ok {
			return
		}
		rows := make(map[uint64]interface{}, len(upd.Rows))
		for id, row := range upd.Rows {
			if row == nil {
				rows[id] = nil
			} else {
				rows[id] = map[string]interface{}(row)
			}
		}
		frame, err := c.codec.EncodeUpdate(upd.SubID, rows)
		if err != nil {
			continue
		}
		c.writeLocked(frame)
	}
}

func (c *conn) writeLocked(frame []byte) {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.TextMessage, frame)
}

func splitComponentName(full string) (namespace, name string) {
	i := strings.Index(full, ".")
	if i < 0 {
		return full, ""
	}
	return full[:i], full[i+1:]
}

// parseBound decodes one wire range boundary against col's type: a numeric
// column bounds by Value, a string/bytes column bounds lexicographically by
// StringValue (§3's value-major member encoding). A bound literal of the
// wrong type for col is rejected with QueryError rather than silently
// widened to unbounded (spec's "out-of-type literals are rejected with
// QueryError").
func parseBound(v interface{}, col catalog.Column) (backend.Bound, error) {
	if v == nil {
		return backend.Bound{Unbounded: true}, nil
	}
	if col.Type.IsNumeric() {
		var n float64
		switch lit := v.(type) {
		case float64:
			n = lit
		case int:
			n = float64(lit)
		default:
			return backend.Bound{}, errors.QueryErrorf("transport: range bound %v is not a numeric literal for column %s", v, col.Name)
		}
		if min, max, bounded := col.Type.NumericRange(); bounded && (n < min || n > max) {
			return backend.Bound{}, errors.QueryErrorf("transport: range bound %v is out of range for column %s (%s)", v, col.Name, col.Type)
		}
		return backend.Bound{Value: n}, nil
	}
	s, ok := v.(string)
	if !ok {
		return backend.Bound{}, errors.QueryErrorf("transport: range bound %v is not a string literal for column %s", v, col.Name)
	}
	return backend.Bound{StringValue: s, IsString: true}, nil
}
