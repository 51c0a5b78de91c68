// Package broker implements the Subscription Broker (C7): per-connection
// row and range subscriptions over components, fed by the Backend
// Adapter's change-notification channels and served through short-lived,
// read-only Sessions (§4.7).
//
// Grounded on the teacher's pkg/pgnotify Bus: one listener goroutine per
// notification channel fans out to every interested Handler. This broker
// generalizes that shape from a flat channel->[]Handler map to a
// channel->handle set where each handle owns a query (row or range) and
// recomputes + diffs its own membership on every notification, since this
// spec's delta is query-shaped rather than a raw row-change payload.
package broker

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"sync"

	"github.com/astraecs/engine/backend"
	"github.com/astraecs/engine/catalog"
	"github.com/astraecs/engine/infrastructure/errors"
	"github.com/astraecs/engine/infrastructure/metrics"
	"github.com/astraecs/engine/session"
	"github.com/astraecs/engine/table"
)

// Caller is the identity view needed for OWNER-class row filtering,
// mirroring rpc.Caller without importing the rpc package (broker and rpc
// are siblings under the connection layer, C8).
type Caller struct {
	Identity   uint64
	Permission catalog.Permission
}

// Update is one push of subscription deltas: the wire "updt" message's
// payload (§6). Rows maps row id to its current content, or to a nil Row
// for a deletion (or a row leaving an OWNER-filtered or range view).
type Update struct {
	SubID string
	Rows  map[uint64]backend.Row
}

// Sink is the per-connection outbound delivery surface a subscription
// pushes to. The connection layer (C8) implements it over its outbound
// queue; Sink owns the high-water-mark coalescing policy of §4.7 and
// reports back whether delivery succeeded.
type Sink interface {
	// Deliver attempts to push update. ok=false means the connection's
	// queue could not absorb it even after coalescing; the broker then
	// evicts the subscription.
	Deliver(update Update) (ok bool)
	// Evict notifies the connection that subID was dropped server-side.
	Evict(subID string, reason string)
}

type kind int

const (
	kindRow kind = iota
	kindRange
)

// handle is one active subscription: a pinned query plus the last reported
// membership, used to diff against on every notification.
type handle struct {
	subID  string
	kind   kind
	connID string
	caller Caller
	sink   Sink

	comp     catalog.Component
	keys     table.Keys
	indexCol string

	// row subscription
	where string
	value interface{}

	// range subscription
	left, right backend.Bound
	limit       int
	desc        bool

	mu      sync.Mutex
	members map[uint64]backend.Row
}

func (h *handle) snapshotRow() backend.Row {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.members {
		return r.Clone()
	}
	return nil
}

func (h *handle) snapshotRows() []backend.Row {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]backend.Row, 0, len(h.members))
	for _, r := range h.members {
		out = append(out, r.Clone())
	}
	return out
}

func (h *handle) kindLabel() string {
	if h.kind == kindRange {
		return "range"
	}
	return "row"
}

// Broker is the Subscription Broker (C7).
type Broker struct {
	cat      *catalog.Catalog
	keys     map[string]table.Keys
	backends map[catalog.BackendKind]backend.Backend
	alloc    session.Allocator
	maxPerConn int
	metrics  *metrics.Metrics

	mu        sync.Mutex
	byConn    map[string]map[string]*handle    // connID -> subID -> handle
	byChannel map[string]map[string]*handle    // channel -> "connID#subID" -> handle
	listening map[string]context.CancelFunc    // channel -> cancel for its listener goroutine
}

// NewBroker builds a Broker. maxPerConn caps the number of live
// subscriptions a single connection may hold (0 means unlimited), the
// SubscriptionBudget boundary of §4.7.
func NewBroker(cat *catalog.Catalog, keys map[string]table.Keys, backends map[catalog.BackendKind]backend.Backend, alloc session.Allocator, maxPerConn int, m *metrics.Metrics) *Broker {
	return &Broker{
		cat:        cat,
		keys:       keys,
		backends:   backends,
		alloc:      alloc,
		maxPerConn: maxPerConn,
		metrics:    m,
		byConn:     make(map[string]map[string]*handle),
		byChannel:  make(map[string]map[string]*handle),
		listening:  make(map[string]context.CancelFunc),
	}
}

func handleKey(connID, subID string) string { return connID + "#" + subID }

// LookupComponent resolves a component by namespace and name against the
// Broker's Catalog, for the connection layer's wire dispatch (§6: a "sub"
// message names a component by string, not by typed handle).
func (b *Broker) LookupComponent(namespace, name string) (catalog.Component, bool) {
	return b.cat.Lookup(namespace, name)
}

// SubscribeRow opens (or returns the existing handle for) "the single row
// of comp whose indexCol equals value" (§4.7). When no row currently
// matches, no handle is created: SubscribeRow returns an empty subID and a
// nil row with a nil error, meaning "not subscribed".
func (b *Broker) SubscribeRow(ctx context.Context, connID string, caller Caller, sink Sink, comp catalog.Component, indexCol string, value interface{}) (subID string, row backend.Row, err error) {
	col, ok := comp.Column(indexCol)
	if !ok || !col.Indexed() {
		return "", nil, errors.NotSubscribable(comp.FullName(), indexCol)
	}
	subID = rowFingerprint(comp.FullName(), indexCol, value)

	if existing, ok := b.existing(connID, subID); ok {
		return subID, existing.snapshotRow(), nil
	}
	if err := b.checkBudget(connID); err != nil {
		return "", nil, err
	}

	keys, back, err := b.resolve(comp)
	if err != nil {
		return "", nil, err
	}

	h := &handle{
		subID: subID, kind: kindRow, connID: connID, caller: caller, sink: sink,
		comp: comp, keys: keys, indexCol: indexCol, where: indexCol, value: value,
		members: make(map[uint64]backend.Row),
	}

	members, err := b.computeMembers(ctx, h)
	if err != nil {
		return "", nil, err
	}
	if len(members) == 0 {
		return "", nil, nil
	}
	h.members = members

	b.register(h, back)
	return subID, h.snapshotRow(), nil
}

// SubscribeRange opens (or returns the existing handle for) "rows of comp
// whose indexCol lies in [left, right], capped at limit, optionally
// descending" (§4.7). When the initial result is empty and force is false,
// no handle is created — the decided reading of §9's open question: the
// fingerprint is still returned as subID, and materialized==false means
// "not subscribed", distinct from a materialized-but-currently-empty
// subscription.
func (b *Broker) SubscribeRange(ctx context.Context, connID string, caller Caller, sink Sink, comp catalog.Component, indexCol string, left, right backend.Bound, limit int, desc, force bool) (subID string, rows []backend.Row, materialized bool, err error) {
	col, ok := comp.Column(indexCol)
	if !ok || !col.Indexed() {
		return "", nil, false, errors.NotSubscribable(comp.FullName(), indexCol)
	}
	subID = rangeFingerprint(comp.FullName(), indexCol, left, right, limit, desc)

	if existing, ok := b.existing(connID, subID); ok {
		return subID, existing.snapshotRows(), true, nil
	}
	if err := b.checkBudget(connID); err != nil {
		return "", nil, false, err
	}

	keys, back, err := b.resolve(comp)
	if err != nil {
		return "", nil, false, err
	}

	h := &handle{
		subID: subID, kind: kindRange, connID: connID, caller: caller, sink: sink,
		comp: comp, keys: keys, indexCol: indexCol, left: left, right: right, limit: limit, desc: desc,
		members: make(map[uint64]backend.Row),
	}

	members, err := b.computeMembers(ctx, h)
	if err != nil {
		return "", nil, false, err
	}
	if len(members) == 0 && !force {
		return subID, nil, false, nil
	}
	h.members = members

	b.register(h, back)
	return subID, h.snapshotRows(), true, nil
}

func (b *Broker) existing(connID, subID string) (*handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.byConn[connID][subID]
	return h, ok
}

func (b *Broker) checkBudget(connID string) error {
	if b.maxPerConn <= 0 {
		return nil
	}
	b.mu.Lock()
	n := len(b.byConn[connID])
	b.mu.Unlock()
	if n >= b.maxPerConn {
		return errors.SubscriptionBudget(b.maxPerConn)
	}
	return nil
}

func (b *Broker) resolve(comp catalog.Component) (table.Keys, backend.Backend, error) {
	keys, ok := b.keys[comp.FullName()]
	if !ok {
		return table.Keys{}, nil, errors.LogicErrorf("broker: %s has no key layout bound", comp.FullName())
	}
	back, err := b.backendFor(comp)
	return keys, back, err
}

func (b *Broker) backendFor(comp catalog.Component) (backend.Backend, error) {
	back, ok := b.backends[comp.Backend]
	if !ok {
		return nil, errors.LogicErrorf("broker: no backend configured for kind %q", comp.Backend)
	}
	return back, nil
}

// register installs h and, if this is the channel's first handle, starts
// its notification listener.
func (b *Broker) register(h *handle, back backend.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.byConn[h.connID] == nil {
		b.byConn[h.connID] = make(map[string]*handle)
	}
	b.byConn[h.connID][h.subID] = h

	channel := h.keys.Channel()
	if b.byChannel[channel] == nil {
		b.byChannel[channel] = make(map[string]*handle)
	}
	b.byChannel[channel][handleKey(h.connID, h.subID)] = h

	if b.metrics != nil {
		b.metrics.SetSubscriptions(h.kindLabel(), b.countLocked(h.kind))
	}

	if _, ok := b.listening[channel]; !ok {
		b.startListener(channel, back)
	}
}

func (b *Broker) countLocked(k kind) int {
	n := 0
	for _, handles := range b.byChannel {
		for _, h := range handles {
			if h.kind == k {
				n++
			}
		}
	}
	return n
}

func (b *Broker) startListener(channel string, back backend.Backend) {
	ctx, cancel := context.WithCancel(context.Background())
	b.listening[channel] = cancel

	sub, err := back.Subscribe(ctx, channel)
	if err != nil {
		// No notification source: handles on this channel see only their
		// initial snapshot until a future Unsubscribe/Subscribe cycle.
		cancel()
		delete(b.listening, channel)
		return
	}

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C():
				if !ok {
					return
				}
				b.handleNotification(channel)
			}
		}
	}()
}

// handleNotification re-evaluates every handle registered on channel. A
// single listener goroutine per channel serializes this, so delivery order
// matches backend commit order for that channel (§4.7 ordering guarantee).
func (b *Broker) handleNotification(channel string) {
	b.mu.Lock()
	handles := make([]*handle, 0, len(b.byChannel[channel]))
	for _, h := range b.byChannel[channel] {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		b.refresh(h)
	}
}

// refresh recomputes h's current membership and delivers the diff against
// its last reported state. Recomputing fresh truth on every notification
// (rather than queueing individual deltas) is what gives the coalescing
// behavior of §4.7 "no guarantee every intermediate state is observed,
// only that the last state after a quiescent period is" for free.
func (b *Broker) refresh(h *handle) {
	next, err := b.computeMembers(context.Background(), h)
	if err != nil {
		return // transient query error; the next notification retries
	}

	h.mu.Lock()
	delta := diffMembers(h.members, next)
	h.members = next
	h.mu.Unlock()

	if len(delta) == 0 {
		return
	}
	if b.metrics != nil {
		b.metrics.RecordSubscriptionUpdate(h.kindLabel())
	}
	if !h.sink.Deliver(Update{SubID: h.subID, Rows: delta}) {
		b.evict(h, "outbound queue saturated")
	}
}

func diffMembers(prev, next map[uint64]backend.Row) map[uint64]backend.Row {
	delta := make(map[uint64]backend.Row)
	for id, row := range next {
		old, existed := prev[id]
		if !existed || !reflect.DeepEqual(old, row) {
			delta[id] = row
		}
	}
	for id := range prev {
		if _, stillThere := next[id]; !stillThere {
			delta[id] = nil
		}
	}
	return delta
}

// computeMembers runs h's pinned query through a fresh, read-only Session
// and applies OWNER-class visibility filtering.
func (b *Broker) computeMembers(ctx context.Context, h *handle) (map[uint64]backend.Row, error) {
	back, err := b.backendFor(h.comp)
	if err != nil {
		return nil, err
	}
	components := map[string]catalog.Component{h.comp.FullName(): h.comp}
	keys := map[string]table.Keys{h.comp.FullName(): h.keys}
	sess := session.New(back, components, keys, b.alloc)

	out := make(map[uint64]backend.Row)
	if h.kind == kindRow {
		row, ok, err := sess.Get(ctx, h.comp, h.value, h.where)
		if err != nil {
			return nil, err
		}
		if ok && b.visible(h, row) {
			out[row.ID()] = row
		}
		return out, nil
	}

	rows, err := sess.Range(ctx, h.comp, h.indexCol, h.left, h.right, h.limit, h.desc)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if b.visible(h, r) {
			out[r.ID()] = r
		}
	}
	return out, nil
}

// visible applies the OWNER permission class's row filter (§3 "OWNER
// requires a column named owner"; §8 scenario S6).
func (b *Broker) visible(h *handle, row backend.Row) bool {
	if h.comp.Permission != catalog.PermissionOwner {
		return true
	}
	owner, ok := toUint64(row["owner"])
	return ok && owner == h.caller.Identity
}

// Unsubscribe releases connID's handle for subID, if any (§4.7 step 3).
func (b *Broker) Unsubscribe(connID, subID string) {
	b.mu.Lock()
	h, ok := b.byConn[connID][subID]
	b.mu.Unlock()
	if ok {
		b.unregister(h)
	}
}

// CloseConnection releases every handle held by connID, e.g. on connection
// drop (§8 property 7).
func (b *Broker) CloseConnection(connID string) {
	b.mu.Lock()
	handles := make([]*handle, 0, len(b.byConn[connID]))
	for _, h := range b.byConn[connID] {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		b.unregister(h)
	}
}

func (b *Broker) evict(h *handle, reason string) {
	b.unregister(h)
	if b.metrics != nil {
		b.metrics.RecordSubscriptionEviction(h.kindLabel())
	}
	h.sink.Evict(h.subID, reason)
}

func (b *Broker) unregister(h *handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conns, ok := b.byConn[h.connID]; ok {
		delete(conns, h.subID)
		if len(conns) == 0 {
			delete(b.byConn, h.connID)
		}
	}

	channel := h.keys.Channel()
	if chans, ok := b.byChannel[channel]; ok {
		delete(chans, handleKey(h.connID, h.subID))
		if len(chans) == 0 {
			delete(b.byChannel, channel)
			if cancel, ok := b.listening[channel]; ok {
				cancel()
				delete(b.listening, channel)
			}
		}
	}

	if b.metrics != nil {
		b.metrics.SetSubscriptions(h.kindLabel(), b.countLocked(h.kind))
	}
}

// rowFingerprint renders a row subscription's fingerprint as the
// degenerate range [value:None:1][:1] (§4.7, §8 scenario S1's
// "HP.owner[1:None:1][:1]").
func rowFingerprint(table, index string, value interface{}) string {
	return fmt.Sprintf("%s.%s[%s:%s:1][:1]", table, index, formatValue(value), unboundedToken)
}

// rangeFingerprint renders a range subscription's canonical identity
// string (§4.7).
func rangeFingerprint(table, index string, left, right backend.Bound, limit int, desc bool) string {
	dir := "1"
	if desc {
		dir = "-1"
	}
	return fmt.Sprintf("%s.%s[%s:%s:%s][:%d]", table, index, formatBound(left), formatBound(right), dir, limit)
}

const unboundedToken = "None"

func formatBound(b backend.Bound) string {
	if b.Unbounded {
		return unboundedToken
	}
	if b.IsString {
		return b.StringValue
	}
	if b.Value == math.Trunc(b.Value) {
		return strconv.FormatInt(int64(b.Value), 10)
	}
	return strconv.FormatFloat(b.Value, 'g', -1, 64)
}

func formatValue(v interface{}) string {
	return fmt.Sprintf("%v", v)
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
