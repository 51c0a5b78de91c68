// Package connection implements the Connection Session (C8): per-client
// state held for the lifetime of one worker-local link — identity and
// permission class, send/receive rate budgets, the subscription budget,
// the idle-timeout timer, and the broker's per-connection handle table
// (§4.8).
//
// Grounded on the teacher's infrastructure/ratelimit.RateLimiter wrapper,
// generalized by ratelimit.Limiter (see infrastructure/ratelimit) into an
// arbitrary list of (max, window) budgets that must all be satisfied.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/astraecs/engine/backend"
	"github.com/astraecs/engine/broker"
	"github.com/astraecs/engine/catalog"
	"github.com/astraecs/engine/infrastructure/errors"
	"github.com/astraecs/engine/infrastructure/ratelimit"
	"github.com/astraecs/engine/rpc"
)

// Identity is the mutable part of a connection's caller state: who it is
// and what permission class it has been elevated to. The zero value is
// the anonymous, EVERYBODY-class caller.
type Identity struct {
	UserID     uint64
	Permission catalog.Permission
}

// Config supplies the per-tier resource budgets a Session enforces.
// ElevatedSendBudgets/ElevatedRecvBudgets apply the instant a connection's
// Permission reaches catalog.PermissionUser or above — promotion is
// immediate, never retroactive and never deferred to reconnect (§9 Open
// Question 2).
type Config struct {
	AnonymousSendBudgets []ratelimit.Budget
	AnonymousRecvBudgets []ratelimit.Budget
	ElevatedSendBudgets  []ratelimit.Budget
	ElevatedRecvBudgets  []ratelimit.Budget

	MaxSubscriptions int // per-connection subscription budget; not read by Session or Registry, the broker enforces the budget passed to broker.NewBroker

	IdleTimeout time.Duration

	// MaxOutboundQueue caps the number of distinct pending subscription
	// updates buffered; once it is reached, Deliver refuses an update for
	// any further subscription and the broker evicts that one subscription.
	MaxOutboundQueue int
}

// Session is one Connection Session (C8).
type Session struct {
	id     string
	ex     *rpc.Executor
	broker *broker.Broker
	cfg    Config

	mu       sync.Mutex
	identity Identity
	send     *ratelimit.Limiter
	recv     *ratelimit.Limiter
	closed   bool

	idleTimer *time.Timer
	onIdle    func(connID string)

	queueMu sync.Mutex
	queue   []string
	pending map[string]broker.Update
	notify  chan struct{}
}

// New opens a Session for connID. onIdle, if non-nil, is invoked exactly
// once from the Session's own idle timer goroutine when systemCallIdleTimeout
// elapses with no RPC observed via Touch.
func New(connID string, ex *rpc.Executor, b *broker.Broker, cfg Config, onIdle func(connID string)) *Session {
	s := &Session{
		id:      connID,
		ex:      ex,
		broker:  b,
		cfg:     cfg,
		send:    ratelimit.New(cfg.AnonymousSendBudgets),
		recv:    ratelimit.New(cfg.AnonymousRecvBudgets),
		pending: make(map[string]broker.Update),
		notify:  make(chan struct{}, 1),
		onIdle:  onIdle,
	}
	if cfg.IdleTimeout > 0 {
		s.idleTimer = time.AfterFunc(cfg.IdleTimeout, s.fireIdle)
	}
	return s
}

func (s *Session) fireIdle() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if s.onIdle != nil {
		s.onIdle(s.id)
	}
}

// Touch resets the idle timer, called on every inbound RPC (§4.8).
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.cfg.IdleTimeout)
	}
}

// Identity returns the connection's current caller identity.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// AllowSend reports whether an outbound message may be sent under every
// configured send budget.
func (s *Session) AllowSend() bool {
	s.mu.Lock()
	l := s.send
	s.mu.Unlock()
	return l.Allow()
}

// AllowRecv reports whether an inbound message may be accepted under every
// configured receive budget.
func (s *Session) AllowRecv() bool {
	s.mu.Lock()
	l := s.recv
	s.mu.Unlock()
	return l.Allow()
}

// Elevate promotes the connection to identity/permission and — per §9 Open
// Question 2 — immediately swaps in the elevated rate budgets, discarding
// whatever anonymous-tier tokens remained. Called by the transport layer
// after a configured elevation System's call commits successfully.
func (s *Session) Elevate(identity Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	if identity.Permission >= catalog.PermissionUser {
		s.send.Reset(s.cfg.ElevatedSendBudgets)
		s.recv.Reset(s.cfg.ElevatedRecvBudgets)
	}
}

// CallSystem runs systemName on behalf of this connection's current
// identity, delegating to the System Executor (C6).
func (s *Session) CallSystem(ctx context.Context, systemName string, params interface{}) (interface{}, error) {
	identity := s.Identity()
	caller := rpc.Caller{ConnID: s.id, Identity: identity.UserID, Permission: identity.Permission}
	return s.ex.CallSystem(ctx, caller, systemName, params)
}

// SubscribeRow opens a row subscription through the broker on this
// connection's behalf. An empty subID and a nil row with a nil error mean
// no row currently matches; no subscription is created.
func (s *Session) SubscribeRow(ctx context.Context, comp catalog.Component, indexCol string, value interface{}) (subID string, row backend.Row, err error) {
	identity := s.Identity()
	caller := broker.Caller{Identity: identity.UserID, Permission: identity.Permission}
	return s.broker.SubscribeRow(ctx, s.id, caller, s, comp, indexCol, value)
}

// SubscribeRange opens a range subscription through the broker.
// materialized mirrors broker.Broker.SubscribeRange: false means the
// initial result was empty and force was not set, so no handle exists.
func (s *Session) SubscribeRange(ctx context.Context, comp catalog.Component, indexCol string, left, right backend.Bound, limit int, desc, force bool) (subID string, rows []backend.Row, materialized bool, err error) {
	identity := s.Identity()
	caller := broker.Caller{Identity: identity.UserID, Permission: identity.Permission}
	return s.broker.SubscribeRange(ctx, s.id, caller, s, comp, indexCol, left, right, limit, desc, force)
}

// Unsubscribe releases one subscription held by this connection.
func (s *Session) Unsubscribe(subID string) {
	s.broker.Unsubscribe(s.id, subID)
}

// Deliver implements broker.Sink: it enqueues update, coalescing it with
// any already-pending update for the same subscription (§4.7 back-pressure
// policy). Returns false once MaxOutboundQueue distinct subscriptions are
// pending, which causes the broker to evict that one subscription only.
func (s *Session) Deliver(update broker.Update) bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if existing, ok := s.pending[update.SubID]; ok {
		for id, row := range update.Rows {
			existing.Rows[id] = row
		}
		s.pending[update.SubID] = existing
		return true
	}

	max := s.cfg.MaxOutboundQueue
	if max > 0 && len(s.queue) >= max {
		return false
	}

	s.queue = append(s.queue, update.SubID)
	s.pending[update.SubID] = update
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Evict implements broker.Sink: it drops any queued frame for subID. The
// transport layer should still inform the client (e.g. via a
// SubscriptionEvicted error) using errors.SubscriptionEvicted.
func (s *Session) Evict(subID string, reason string) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	delete(s.pending, subID)
	for i, id := range s.queue {
		if id == subID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// Outbound signals when at least one subscription update is pending.
func (s *Session) Outbound() <-chan struct{} { return s.notify }

// PopOutbound removes and returns the oldest pending subscription update,
// or ok=false if the queue is empty.
func (s *Session) PopOutbound() (update broker.Update, ok bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return broker.Update{}, false
	}
	subID := s.queue[0]
	s.queue = s.queue[1:]
	update, ok = s.pending[subID]
	delete(s.pending, subID)
	return update, ok
}

// SubscriptionEvictedError builds the wire-visible error for a broker
// eviction the transport layer wants to surface to the client.
func SubscriptionEvictedError(subID, reason string) error {
	return errors.SubscriptionEvicted(subID, reason)
}

// Close ends the Session: cancels the idle timer, releases every
// subscription handle this connection holds, and marks the Session
// closed so an idle-timer callback already in flight does not invoke
// onIdle; Deliver and Evict do not consult the closed flag (§4.8 close
// semantics — in-flight RPCs past commit issuance are not cancelled here;
// the transport layer discards their response once the connection is
// gone).
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	s.broker.CloseConnection(s.id)
}
