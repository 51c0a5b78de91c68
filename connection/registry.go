package connection

import (
	"sync"

	"github.com/astraecs/engine/broker"
	"github.com/astraecs/engine/infrastructure/errors"
	"github.com/astraecs/engine/infrastructure/metrics"
	"github.com/astraecs/engine/rpc"
)

// Registry tracks every open Session on a worker: it enforces the
// max-anonymous-connections-per-IP cap (§6 configuration surface) and
// drives the ConnectionsActive gauge, both of which need visibility
// across every connection rather than just one.
type Registry struct {
	ex     *rpc.Executor
	broker *broker.Broker
	cfg    Config
	m      *metrics.Metrics

	maxAnonymousPerIP int

	mu        sync.Mutex
	sessions  map[string]*Session
	anonByIP  map[string]int
	ipByConn  map[string]string
}

// NewRegistry builds a Registry. maxAnonymousPerIP of 0 means unlimited.
func NewRegistry(ex *rpc.Executor, b *broker.Broker, cfg Config, maxAnonymousPerIP int, m *metrics.Metrics) *Registry {
	return &Registry{
		ex:                ex,
		broker:            b,
		cfg:               cfg,
		m:                 m,
		maxAnonymousPerIP: maxAnonymousPerIP,
		sessions:          make(map[string]*Session),
		anonByIP:          make(map[string]int),
		ipByConn:          make(map[string]string),
	}
}

// Open admits a new anonymous connection from remoteIP, rejecting it with a
// LogicError if remoteIP is already at its cap. onIdle is forwarded to the
// new Session.
func (r *Registry) Open(connID, remoteIP string, onIdle func(connID string)) (*Session, error) {
	r.mu.Lock()
	if r.maxAnonymousPerIP > 0 && r.anonByIP[remoteIP] >= r.maxAnonymousPerIP {
		r.mu.Unlock()
		return nil, errors.LogicErrorf("connection: too many anonymous connections from %s", remoteIP)
	}
	r.anonByIP[remoteIP]++
	r.ipByConn[connID] = remoteIP
	r.mu.Unlock()

	s := New(connID, r.ex, r.broker, r.cfg, func(id string) {
		if onIdle != nil {
			onIdle(id)
		}
	})

	r.mu.Lock()
	r.sessions[connID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if r.m != nil {
		r.m.SetConnections(count)
	}
	return s, nil
}

// Close closes and forgets connID's Session, decrementing its
// anonymous-per-IP count (§4.8 close semantics) regardless of whether the
// connection was later elevated — the IP slot was claimed at Open time.
func (r *Registry) Close(connID string) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, connID)
	if ip, ok := r.ipByConn[connID]; ok {
		r.anonByIP[ip]--
		if r.anonByIP[ip] <= 0 {
			delete(r.anonByIP, ip)
		}
		delete(r.ipByConn, connID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	s.Close()
	if r.m != nil {
		r.m.SetConnections(count)
	}
}

// Get returns connID's Session, if still open.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	return s, ok
}

// ActiveCount reports the number of currently open Sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
