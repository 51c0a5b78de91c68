// Package rpc implements the System Executor (C6): it resolves a System by
// name, enforces its permission class against the calling connection, opens
// a Session bound to the System's cluster, runs the System's body, commits,
// and — on a commit RACE only — retries from a fresh Session under a
// wall-clock budget (§4.6).
package rpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astraecs/engine/backend"
	"github.com/astraecs/engine/catalog"
	"github.com/astraecs/engine/cluster"
	"github.com/astraecs/engine/infrastructure/errors"
	"github.com/astraecs/engine/infrastructure/metrics"
	"github.com/astraecs/engine/infrastructure/resilience"
	"github.com/astraecs/engine/pkg/logger"
	"github.com/astraecs/engine/session"
	"github.com/astraecs/engine/table"
)

// Caller is the identity view of the connection invoking a System. It is a
// narrow struct rather than a reference to the connection package, which
// itself depends on rpc to dispatch incoming calls.
type Caller struct {
	ConnID     string
	Identity   uint64 // row id in the identity-bearing component; 0 is anonymous
	Permission catalog.Permission
}

// RequestContext is handed to a System's Body. It carries no handle for
// invoking a base System's Body; a System's Bases are used only by cluster
// planning, which places the bases' components in the caller's cluster.
type RequestContext struct {
	Ctx     context.Context
	Caller  Caller
	Session *session.Session
	System  cluster.System
	Params  interface{}
}

// Body is one System's server-side logic. A returned error other than a
// commit RACE aborts the call without retry (§4.6).
type Body func(rc *RequestContext) (interface{}, error)

type registeredSystem struct {
	sys  cluster.System
	body Body
}

// Executor is the System Executor (C6).
type Executor struct {
	cat      *catalog.Catalog
	plan     *cluster.Plan
	keys     map[string]table.Keys
	backends map[catalog.BackendKind]backend.Backend
	systems  map[string]registeredSystem
	alloc    session.Allocator
	retryCfg resilience.RetryConfig
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewExecutor builds an Executor. keys must carry a table.Keys entry for
// every component plan assigns to a cluster; backends must carry an entry
// for every catalog.BackendKind the cluster plan's components resolve to.
func NewExecutor(
	cat *catalog.Catalog,
	plan *cluster.Plan,
	keys map[string]table.Keys,
	backends map[catalog.BackendKind]backend.Backend,
	alloc session.Allocator,
	retryCfg resilience.RetryConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *Executor {
	return &Executor{
		cat:      cat,
		plan:     plan,
		keys:     keys,
		backends: backends,
		systems:  make(map[string]registeredSystem),
		alloc:    alloc,
		retryCfg: retryCfg,
		log:      log,
		metrics:  m,
	}
}

// Register installs sys's server-side logic. Call after the owning
// cluster.Registry has been Build() into plan, since CallSystem consults
// plan to resolve sys's cluster.
func (ex *Executor) Register(sys cluster.System, body Body) error {
	name := sys.FullName()
	if _, ok := ex.systems[name]; ok {
		return fmt.Errorf("rpc: system %s already registered", name)
	}
	ex.systems[name] = registeredSystem{sys: sys, body: body}
	return nil
}

// CallSystem runs systemName's body against params on behalf of caller,
// implementing §4.6's callSystem algorithm:
//  1. resolve the System by name within its namespace (UnknownSystem)
//  2. check caller's permission against the System's class (PermissionDenied)
//  3. open a Session bound to the System's cluster
//  4. execute the body against that Session
//  5. on clean return, Session.Commit()
//  6. on a commit RACE, discard the Session and retry from step 3, bounded
//     by the configured wall-clock budget
//  7. on budget exhaustion, return RaceExhausted
//  8. on UNIQUE or any user-raised error, abort without retry
func (ex *Executor) CallSystem(ctx context.Context, caller Caller, systemName string, params interface{}) (interface{}, error) {
	start := time.Now()
	if ex.metrics != nil {
		ex.metrics.RPCInFlight.Inc()
		defer ex.metrics.RPCInFlight.Dec()
	}

	rs, ok := ex.systems[systemName]
	if !ok {
		return nil, ex.finish(systemName, start, 0, errors.UnknownSystem(systemName))
	}

	if !caller.Permission.Satisfies(rs.sys.Permission) {
		err := errors.PermissionDenied(systemName, rs.sys.Permission.String(), caller.Permission.String())
		return nil, ex.finish(systemName, start, 0, err)
	}

	back, components, err := ex.resolveCluster(rs.sys)
	if err != nil {
		return nil, ex.finish(systemName, start, 0, err)
	}

	var response interface{}
	retries, err := resilience.Retry(ctx, ex.retryCfg, errors.IsRace, func() error {
		sess := session.New(back, components, ex.keys, ex.alloc)
		rc := &RequestContext{Ctx: ctx, Caller: caller, Session: sess, System: rs.sys, Params: params}

		out, bodyErr := rs.body(rc)
		if bodyErr != nil {
			return bodyErr
		}
		if commitErr := sess.Commit(ctx); commitErr != nil {
			return commitErr
		}
		response = out
		return nil
	})

	if err != nil {
		if be, ok := err.(*resilience.BudgetExceeded); ok {
			err = errors.RaceExhausted(be.Attempts, be.Elapsed.String())
		}
		return nil, ex.finish(systemName, start, retries, err)
	}
	return response, ex.finish(systemName, start, retries, nil)
}

// resolveCluster resolves sys's assigned cluster to its Backend and the set
// of components a Session over that cluster may touch. The Cluster
// Planner's CrossBackendCluster validation (§4.5) guarantees every member
// of a cluster resolves to the same backend, so any one member decides it.
func (ex *Executor) resolveCluster(sys cluster.System) (backend.Backend, map[string]catalog.Component, error) {
	clusterID, ok := ex.plan.SystemCluster(sys.FullName())
	if !ok {
		return nil, nil, errors.LogicErrorf("rpc: system %s has no cluster assignment", sys.FullName())
	}

	members := ex.plan.Members(clusterID)
	components := make(map[string]catalog.Component, len(members))
	var back backend.Backend
	for _, full := range members {
		ns, name := splitFullName(full)
		comp, ok := ex.cat.Lookup(ns, name)
		if !ok {
			return nil, nil, errors.LogicErrorf("rpc: component %s not found in catalog", full)
		}
		components[full] = comp
		if back == nil {
			b, ok := ex.backends[comp.Backend]
			if !ok {
				return nil, nil, errors.LogicErrorf("rpc: no backend configured for kind %q", comp.Backend)
			}
			back = b
		}
	}
	if back == nil {
		return nil, nil, errors.LogicErrorf("rpc: system %s's cluster has no components", sys.FullName())
	}
	return back, components, nil
}

func splitFullName(fullName string) (namespace, name string) {
	i := strings.Index(fullName, ".")
	if i < 0 {
		return fullName, ""
	}
	return fullName[:i], fullName[i+1:]
}

func (ex *Executor) finish(systemName string, start time.Time, retries int, err error) error {
	code := "OK"
	if ee := errors.As(err); ee != nil {
		code = string(ee.Code)
	} else if err != nil {
		code = "Error"
	}

	if ex.metrics != nil {
		ex.metrics.RecordRPC(systemName, code, retries, time.Since(start))
	}
	if err != nil && ex.log != nil {
		ex.log.WithFields(logrus.Fields{
			"system":  systemName,
			"code":    code,
			"retries": retries,
		}).Warn("system call failed")
	}
	return err
}
