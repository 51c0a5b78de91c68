// Command worker is the engine's process entry point: it loads
// configuration, wires the Schema Registry through the Transport Gateway,
// and serves one worker's share of connections until a termination signal
// arrives.
//
// Grounded on the teacher's cmd/gateway/main.go entrypoint shape (env/file
// config load, http.Server with explicit timeouts, signal-driven graceful
// shutdown).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/astraecs/engine/backend"
	"github.com/astraecs/engine/backend/memdb"
	"github.com/astraecs/engine/backend/redisdb"
	"github.com/astraecs/engine/broker"
	"github.com/astraecs/engine/catalog"
	"github.com/astraecs/engine/cluster"
	"github.com/astraecs/engine/connection"
	"github.com/astraecs/engine/infrastructure/metrics"
	"github.com/astraecs/engine/infrastructure/ratelimit"
	"github.com/astraecs/engine/infrastructure/resilience"
	"github.com/astraecs/engine/pkg/config"
	"github.com/astraecs/engine/pkg/logger"
	"github.com/astraecs/engine/rpc"
	"github.com/astraecs/engine/session"
	"github.com/astraecs/engine/table"
	"github.com/astraecs/engine/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})
	m := metrics.New("worker")

	catReg := catalog.NewRegistry()
	clusterReg := cluster.NewRegistry()
	registerComponents(catReg, clusterReg)

	cat := catReg.Build()
	plan, err := clusterReg.Build(cat)
	if err != nil {
		log.Fatalf("cluster plan: %v", err)
	}

	var ledger *table.Ledger
	if cfg.Ledger.DSN != "" {
		ledger, err = table.OpenLedger(cfg.Ledger.DSN)
		if err != nil {
			log.Fatalf("open schema ledger: %v", err)
		}
		defer ledger.Close()
	}
	tableMgr := table.NewManager(ledger, log)

	backends, keys := installTables(context.Background(), tableMgr, cat, plan, cfg, log)

	retryCfg := resilience.RetryConfig{
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.Jitter,
		Budget:       cfg.Retry.Budget,
	}

	alloc := session.NewAtomicAllocator(0)
	ex := rpc.NewExecutor(cat, plan, keys, backends, alloc, retryCfg, log, m)
	registerSystems(ex)

	b := broker.NewBroker(cat, keys, backends, alloc, cfg.Connection.MaxRowSubscriptions+cfg.Connection.MaxRangeSubscriptions, m)

	connCfg := connection.Config{
		AnonymousSendBudgets: budgets(cfg.Connection.SendBudgets),
		AnonymousRecvBudgets: budgets(cfg.Connection.RecvBudgets),
		IdleTimeout:          cfg.Connection.IdleTimeout,
		MaxOutboundQueue:     cfg.Connection.MaxRowSubscriptions + cfg.Connection.MaxRangeSubscriptions,
	}
	registry := connection.NewRegistry(ex, b, connCfg, cfg.Connection.MaxAnonymousPerIP, m)

	srv := transport.NewServer(transport.ServerConfig{
		Addr:            cfg.Listen.Address,
		AdminAddr:       cfg.Metrics.Address,
		ElevationSystem: cfg.Connection.ElevationSystem,
	}, registry, b, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	log.Infof("worker listening on %s", cfg.Listen.Address)
	if err := srv.Serve(ctx); err != nil {
		log.Fatalf("transport server: %v", err)
	}
}

func budgets(in []config.RateBudget) []ratelimit.Budget {
	out := make([]ratelimit.Budget, 0, len(in))
	for _, b := range in {
		out = append(out, ratelimit.Budget{Max: b.Max, Window: b.Window})
	}
	return out
}

func installTables(ctx context.Context, mgr *table.Manager, cat *catalog.Catalog, plan *cluster.Plan, cfg *config.Config, log *logger.Logger) (map[catalog.BackendKind]backend.Backend, map[string]table.Keys) {
	keys := make(map[string]table.Keys, len(cat.All()))
	for _, comp := range cat.All() {
		clusterID, ok := plan.ComponentCluster(comp.FullName())
		if !ok {
			log.Fatalf("component %s assigned to no cluster", comp.FullName())
		}
		k, err := mgr.Install(ctx, comp, clusterID)
		if err != nil {
			log.Fatalf("install table %s: %v", comp.FullName(), err)
		}
		keys[comp.FullName()] = k
	}

	backends := map[catalog.BackendKind]backend.Backend{
		catalog.BackendMemory: memdb.New(),
	}
	if cfg.Backend.Driver == "redis" {
		replicas := make([]redisdb.ReplicaAddr, 0, len(cfg.Backend.Replicas))
		for _, r := range cfg.Backend.Replicas {
			replicas = append(replicas, redisdb.ReplicaAddr{Addr: r.Address, Weight: r.Weight})
		}
		backends[catalog.BackendRedis] = redisdb.New(redisdb.Options{
			MasterAddr: cfg.Backend.Master,
			Password:   cfg.Backend.Password,
			DB:         cfg.Backend.DB,
			Replicas:   replicas,
		})
	}

	return backends, keys
}

// registerComponents is the extension point a game would fill with its
// own catalog.Component definitions; wiring a single demo component keeps
// the worker runnable standalone.
func registerComponents(catReg *catalog.Registry, clusterReg *cluster.Registry) {
	hp := catalog.Component{
		Namespace: "game", Name: "HP", Backend: catalog.BackendMemory,
		Columns: []catalog.Column{
			{Name: "owner", Type: catalog.TypeUint64, Unique: true},
			{Name: "value", Type: catalog.TypeInt32, Index: true},
		},
	}
	_ = catReg.Register(hp)
	_ = clusterReg.Register(cluster.System{Namespace: "game", Name: "Heal", Components: []string{"game.HP"}})
}

// registerSystems is the extension point a game would fill with its own
// System handlers.
func registerSystems(ex *rpc.Executor) {
	_ = ex.Register(cluster.System{Namespace: "game", Name: "Heal", Components: []string{"game.HP"}}, func(rc *rpc.RequestContext) (interface{}, error) {
		hp := catalog.Component{
			Namespace: "game", Name: "HP", Backend: catalog.BackendMemory,
			Columns: []catalog.Column{
				{Name: "owner", Type: catalog.TypeUint64, Unique: true},
				{Name: "value", Type: catalog.TypeInt32, Index: true},
			},
		}
		row, err := rc.Session.UpdateOrInsert(rc.Ctx, hp, rc.Caller.Identity, "owner")
		if err != nil {
			return nil, err
		}
		row["value"] = int32(100)
		if err := rc.Session.Update(rc.Ctx, hp, row); err != nil {
			return nil, err
		}
		return map[string]interface{}{"healed": rc.Caller.Identity}, nil
	})
}
