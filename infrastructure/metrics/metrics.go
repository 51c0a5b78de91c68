// Package metrics provides the Prometheus metrics collection described in
// §7: RPC outcome counters, commit-retry histograms, and subscription gauges.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// RPC / System executor (C6)
	RPCTotal        *prometheus.CounterVec
	RPCDuration     *prometheus.HistogramVec
	RPCRetries      *prometheus.HistogramVec
	RPCInFlight     prometheus.Gauge

	// Backend commit (C2/C4)
	CommitTotal    *prometheus.CounterVec
	CommitDuration *prometheus.HistogramVec

	// Subscription broker (C7)
	SubscriptionsActive  *prometheus.GaugeVec
	SubscriptionUpdates  *prometheus.CounterVec
	SubscriptionEvicted  *prometheus.CounterVec

	// Connections (C8)
	ConnectionsActive prometheus.Gauge

	ServiceInfo *prometheus.GaugeVec
}

// New creates a new Metrics instance registered against the default registry.
func New(workerName string) *Metrics {
	return NewWithRegistry(workerName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(workerName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RPCTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astraecs_rpc_total",
				Help: "Total number of System RPCs, labeled by outcome code",
			},
			[]string{"system", "code"},
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "astraecs_rpc_duration_seconds",
				Help:    "RPC wall-clock duration including retries",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"system"},
		),
		RPCRetries: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "astraecs_rpc_retries",
				Help:    "Number of commit-race retries before an RPC resolved",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
			},
			[]string{"system"},
		),
		RPCInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "astraecs_rpc_in_flight",
				Help: "Number of RPCs currently executing",
			},
		),
		CommitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astraecs_commit_total",
				Help: "Total number of backend commit attempts, labeled by result",
			},
			[]string{"cluster", "result"},
		),
		CommitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "astraecs_commit_duration_seconds",
				Help:    "Backend commit round-trip duration",
				Buckets: []float64{.0002, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"cluster"},
		),
		SubscriptionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "astraecs_subscriptions_active",
				Help: "Number of active subscription handles, labeled by kind",
			},
			[]string{"kind"},
		),
		SubscriptionUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astraecs_subscription_updates_total",
				Help: "Total number of updt messages emitted",
			},
			[]string{"kind"},
		),
		SubscriptionEvicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astraecs_subscription_evicted_total",
				Help: "Total number of subscriptions evicted due to saturated outbound queues",
			},
			[]string{"kind"},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "astraecs_connections_active",
				Help: "Number of currently connected clients on this worker",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "astraecs_worker_info",
				Help: "Static worker information",
			},
			[]string{"worker"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RPCTotal,
			m.RPCDuration,
			m.RPCRetries,
			m.RPCInFlight,
			m.CommitTotal,
			m.CommitDuration,
			m.SubscriptionsActive,
			m.SubscriptionUpdates,
			m.SubscriptionEvicted,
			m.ConnectionsActive,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(workerName).Set(1)

	return m
}

// RecordRPC records a completed System RPC.
func (m *Metrics) RecordRPC(system, code string, retries int, duration time.Duration) {
	m.RPCTotal.WithLabelValues(system, code).Inc()
	m.RPCDuration.WithLabelValues(system).Observe(duration.Seconds())
	m.RPCRetries.WithLabelValues(system).Observe(float64(retries))
}

// RecordCommit records a backend commit attempt.
func (m *Metrics) RecordCommit(cluster, result string, duration time.Duration) {
	m.CommitTotal.WithLabelValues(cluster, result).Inc()
	m.CommitDuration.WithLabelValues(cluster).Observe(duration.Seconds())
}

// SetSubscriptions sets the current subscription gauge for a kind ("row"/"range").
func (m *Metrics) SetSubscriptions(kind string, count int) {
	m.SubscriptionsActive.WithLabelValues(kind).Set(float64(count))
}

// RecordSubscriptionUpdate records one emitted updt message.
func (m *Metrics) RecordSubscriptionUpdate(kind string) {
	m.SubscriptionUpdates.WithLabelValues(kind).Inc()
}

// RecordSubscriptionEviction records one evicted subscription.
func (m *Metrics) RecordSubscriptionEviction(kind string) {
	m.SubscriptionEvicted.WithLabelValues(kind).Inc()
}

// SetConnections sets the active connection gauge.
func (m *Metrics) SetConnections(count int) {
	m.ConnectionsActive.Set(float64(count))
}

// Enabled returns whether Prometheus metrics should be exposed, controlled
// by the METRICS_ENABLED environment variable (defaults to enabled).
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(workerName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(workerName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
