// Package metrics exposes the engine's Prometheus collectors and bridges
// internal/core.ObservationHooks into them, the way the teacher's
// internal/app/metrics package does for its own subsystems.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flywheel-engine/engine/internal/core"
)

var (
	// Registry holds every engine-specific Prometheus collector.
	Registry = prometheus.NewRegistry()

	chainRPCCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flywheel",
			Subsystem: "chain",
			Name:      "rpc_calls_total",
			Help:      "Total RPC gateway calls by method and outcome.",
		},
		[]string{"method", "status"},
	)

	chainRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flywheel",
			Subsystem: "chain",
			Name:      "rpc_call_duration_seconds",
			Help:      "Duration of RPC gateway calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method"},
	)

	executorAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flywheel",
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Total transaction submission attempts by outcome.",
		},
		[]string{"outcome"},
	)

	flywheelCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flywheel",
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Total flywheel scheduler cycles by algorithm and outcome.",
		},
		[]string{"algorithm", "outcome"},
	)

	fastClaimRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flywheel",
			Subsystem: "fastclaim",
			Name:      "runs_total",
			Help:      "Total fast-claim engine sweep outcomes.",
		},
		[]string{"outcome"},
	)

	reactiveTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flywheel",
			Subsystem: "reactive",
			Name:      "counter_trades_total",
			Help:      "Total counter-trades dispatched by the reactive engine.",
		},
		[]string{"outcome"},
	)

	adminBusClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flywheel",
			Subsystem: "adminbus",
			Name:      "connected_clients",
			Help:      "Currently connected admin event bus websocket clients.",
		},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		chainRPCCalls,
		chainRPCDuration,
		executorAttempts,
		flywheelCycles,
		fastClaimRuns,
		reactiveTrades,
		adminBusClients,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordChainRPCCall records one gateway call's outcome and latency.
func RecordChainRPCCall(method, status string, d time.Duration) {
	chainRPCCalls.WithLabelValues(method, status).Inc()
	chainRPCDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordExecutorAttempt records one C4 submission attempt's terminal outcome.
func RecordExecutorAttempt(outcome string) {
	executorAttempts.WithLabelValues(outcome).Inc()
}

// RecordFlywheelCycle records one C8 scheduler cycle.
func RecordFlywheelCycle(algorithm, outcome string) {
	flywheelCycles.WithLabelValues(algorithm, outcome).Inc()
}

// RecordFastClaimRun records one C7 sweep outcome.
func RecordFastClaimRun(outcome string) {
	fastClaimRuns.WithLabelValues(outcome).Inc()
}

// RecordReactiveTrade records one C9 counter-trade dispatch outcome.
func RecordReactiveTrade(outcome string) {
	reactiveTrades.WithLabelValues(outcome).Inc()
}

// SetAdminBusClients reports the current C10 connection count.
func SetAdminBusClients(n int) {
	adminBusClients.Set(float64(n))
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks builds core.ObservationHooks backed by a per-(namespace,
// subsystem, name) Prometheus gauge+histogram pair, creating it on first use.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			collector.gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	for _, key := range []string{"mint", "token", "key_id", "signature"} {
		if v, ok := meta[key]; ok && v != "" {
			return v
		}
	}
	return "unknown"
}
