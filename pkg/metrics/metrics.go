// Package metrics exposes the Prometheus counters and histograms for the
// fleet controller: reconciliation cycles, leader elections, latched
// failures, heartbeats, and maintenance runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetctl_nodes_total",
			Help: "Total number of registered nodes by liveness state",
		},
		[]string{"state"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_heartbeats_total",
			Help: "Total number of heartbeats processed, by outcome",
		},
		[]string{"outcome"}, // "accepted", "locked", "unknown_node"
	)

	FailuresLatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_failures_latched_total",
			Help: "Total number of failures latched onto a node, by kind",
		},
		[]string{"kind"},
	)

	MaintenanceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_maintenance_runs_total",
			Help: "Total number of maintenance runs (start/restart), by outcome",
		},
		[]string{"kind", "outcome"}, // kind: "start"/"restart"; outcome: "ok"/"cloud_error"/"cancelled"
	)

	MaintenanceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_maintenance_duration_seconds",
			Help:    "Time taken by a maintenance run (stop+start or start) in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetctl_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetctl_reconciliation_cycles_total",
			Help: "Total number of reconciliation ticks completed",
		},
	)

	LeaderElectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_leader_elections_total",
			Help: "Total number of leader elections performed, by reason",
		},
		[]string{"reason"}, // "elected", "retained", "no_genesis"
	)

	ConfigResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_config_resolutions_total",
			Help: "Total number of per-node config resolutions, by path taken",
		},
		[]string{"path"}, // "fast", "full"
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(FailuresLatchedTotal)
	prometheus.MustRegister(MaintenanceRunsTotal)
	prometheus.MustRegister(MaintenanceDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(LeaderElectionsTotal)
	prometheus.MustRegister(ConfigResolutionsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
