package offline0

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the worker's Prometheus collectors. All names carry the
// offline0_ prefix.
type Metrics struct {
	// FetchTotal counts intercepted requests by source (cache, network, error).
	FetchTotal *prometheus.CounterVec

	// InstallTotal counts install attempts by result.
	InstallTotal *prometheus.CounterVec

	// CachesDeleted counts stale caches removed on activation.
	CachesDeleted prometheus.Counter

	// ReplayTotal counts per-item replay outcomes
	// (delivered, failed, deferred, dropped, malformed).
	ReplayTotal *prometheus.CounterVec

	ReplayDuration prometheus.Histogram

	// QueueDepth is the number of items in the sync queue after the last
	// enqueue or replay.
	QueueDepth prometheus.Gauge
}

// NewMetrics creates and registers the collectors on reg.
// Panics if registration fails.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_fetch_total",
				Help: "Intercepted requests by response source",
			},
			[]string{"source"},
		),
		InstallTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_install_total",
				Help: "Precache install attempts by result",
			},
			[]string{"result"},
		),
		CachesDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offline0_activate_caches_deleted_total",
				Help: "Stale cache generations deleted during activation",
			},
		),
		ReplayTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_replay_total",
				Help: "Sync queue replay outcomes per item",
			},
			[]string{"result"},
		),
		ReplayDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "offline0_replay_duration_seconds",
				Help:    "Duration of a full sync queue replay pass",
				Buckets: prometheus.DefBuckets,
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "offline0_sync_queue_depth",
				Help: "Items waiting in the sync queue",
			},
		),
	}

	reg.MustRegister(
		m.FetchTotal,
		m.InstallTotal,
		m.CachesDeleted,
		m.ReplayTotal,
		m.ReplayDuration,
		m.QueueDepth,
	)
	return m
}
