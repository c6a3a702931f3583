package game

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the core's prometheus collectors.
type Metrics struct {
	activeSessions prometheus.Gauge
	storeLoads     prometheus.Counter
	activations    *prometheus.CounterVec
	patches        *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	flushSeconds   prometheus.Histogram
	deactivations  *prometheus.CounterVec
	purged         prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg builds unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tablesync",
			Name:      "active_sessions",
			Help:      "Number of games currently held in memory.",
		}),
		storeLoads: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tablesync",
			Name:      "store_loads_total",
			Help:      "Document loads issued by session activation.",
		}),
		activations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablesync",
			Name:      "session_activations_total",
			Help:      "Session activations by result.",
		}, []string{"result"}),
		patches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablesync",
			Name:      "patches_total",
			Help:      "Patches processed by the session drain, by result code.",
		}, []string{"result"}),
		flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablesync",
			Name:      "session_flushes_total",
			Help:      "Session flushes by result.",
		}, []string{"result"}),
		flushSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tablesync",
			Name:      "session_flush_seconds",
			Help:      "Latency of session flushes that reached the store.",
			Buckets:   prometheus.DefBuckets,
		}),
		deactivations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablesync",
			Name:      "session_deactivations_total",
			Help:      "Session deactivations by reason.",
		}, []string{"reason"}),
		purged: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tablesync",
			Name:      "games_purged_total",
			Help:      "Inactive games deleted by the janitor.",
		}),
	}
}
