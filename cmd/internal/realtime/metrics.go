package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the realtime layer's prometheus collectors.
type Metrics struct {
	connections      prometheus.Gauge
	subscribers      prometheus.Gauge
	deliveries       prometheus.Counter
	deliveryFailures prometheus.Counter
	rejected         *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg builds unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tablesync",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open realtime connections.",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tablesync",
			Subsystem: "ws",
			Name:      "subscriptions",
			Help:      "Connection-to-game subscriptions.",
		}),
		deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tablesync",
			Subsystem: "ws",
			Name:      "deliveries_total",
			Help:      "Patch envelopes queued to subscribers.",
		}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tablesync",
			Subsystem: "ws",
			Name:      "delivery_failures_total",
			Help:      "Subscribers dropped because their send queue was full.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablesync",
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Connections rejected before subscribing, by reason.",
		}, []string{"reason"}),
	}
}
