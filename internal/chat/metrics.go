package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the concurrency bounds named in the concurrency model:
// current connections, registry size, room queue depth, and broadcast
// delivery outcomes. Wiring Metrics into a component is always optional —
// every call site nil-checks before touching it, so a disabled metrics
// listener changes no core behavior.
type Metrics struct {
	Connections    prometheus.Gauge
	RegistrySize   prometheus.Gauge
	RoomDepth      prometheus.Gauge
	Delivered      prometheus.Counter
	DeliveryFailed prometheus.Counter
	FanoutDuration prometheus.Histogram
}

// NewMetrics registers and returns the gauge/counter/histogram set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_current",
			Help: "Current number of accepted connections.",
		}),
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_registry_users",
			Help: "Number of currently registered users.",
		}),
		RoomDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_room_queue_depth",
			Help: "Pending payloads in the room queue.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_broadcast_delivered_total",
			Help: "Successful per-recipient broadcast deliveries.",
		}),
		DeliveryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_broadcast_failed_total",
			Help: "Per-recipient broadcast deliveries that timed out or errored.",
		}),
		FanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_broadcast_fanout_seconds",
			Help:    "Wall-clock duration of one registry broadcast fan-out.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.Connections,
		m.RegistrySize,
		m.RoomDepth,
		m.Delivered,
		m.DeliveryFailed,
		m.FanoutDuration,
	)
	return m
}
