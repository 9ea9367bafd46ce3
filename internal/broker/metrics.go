package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus collectors, scoped to the
// observability surface a session broker actually exercises.
type Metrics struct {
	SessionsByStatus      *prometheus.GaugeVec
	ConnectedClients      prometheus.Gauge
	OutputBufferBytes     prometheus.Gauge
	SlowConsumerDrops     *prometheus.CounterVec
	SessionsCreatedTotal  *prometheus.CounterVec
	SessionsKilledTotal   *prometheus.CounterVec
	CommandsRecordedTotal prometheus.Counter
}

// NewMetrics registers the broker's collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sessiond",
			Name:      "sessions_by_status",
			Help:      "Current number of sessions in each lifecycle status.",
		}, []string{"status"}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessiond",
			Name:      "connected_clients",
			Help:      "Current number of attached ClientBridge connections across all sessions.",
		}),
		OutputBufferBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessiond",
			Name:      "output_buffer_bytes",
			Help:      "Sum of bytes currently held across all sessions' OutputBuffers.",
		}),
		SlowConsumerDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "slow_consumer_drops_total",
			Help:      "Subscribers dropped from a session's fan-out for failing to drain their event queue.",
		}, []string{"reason"}),
		SessionsCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "sessions_created_total",
			Help:      "Sessions created, labeled by mode.",
		}, []string{"mode"}),
		SessionsKilledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "sessions_killed_total",
			Help:      "Sessions torn down, labeled by cause.",
		}, []string{"cause"}),
		CommandsRecordedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "commands_recorded_total",
			Help:      "Command-scratch flushes recorded across all sessions.",
		}),
	}
}
