package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the control-plane collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	SyncDeliveries     *prometheus.CounterVec
	ProfileMutations   *prometheus.CounterVec
	PrivilegedCommands *prometheus.CounterVec
	CommandDuration    prometheus.Histogram
	APIRequests        *prometheus.CounterVec
	ActiveListeners    prometheus.Gauge
	Broadcasts         prometheus.Counter
}

// NewMetrics creates a fresh registry with all collectors registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		SyncDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "echidnad_sync_deliveries_total",
				Help: "Profile state deliveries per transport and result",
			},
			[]string{"transport", "result"},
		),

		ProfileMutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "echidnad_profile_mutations_total",
				Help: "Profile store mutations by outcome",
			},
			[]string{"result"},
		),

		PrivilegedCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "echidnad_privileged_commands_total",
				Help: "Root shell commands by result",
			},
			[]string{"result"},
		),

		CommandDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "echidnad_privileged_command_duration_seconds",
				Help:    "Root shell command duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),

		APIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "echidnad_api_requests_total",
				Help: "Control API requests by route and status",
			},
			[]string{"route", "status"},
		),

		ActiveListeners: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "echidnad_telemetry_listeners",
				Help: "Registered telemetry listeners",
			},
		),

		Broadcasts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "echidnad_telemetry_broadcasts_total",
				Help: "Telemetry broadcast ticks that delivered a snapshot",
			},
		),
	}
}
