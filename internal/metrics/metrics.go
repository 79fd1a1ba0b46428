// Package metrics holds the SDK's Prometheus instrumentation. Everything
// registers on a dedicated Registry so embedding applications never
// collide with it on the default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionStatus records the transport connection state.
	// 1 = connected, 0 = disconnected.
	ConnectionStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cirrus_connection_status",
			Help: "The hub connection status (1=connected, 0=disconnected).",
		},
	)

	// OperationsTotal counts pipeline operations by type and outcome.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cirrus_operations_total",
			Help: "Total number of pipeline operations completed.",
		},
		[]string{"op", "status"}, // status: success/failed
	)

	// ReconnectAttemptsTotal counts automatic reconnect attempts.
	ReconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cirrus_reconnect_attempts_total",
			Help: "Total number of automatic reconnect attempts.",
		},
	)

	// TelemetrySentTotal counts device-to-cloud messages published.
	TelemetrySentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cirrus_telemetry_sent_total",
			Help: "Total number of telemetry messages published.",
		},
	)

	// RequestLatency records round-trip time of request/response
	// exchanges (twin, provisioning).
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cirrus_request_latency_seconds",
			Help:    "Round-trip latency of request/response exchanges.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"}, // type: twin/provision
	)
)

// Registry is the SDK-private metrics registry.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(ConnectionStatus)
	Registry.MustRegister(OperationsTotal)
	Registry.MustRegister(ReconnectAttemptsTotal)
	Registry.MustRegister(TelemetrySentTotal)
	Registry.MustRegister(RequestLatency)
}

// Handler returns an http.Handler serving the SDK registry, for
// applications that want to expose it.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
