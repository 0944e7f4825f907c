// internal/metrics/metrics.go
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GRPCServerHandlingSeconds is a histogram for status server request latencies
	GRPCServerHandlingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_server_handling_seconds",
			Help:    "Histogram of response latency (seconds) of gRPC that had been application-level handled by the server.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "code"},
	)

	// ForwardLatencySeconds is a histogram for a single forward pass
	ForwardLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forward_latency_seconds",
			Help:    "Histogram of forward pass latency (seconds), excluding input generation and output.",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"backend"},
	)

	// ForwardPassesTotal counts completed forward passes per worker
	ForwardPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forward_passes_total",
			Help: "Number of completed forward passes.",
		},
		[]string{"worker"},
	)

	// ForwardFailuresTotal counts failed model calls
	ForwardFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forward_failures_total",
			Help: "Number of failed model calls.",
		},
		[]string{"op"},
	)

	// ActiveWorkers is the number of workers currently running
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_workers",
			Help: "Number of inference workers currently running.",
		},
	)

	// HealthStatus is a gauge indicating the health status of the runner
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_status",
			Help: "Health status of the runner (1 = healthy, 0 = unhealthy).",
		},
	)
)

// RecordGRPCLatency records the latency of a gRPC method call
func RecordGRPCLatency(method, code string, seconds float64) {
	GRPCServerHandlingSeconds.WithLabelValues(method, code).Observe(seconds)
}

// RecordForward records one successful forward pass
func RecordForward(backend string, worker int, seconds float64) {
	ForwardLatencySeconds.WithLabelValues(backend).Observe(seconds)
	ForwardPassesTotal.WithLabelValues(strconv.Itoa(worker)).Inc()
}

// RecordFailure records a failed operation under its op label
func RecordFailure(op string) {
	ForwardFailuresTotal.WithLabelValues(op).Inc()
}

// WorkerStarted increments the active worker gauge
func WorkerStarted() {
	ActiveWorkers.Inc()
}

// WorkerStopped decrements the active worker gauge
func WorkerStopped() {
	ActiveWorkers.Dec()
}

// SetHealthy sets the health status to healthy
func SetHealthy() {
	HealthStatus.Set(1)
}

// SetUnhealthy sets the health status to unhealthy
func SetUnhealthy() {
	HealthStatus.Set(0)
}
