// Package metrics exposes the worker's Prometheus collectors. Every recorder
// is a no-op until InitPrometheus is called.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the worker's collectors.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	invocationsTotal   *prometheus.CounterVec
	bindingErrorsTotal *prometheus.CounterVec
	loadsTotal         *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
	sharedMemoryBytes  *prometheus.CounterVec

	// Histograms
	invocationDuration *prometheus.HistogramVec

	// Gauges
	uptime         prometheus.GaugeFunc
	inflight       prometheus.Gauge
	poolQueueDepth prometheus.Gauge
	poolWorkers    prometheus.Gauge
	sessionState   *prometheus.GaugeVec
}

// Default histogram buckets for invocation duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var (
	promMetrics *PrometheusMetrics
	startTime   = time.Now()
)

// InitPrometheus initializes the collectors under namespace.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of invocations by outcome",
			},
			[]string{"function", "lane", "status"},
		),

		bindingErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "binding_errors_total",
				Help:      "Datums that could not be decoded or encoded",
			},
			[]string{"function", "direction"},
		),

		loadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "function_loads_total",
				Help:      "Function index and load attempts",
			},
			[]string{"phase", "result"},
		),

		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_messages_total",
				Help:      "Messages exchanged with the host",
			},
			[]string{"direction", "kind"},
		),

		sharedMemoryBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shared_memory_bytes_total",
				Help:      "Payload bytes moved through the shared-memory store",
			},
			[]string{"direction"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_milliseconds",
				Help:      "Duration of invocations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"function", "lane"},
		),

		uptime: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Seconds since the worker started",
			},
			func() float64 { return time.Since(startTime).Seconds() },
		),

		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_invocations",
				Help:      "Invocations currently running",
			},
		),

		poolQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocking_pool_queue_depth",
				Help:      "Blocking invocations waiting for a worker",
			},
		),

		poolWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocking_pool_workers",
				Help:      "Size of the blocking worker pool",
			},
		),

		sessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "1 for the current protocol session state",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		pm.invocationsTotal,
		pm.bindingErrorsTotal,
		pm.loadsTotal,
		pm.messagesTotal,
		pm.sharedMemoryBytes,
		pm.invocationDuration,
		pm.uptime,
		pm.inflight,
		pm.poolQueueDepth,
		pm.poolWorkers,
		pm.sessionState,
	)

	promMetrics = pm
}

// RecordInvocation records a finished invocation.
func RecordInvocation(function, lane, status string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.invocationsTotal.WithLabelValues(function, lane, status).Inc()
	promMetrics.invocationDuration.WithLabelValues(function, lane).Observe(float64(durationMs))
}

// RecordBindingError records a decode ("in") or encode ("out") failure.
func RecordBindingError(function, direction string) {
	if promMetrics == nil {
		return
	}
	promMetrics.bindingErrorsTotal.WithLabelValues(function, direction).Inc()
}

// RecordLoad records an index or load outcome.
func RecordLoad(phase string, ok bool) {
	if promMetrics == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failed"
	}
	promMetrics.loadsTotal.WithLabelValues(phase, result).Inc()
}

// RecordMessage counts a stream message; direction is "in" or "out".
func RecordMessage(direction, kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.messagesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordSharedMemory counts bytes read from ("in") or written to ("out")
// the shared-memory store.
func RecordSharedMemory(direction string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.sharedMemoryBytes.WithLabelValues(direction).Add(float64(n))
}

// IncInflight increments the running invocation gauge.
func IncInflight() {
	if promMetrics == nil {
		return
	}
	promMetrics.inflight.Inc()
}

// DecInflight decrements the running invocation gauge.
func DecInflight() {
	if promMetrics == nil {
		return
	}
	promMetrics.inflight.Dec()
}

// SetPoolQueueDepth sets the number of queued blocking invocations.
func SetPoolQueueDepth(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolQueueDepth.Set(float64(n))
}

// SetPoolWorkers sets the blocking pool size.
func SetPoolWorkers(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolWorkers.Set(float64(n))
}

// SetSessionState marks state as the current session state.
func SetSessionState(state string, all []string) {
	if promMetrics == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		promMetrics.sessionState.WithLabelValues(s).Set(v)
	}
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
