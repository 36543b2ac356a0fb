package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Auth outcome label values.
const (
	AuthOutcomeAccepted     = "accepted"
	AuthOutcomeMissingKey   = "missing_key"
	AuthOutcomeUnauthorized = "unauthorized"
	AuthOutcomeRateLimited  = "rate_limited"
	AuthOutcomeStoreError   = "store_error"
)

// Probe result label values.
const (
	ProbeResultSuccess = "success"
	ProbeResultLagging = "lagging"
	ProbeResultFailure = "failure"
)

// noBackendLabel is used for requests that never reached a backend.
const noBackendLabel = "none"

// Metrics holds all Prometheus metrics for the gateway on a private registry.
type Metrics struct {
	backendHealth     *prometheus.GaugeVec
	backendSlot       *prometheus.GaugeVec
	backendSlotLag    *prometheus.GaugeVec
	probesTotal       *prometheus.CounterVec
	probeDuration     *prometheus.HistogramVec
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	authTotal         *prometheus.CounterVec
	selectionFailures *prometheus.CounterVec
	reloadsTotal      *prometheus.CounterVec
	buildInfo         *prometheus.GaugeVec
	startTime         prometheus.Gauge
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rpcgw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.backendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health",
			Help: "Backend health status " +
				"(1=healthy, 0=unhealthy)",
		},
		[]string{"backend"},
	)

	m.backendSlot = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_slot",
			Help:      "Last chain height reported by the backend",
		},
		[]string{"backend"},
	)

	m.backendSlotLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_slot_lag",
			Help: "Distance between the backend height " +
				"and the highest height seen in the same cycle",
		},
		[]string{"backend"},
	)

	m.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of health probes by result",
		},
		[]string{"backend", "result"},
	)

	m.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Duration of health probes in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// The JSON-RPC method is caller controlled, so it is logged rather
	// than used as a label.
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests",
		},
		[]string{"backend", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10, 30,
			},
		},
		[]string{"backend"},
	)

	m.authTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "API key validation outcomes",
		},
		[]string{"outcome"},
	)

	m.selectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_healthy_backend_total",
			Help: "Requests rejected because no healthy " +
				"backend was available",
		},
		[]string{"route"},
	)

	m.reloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result",
		},
		[]string{"result"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.backendHealth,
		m.backendSlot,
		m.backendSlotLag,
		m.probesTotal,
		m.probeDuration,
		m.requestsTotal,
		m.requestDuration,
		m.authTotal,
		m.selectionFailures,
		m.reloadsTotal,
		m.buildInfo,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// SetBackendHealth sets the per-backend health gauge.
func (m *Metrics) SetBackendHealth(backend string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.backendHealth.WithLabelValues(backend).Set(value)
}

// SetBackendSlot records the height a backend reported and its lag.
func (m *Metrics) SetBackendSlot(backend string, slot, lag uint64) {
	m.backendSlot.WithLabelValues(backend).Set(float64(slot))
	m.backendSlotLag.WithLabelValues(backend).Set(float64(lag))
}

// RecordProbe records a completed health probe.
func (m *Metrics) RecordProbe(backend, result string, duration time.Duration) {
	m.probesTotal.WithLabelValues(backend, result).Inc()
	m.probeDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordRequest records a proxied request. An empty backend means the
// request was rejected before selection.
func (m *Metrics) RecordRequest(backend string, status int, duration time.Duration) {
	if backend == "" {
		backend = noBackendLabel
	}
	m.requestsTotal.WithLabelValues(backend, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordAuth records an API key validation outcome.
func (m *Metrics) RecordAuth(outcome string) {
	m.authTotal.WithLabelValues(outcome).Inc()
}

// RecordNoHealthyBackend records a selection failure. route is the
// method-route label, or "default" for the full backend list.
func (m *Metrics) RecordNoHealthyBackend(route string) {
	m.selectionFailures.WithLabelValues(route).Inc()
}

// RecordReload records a configuration reload attempt.
func (m *Metrics) RecordReload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.reloadsTotal.WithLabelValues(result).Inc()
}

// ForgetBackend removes per-backend series for a backend dropped by a reload.
func (m *Metrics) ForgetBackend(backend string) {
	m.backendHealth.DeleteLabelValues(backend)
	m.backendSlot.DeleteLabelValues(backend)
	m.backendSlotLag.DeleteLabelValues(backend)
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
