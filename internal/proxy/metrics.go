package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Forward error types.
const (
	errorTypeTimeout           = "timeout"
	errorTypeConnectionRefused = "connection_refused"
	errorTypeClientCanceled    = "client_canceled"
	errorTypeBadGateway        = "bad_gateway"
)

// proxyMetrics counts forward failures by backend and type.
type proxyMetrics struct {
	errorsTotal *prometheus.CounterVec
}

// newProxyMetrics registers the forward error counter with reg. A nil reg
// leaves it unregistered.
func newProxyMetrics(reg prometheus.Registerer) *proxyMetrics {
	factory := promauto.With(reg)
	return &proxyMetrics{
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rpcgw",
				Subsystem: "proxy",
				Name:      "errors_total",
				Help: "Total number of " +
					"forward errors",
			},
			[]string{"backend", "error_type"},
		),
	}
}

func (m *proxyMetrics) record(backend, errorType string) {
	if backend == "" {
		backend = "none"
	}
	m.errorsTotal.WithLabelValues(backend, errorType).Inc()
}
