package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for middleware operations.
type Metrics struct {
	panicsRecovered *prometheus.CounterVec
}

// NewMetrics registers middleware metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		panicsRecovered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rpcgw",
				Subsystem: "middleware",
				Name:      "panics_recovered_total",
				Help:      "Total number of panics recovered by listener",
			},
			[]string{"listener"},
		),
	}
}

func (m *Metrics) recordPanic(listener string) {
	if m == nil {
		return
	}
	m.panicsRecovered.WithLabelValues(listener).Inc()
}
