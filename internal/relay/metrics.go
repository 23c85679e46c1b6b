package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/koltyakov/tunnelrelay/internal/domain"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	requests  *prometheus.CounterVec
	updates   prometheus.Counter
	updatedAt prometheus.Gauge
	watchers  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunnelrelay_requests_total",
				Help: "HTTP requests handled by the relay.",
			},
			[]string{"route", "method", "code"},
		),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnelrelay_endpoint_updates_total",
			Help: "Successful endpoint updates.",
		}),
		updatedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnelrelay_endpoint_updated_timestamp_seconds",
			Help: "Unix time of the last successful endpoint update.",
		}),
		watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnelrelay_watchers",
			Help: "Connected watch websockets.",
		}),
	}
	m.Registry.MustRegister(m.requests, m.updates, m.updatedAt, m.watchers)
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) recordUpdate(rec domain.EndpointRecord) {
	m.updates.Inc()
	m.updatedAt.Set(float64(rec.UpdatedAt.UnixNano()) / 1e9)
}
