package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the gateway collectors. A nil *Metrics records nothing, which
// keeps tests free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	CommandsEnqueuedTotal      *prometheus.CounterVec
	DeliveriesTotal            *prometheus.CounterVec
	AcksTotal                  *prometheus.CounterVec
	SweepItemsTotal            *prometheus.CounterVec
	SessionsActive             prometheus.Gauge
}

// New registers every collector on a private registry labelled with serviceName.
func New(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests.",
				ConstLabels: labels,
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests.",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"method", "path"},
		),
		CommandsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "doorlink_commands_enqueued_total",
				Help:        "Commands accepted into the queue.",
				ConstLabels: labels,
			},
			[]string{"command"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "doorlink_deliveries_total",
				Help:        "Delivery attempts by route and outcome.",
				ConstLabels: labels,
			},
			[]string{"route", "result"},
		),
		AcksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "doorlink_acks_total",
				Help:        "Device acknowledgements by outcome.",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		SweepItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "doorlink_sweep_items_total",
				Help:        "Rows touched by maintenance sweeps.",
				ConstLabels: labels,
			},
			[]string{"sweep"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "doorlink_sessions_active",
				Help:        "Open device websocket sessions.",
				ConstLabels: labels,
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.CommandsEnqueuedTotal,
		m.DeliveriesTotal,
		m.AcksTotal,
		m.SweepItemsTotal,
		m.SessionsActive,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer returns the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) ObserveHTTP(method, path, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDurationSeconds.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func (m *Metrics) CommandEnqueued(kind string) {
	if m == nil {
		return
	}
	m.CommandsEnqueuedTotal.WithLabelValues(kind).Inc()
}

// Delivery records one attempt; result is delivered, failed or offline.
func (m *Metrics) Delivery(route, result string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(route, result).Inc()
}

// Ack records one acknowledgement; result is completed, failed, duplicate or unknown.
func (m *Metrics) Ack(result string) {
	if m == nil {
		return
	}
	m.AcksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweepItemsTotal.WithLabelValues(sweep).Add(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}
