package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the orchestrator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry          *prometheus.Registry
	Turns             *prometheus.CounterVec
	GenerationLatency prometheus.Histogram
	StorageErrors     *prometheus.CounterVec
	BackendErrors     *prometheus.CounterVec
}

// NewMetrics registers the instruments on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Handled turns by outcome.",
		}, []string{"outcome"}),
		GenerationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Generation backend latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		}),
		StorageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Message store failures by operation.",
		}, []string{"op"}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Generation backend failures by kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) IncTurn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveGenerationLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncStorageError(op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncBackendError(kind string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
