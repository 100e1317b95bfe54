// Package metrics exposes the pod's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botd"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	reg           *prometheus.Registry
	activeTenants *prometheus.GaugeVec
	connections   prometheus.Gauge
	answers       *prometheus.CounterVec
	labels        prometheus.Labels
}

// New creates the metric set for one pod in a Kubernetes namespace.
func New(k8sNamespace, pod string) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		activeTenants: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tenants",
			Help:      "Number of tenants this pod currently owns.",
		}, []string{"namespace", "pod"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bot_connections",
			Help:      "Number of live bot connections on this pod.",
		}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Questions handled, by outcome.",
		}, []string{"outcome"}),
		labels: prometheus.Labels{"namespace": k8sNamespace, "pod": pod},
	}
	m.reg.MustRegister(
		m.activeTenants,
		m.connections,
		m.answers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.activeTenants.With(m.labels).Set(0)
	return m
}

// SetActiveTenants records the owned tenant count.
func (m *Metrics) SetActiveTenants(n int) {
	m.activeTenants.With(m.labels).Set(float64(n))
}

func (m *Metrics) SetConnections(n int) {
	m.connections.Set(float64(n))
}

// ObserveAnswer counts one handled question. outcome is "answered",
// "apology" or "skipped".
func (m *Metrics) ObserveAnswer(outcome string) {
	m.answers.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
