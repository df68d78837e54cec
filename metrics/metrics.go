// Package metrics exposes Prometheus collectors for the signer. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nostria_signer"

// Request outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeDenied    = "denied"
	OutcomeDropped   = "dropped"
	OutcomeBadParams = "bad_request"
)

type Metrics struct {
	requests  *prometheus.CounterVec
	publishes *prometheus.CounterVec
	state     prometheus.Gauge
	relays    prometheus.Gauge

	activations *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Response events published, by result.",
		}, []string{"result"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected.",
		}),
		relays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays",
			Help:      "Number of configured relays.",
		}),
		activations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "activations",
			Help:      "Client activations, by state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.publishes, m.state, m.relays, m.activations)
	}
	return m
}

func (m *Metrics) Request(method, outcome string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) Publish(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnectionState(v int) {
	if m == nil {
		return
	}
	m.state.Set(float64(v))
}

func (m *Metrics) Relays(n int) {
	if m == nil {
		return
	}
	m.relays.Set(float64(n))
}

func (m *Metrics) Activations(active, pending int) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues("active").Set(float64(active))
	m.activations.WithLabelValues("pending").Set(float64(pending))
}
