// Package metrics defines the injectable metrics-sink abstraction the
// core uses to report error counts and operational counters, and a
// default Prometheus-backed implementation. The core never reaches for
// a package-level global collector; every component that counts
// anything is handed a Sink at construction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// Sink is the injectable metrics trait every component reports through.
// An implementation backed by no-ops is valid and is what tests use.
type Sink interface {
	RecordError(component string, kind spacepandaerr.Kind)
	RecordCounter(name string, delta float64)
	RecordGauge(name string, value float64)
}

// NoopSink discards every observation. Useful for tests and for callers
// that don't want a metrics backend wired in.
type NoopSink struct{}

func (NoopSink) RecordError(string, spacepandaerr.Kind) {}
func (NoopSink) RecordCounter(string, float64)           {}
func (NoopSink) RecordGauge(string, float64)             {}

// PrometheusSink is the concrete default Sink backed by
// github.com/prometheus/client_golang. The exporter HTTP surface itself
// is outside the core's scope; this only registers and updates the
// collectors.
type PrometheusSink struct {
	registry *prometheus.Registry
	errors   *prometheus.CounterVec
	counters *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
}

// NewPrometheusSink creates a Sink and registers its collectors against
// registry. Pass prometheus.NewRegistry() for an isolated registry, or
// nil to use the global default registerer.
func NewPrometheusSink(registry *prometheus.Registry) *PrometheusSink {
	errors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spacepanda",
		Name:      "errors_total",
		Help:      "Errors observed per component and kind.",
	}, []string{"component", "kind"})
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spacepanda",
		Name:      "events_total",
		Help:      "Named monotonic counters emitted by core components.",
	}, []string{"name"})
	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spacepanda",
		Name:      "gauge",
		Help:      "Named gauge values emitted by core components.",
	}, []string{"name"})

	if registry != nil {
		registry.MustRegister(errors, counters, gauges)
	} else {
		prometheus.MustRegister(errors, counters, gauges)
	}

	return &PrometheusSink{registry: registry, errors: errors, counters: counters, gauges: gauges}
}

func (s *PrometheusSink) RecordError(component string, kind spacepandaerr.Kind) {
	s.errors.WithLabelValues(component, kind.String()).Inc()
}

func (s *PrometheusSink) RecordCounter(name string, delta float64) {
	s.counters.WithLabelValues(name).Add(delta)
}

func (s *PrometheusSink) RecordGauge(name string, value float64) {
	s.gauges.WithLabelValues(name).Set(value)
}
