// Package metrics counts renewals, retries and teardowns.
//
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "apisession"

type Metrics struct {
	renewals   *prometheus.CounterVec
	shared     prometheus.Counter
	retries    prometheus.Counter
	teardowns  prometheus.Counter
	collectors []prometheus.Collector
}

func New() *Metrics {
	m := &Metrics{
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_total",
			Help:      "Renewal calls sent to the backend, by outcome.",
		}, []string{"outcome"}),
		shared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_shared_total",
			Help:      "Callers that received the outcome of a renewal started by another caller.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Requests resent after an authorization failure.",
		}),
		teardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Sessions torn down after a failed renewal.",
		}),
	}
	m.collectors = []prometheus.Collector{m.renewals, m.shared, m.retries, m.teardowns}
	return m
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	for _, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) RenewalSucceeded() {
	if m != nil {
		m.renewals.WithLabelValues("succeeded").Inc()
	}
}

func (m *Metrics) RenewalFailed() {
	if m != nil {
		m.renewals.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) RenewalShared() {
	if m != nil {
		m.shared.Inc()
	}
}

func (m *Metrics) Retried() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) TornDown() {
	if m != nil {
		m.teardowns.Inc()
	}
}

// WriteText writes everything gathered from g in the prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
