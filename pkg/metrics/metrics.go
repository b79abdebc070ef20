// Package metrics exposes the agent's counters to Prometheus.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "alfseal"

// Metrics holds the agent's collectors
type Metrics struct {
	ExchangesCaptured  prometheus.Counter
	EnvelopesSent      prometheus.Counter
	EnvelopesFailed    prometheus.Counter
	EnvelopesDropped   prometheus.Counter
	EnvelopesInspected prometheus.Counter
	ClientIPLookups    *prometheus.CounterVec
	ClientIPResolved   prometheus.Gauge

	// Collector side
	EnvelopesReceived *prometheus.CounterVec
	EntriesReceived   prometheus.Counter
}

// New creates the collectors and registers them on reg.
// A nil reg leaves them unregistered. Collectors that reg already holds, for
// example from an earlier agent in the same process, are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExchangesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_captured_total",
			Help:      "Completed exchanges converted into HAR entries.",
		}),
		EnvelopesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes accepted by the collector.",
		}),
		EnvelopesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_failed_total",
			Help:      "Envelopes whose POST failed or was rejected.",
		}),
		EnvelopesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes dropped before transmission because the queue was full or closed.",
		}),
		EnvelopesInspected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_inspected_total",
			Help:      "Envelopes held back for inspection in debug mode.",
		}),
		ClientIPLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_ip_lookups_total",
			Help:      "Client IP lookups by result.",
		}, []string{"result"}),
		ClientIPResolved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_ip_resolved",
			Help:      "1 once the client IP has been resolved, 0 while the fallback is in use.",
		}),
		EnvelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "envelopes_received_total",
			Help:      "Envelopes posted to the collector by result.",
		}, []string{"result"}),
		EntriesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "entries_received_total",
			Help:      "HAR entries accepted by the collector.",
		}),
	}
	if reg == nil {
		return m
	}

	m.ExchangesCaptured = register(reg, m.ExchangesCaptured)
	m.EnvelopesSent = register(reg, m.EnvelopesSent)
	m.EnvelopesFailed = register(reg, m.EnvelopesFailed)
	m.EnvelopesDropped = register(reg, m.EnvelopesDropped)
	m.EnvelopesInspected = register(reg, m.EnvelopesInspected)
	m.ClientIPLookups = register(reg, m.ClientIPLookups)
	m.ClientIPResolved = register(reg, m.ClientIPResolved)
	m.EnvelopesReceived = register(reg, m.EnvelopesReceived)
	m.EntriesReceived = register(reg, m.EntriesReceived)
	return m
}

// register adds c to reg, handing back the collector reg already holds under
// the same descriptor. Any other registration failure leaves c unregistered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	return c
}

// Captured counts an exchange turned into an entry
func (m *Metrics) Captured() {
	if m != nil {
		m.ExchangesCaptured.Inc()
	}
}

// Sent counts an envelope the collector accepted
func (m *Metrics) Sent() {
	if m != nil {
		m.EnvelopesSent.Inc()
	}
}

// Failed counts an envelope whose POST failed or was rejected
func (m *Metrics) Failed() {
	if m != nil {
		m.EnvelopesFailed.Inc()
	}
}

// Dropped counts an envelope discarded before transmission
func (m *Metrics) Dropped() {
	if m != nil {
		m.EnvelopesDropped.Inc()
	}
}

// Inspected counts an envelope held back in debug mode
func (m *Metrics) Inspected() {
	if m != nil {
		m.EnvelopesInspected.Inc()
	}
}

// Lookup records the outcome of a client IP lookup
func (m *Metrics) Lookup(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ClientIPLookups.WithLabelValues("error").Inc()
		return
	}
	m.ClientIPLookups.WithLabelValues("ok").Inc()
	m.ClientIPResolved.Set(1)
}

// Received records an envelope posted to the collector. entries is ignored
// for rejected envelopes.
func (m *Metrics) Received(entries int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.EnvelopesReceived.WithLabelValues("rejected").Inc()
		return
	}
	m.EnvelopesReceived.WithLabelValues("accepted").Inc()
	m.EntriesReceived.Add(float64(entries))
}
