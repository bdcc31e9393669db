/*
Package telemetry counts what the transports do. Every observation is labelled with
the transport protocol so socket and request traffic can be told apart. A nil
*Metrics is valid and observes nothing.
*/
package telemetry

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "gateway"
	subsystem = "transport"

	SendQueued     = "queued"
	SendDispatched = "dispatched"
)

type Metrics struct {
	opens          *prometheus.CounterVec
	redundantOpens *prometheus.CounterVec
	closes         *prometheus.CounterVec
	sends          *prometheus.CounterVec
	messages       *prometheus.CounterVec
	errors         *prometheus.CounterVec
	inFlight       *prometheus.GaugeVec
}

// New builds the collectors and registers them with the registerer, if one is given.
// Collectors that are already registered are reused.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		opens:          newCounter("opens_total", "Connections confirmed open.", "protocol"),
		redundantOpens: newCounter("redundant_opens_total", "Open calls made while already opening or open.", "protocol"),
		closes:         newCounter("closes_total", "Connections that finished closing.", "protocol"),
		sends:          newCounter("sends_total", "Send calls, split by whether they were queued or dispatched.", "protocol", "path"),
		messages:       newCounter("messages_total", "Messages delivered to listeners.", "protocol"),
		errors:         newCounter("errors_total", "Errors delivered to listeners or callbacks.", "protocol"),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "in_flight_requests",
			Help:      "Requests awaiting a response.",
		}, []string{"protocol"}),
	}

	if registerer == nil {
		return m, nil
	}

	m.opens = register(registerer, m.opens)
	m.redundantOpens = register(registerer, m.redundantOpens)
	m.closes = register(registerer, m.closes)
	m.sends = register(registerer, m.sends)
	m.messages = register(registerer, m.messages)
	m.errors = register(registerer, m.errors)

	if err := registerer.Register(m.inFlight); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("failed to register in flight gauge: %w", err)
		}
		m.inFlight = already.ExistingCollector.(*prometheus.GaugeVec)
	}

	return m, nil
}

func newCounter(name string, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func register(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
		// a conflicting descriptor; keep counting privately
	}
	return counter
}

func (m *Metrics) ObserveOpen(protocol string) {
	if m == nil {
		return
	}
	m.opens.WithLabelValues(protocol).Inc()
}

func (m *Metrics) ObserveRedundantOpen(protocol string) {
	if m == nil {
		return
	}
	m.redundantOpens.WithLabelValues(protocol).Inc()
}

func (m *Metrics) ObserveClose(protocol string) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(protocol).Inc()
}

func (m *Metrics) ObserveSend(protocol string, path string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(protocol, path).Inc()
}

func (m *Metrics) ObserveMessage(protocol string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(protocol).Inc()
}

func (m *Metrics) ObserveError(protocol string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(protocol).Inc()
}

func (m *Metrics) SetInFlight(protocol string, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(protocol).Set(float64(n))
}
