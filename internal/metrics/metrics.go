// Package metrics holds the Prometheus instrumentation shared by the server
// and the enforcement client.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	validations    *prometheus.CounterVec
	clientAttempts *prometheus.CounterVec
	gateDenials    *prometheus.CounterVec
	sweepExpired   prometheus.Counter
	webhookEvents  *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Default returns the process-wide instance registered on the default registry.
func Default() *Metrics {
	once.Do(func() {
		instance = New(prometheus.DefaultRegisterer)
	})
	return instance
}

func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "licensed",
				Subsystem: "api",
				Name:      "validations_total",
				Help:      "License validation requests by resulting status and endpoint",
			},
			[]string{"status", "endpoint"},
		),
		clientAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "licensed",
				Subsystem: "client",
				Name:      "attempts_total",
				Help:      "Validation attempts made by the client by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		gateDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "licensed",
				Subsystem: "gate",
				Name:      "denials_total",
				Help:      "Module access denials by module",
			},
			[]string{"module"},
		),
		sweepExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "licensed",
				Subsystem: "registry",
				Name:      "sweep_expired_total",
				Help:      "Licenses flipped from active to expired by the sweeper",
			},
		),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "licensed",
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Stripe webhook events by type and result",
			},
			[]string{"type", "result"},
		),
	}

	m.validations = register(registerer, m.validations)
	m.clientAttempts = register(registerer, m.clientAttempts)
	m.gateDenials = register(registerer, m.gateDenials)
	m.sweepExpired = register(registerer, m.sweepExpired)
	m.webhookEvents = register(registerer, m.webhookEvents)

	return m
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// The recorders below tolerate a nil receiver so callers can leave metrics
// unset in tests.

func (m *Metrics) Validation(status, endpoint string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(status, endpoint).Inc()
}

func (m *Metrics) ClientAttempt(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.clientAttempts.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) GateDenial(module string) {
	if m == nil {
		return
	}
	m.gateDenials.WithLabelValues(module).Inc()
}

func (m *Metrics) SweepExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepExpired.Add(float64(n))
}

func (m *Metrics) WebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}
