// Copyright 2024-2026 Aiku AI

package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors updated by the Host and Router.
type Metrics struct {
	EventsReceived   *prometheus.CounterVec
	EventsConsumed   *prometheus.CounterVec
	HookFailures     *prometheus.CounterVec
	HookDuration     *prometheus.HistogramVec
	MessagesSent     *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	EntityState      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "immp",
			Name:      "events_received_total",
			Help:      "Inbound events accepted from each plug.",
		}, []string{"plug"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "immp",
			Name:      "events_consumed_total",
			Help:      "Events whose propagation was stopped by a hook.",
		}, []string{"hook"}),
		HookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "immp",
			Name:      "hook_failures_total",
			Help:      "Errors and panics raised by hooks during dispatch.",
		}, []string{"hook"}),
		HookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "immp",
			Name:      "hook_duration_seconds",
			Help:      "Time spent by each hook processing one event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"hook"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "immp",
			Name:      "messages_sent_total",
			Help:      "Messages delivered through each plug.",
		}, []string{"plug"}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "immp",
			Name:      "delivery_failures_total",
			Help:      "Sends rejected by a plug.",
		}, []string{"plug"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "immp",
			Name:      "queue_depth",
			Help:      "Events waiting in each plug's queue.",
		}, []string{"plug"}),
		EntityState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "immp",
			Name:      "entity_state",
			Help:      "Lifecycle state of each plug and hook (1 for the current state).",
		}, []string{"name", "state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsReceived,
			m.EventsConsumed,
			m.HookFailures,
			m.HookDuration,
			m.MessagesSent,
			m.DeliveryFailures,
			m.QueueDepth,
			m.EntityState,
		)
	}
	return m
}

func (m *Metrics) setState(name string, old, cur State) {
	m.EntityState.WithLabelValues(name, old.String()).Set(0)
	m.EntityState.WithLabelValues(name, cur.String()).Set(1)
}

// forget drops every series of a removed plug or hook. Plugs and hooks
// share one name space, so both kinds of label are cleared.
func (m *Metrics) forget(name string) {
	m.EntityState.DeletePartialMatch(prometheus.Labels{"name": name})
	for _, vec := range []*prometheus.CounterVec{m.EventsReceived, m.MessagesSent, m.DeliveryFailures, m.EventsConsumed, m.HookFailures} {
		vec.DeleteLabelValues(name)
	}
	m.HookDuration.DeleteLabelValues(name)
	m.QueueDepth.DeleteLabelValues(name)
}
