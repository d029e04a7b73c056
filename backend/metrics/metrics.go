// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Send outcomes recorded on chat_messages_sent_total.
const (
	OutcomeDelivered = "delivered"
	OutcomeSent      = "sent"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	messagesSent *prometheus.CounterVec
	pushFailures prometheus.Counter
	redelivered  prometheus.Counter
	online       prometheus.Gauge
	rateLimited  prometheus.Counter
}

// New registers the chat collectors on reg. Pass prometheus.DefaultRegisterer
// to expose them through promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages accepted by the send path, by final status.",
		}, []string{"outcome"}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_push_failures_total",
			Help: "Live pushes that failed or were not acknowledged in time.",
		}),
		redelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_redelivered_total",
			Help: "Messages flushed by reconnect sweeps.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_online_connections",
			Help: "Live connections currently registered.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_rate_limited_total",
			Help: "Requests rejected by the per-caller rate limit.",
		}),
	}
	reg.MustRegister(m.messagesSent, m.pushFailures, m.redelivered, m.online, m.rateLimited)
	return m
}

func (m *Metrics) MessageSent(outcome string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PushFailed() {
	if m == nil {
		return
	}
	m.pushFailures.Inc()
}

func (m *Metrics) Redelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.redelivered.Add(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.online.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.online.Dec()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
