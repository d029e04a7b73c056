// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.MessageSent(OutcomeDelivered)
	m.MessageSent(OutcomeDelivered)
	m.MessageSent(OutcomeSent)
	m.PushFailed()
	m.Redelivered(3)
	m.Redelivered(0)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.RateLimited()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesSent.WithLabelValues(OutcomeDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesSent.WithLabelValues(OutcomeSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.redelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.online))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageSent(OutcomeSent)
		m.PushFailed()
		m.Redelivered(1)
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.RateLimited()
	})
}
