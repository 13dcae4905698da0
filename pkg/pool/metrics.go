// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pool's Prometheus collectors. Gauges and counters are
// labelled by upstream URL and transport; the identity hash is deliberately
// not a label because its cardinality is unbounded. Per-identity numbers are
// available through Pool.Stats.
type Metrics struct {
	IdleSessions   *prometheus.GaugeVec
	ActiveSessions *prometheus.GaugeVec
	Waiters        *prometheus.GaugeVec

	// CircuitState is 0 for closed, 1 for half-open, 2 for open.
	CircuitState *prometheus.GaugeVec

	SessionsCreated *prometheus.CounterVec
	SessionsClosed  *prometheus.CounterVec
	ProbeFailures   *prometheus.CounterVec
}

// NewMetrics registers the pool collectors with reg. A nil registerer leaves
// the collectors unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	keyLabels := []string{"url", "transport"}

	return &Metrics{
		IdleSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcpgw",
			Subsystem: "pool",
			Name:      "idle_sessions",
			Help:      "Idle upstream sessions per URL and transport.",
		}, keyLabels),
		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcpgw",
			Subsystem: "pool",
			Name:      "active_sessions",
			Help:      "Checked-out upstream sessions per URL and transport.",
		}, keyLabels),
		Waiters: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcpgw",
			Subsystem: "pool",
			Name:      "waiters",
			Help:      "Acquires blocked on a full pool key.",
		}, keyLabels),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcpgw",
			Subsystem: "pool",
			Name:      "circuit_state",
			Help:      "Creation circuit state per upstream URL: 0 closed, 1 half-open, 2 open.",
		}, []string{"url"}),
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "pool",
			Name:      "sessions_created_total",
			Help:      "Upstream sessions created.",
		}, keyLabels),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "pool",
			Name:      "sessions_closed_total",
			Help:      "Upstream sessions closed.",
		}, keyLabels),
		ProbeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgw",
			Subsystem: "pool",
			Name:      "probe_failures_total",
			Help:      "Idle sessions discarded after a failed health probe.",
		}, keyLabels),
	}
}

// circuitStateValue maps a circuit state onto the gauge encoding.
func circuitStateValue(state CircuitState) float64 {
	switch state {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return 0
	}
}
