// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// CircuitState represents the state of a creation circuit breaker.
type CircuitState string

const (
	// CircuitClosed indicates normal operation; session creation proceeds.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen indicates a failing upstream; creations fail immediately.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen indicates recovery testing; one creation is allowed.
	CircuitHalfOpen CircuitState = "half_open"
)

// circuitBreaker guards session creation for a single upstream URL. Only
// creation failures feed it; tool-call failures never trip the circuit. It
// wraps a two-step gobreaker so connect attempts report their outcome after
// the fact, with one probe at a time in the half-open state.
type circuitBreaker struct {
	url string
	cb  *gobreaker.TwoStepCircuitBreaker[struct{}]
}

func newCircuitBreaker(failureThreshold int, resetTimeout time.Duration, url string) *circuitBreaker {
	threshold := uint32(failureThreshold) //nolint:gosec // validated positive by config defaults
	return &circuitBreaker{
		url: url,
		cb: gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        url,
			MaxRequests: 1,
			Timeout:     resetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				switch {
				case to == gobreaker.StateOpen && from == gobreaker.StateHalfOpen:
					logger.Warnf("circuit breaker for upstream %s reopened (recovery failed)", url)
				case to == gobreaker.StateOpen:
					logger.Warnf("circuit breaker for upstream %s opened after repeated creation failures", url)
				case to == gobreaker.StateClosed && from == gobreaker.StateHalfOpen:
					logger.Infof("circuit breaker for upstream %s closed (recovery successful)", url)
				}
			},
		}),
	}
}

// BeginAttempt reserves a creation attempt. It reports false when the circuit
// refuses the attempt; otherwise the returned attempt must be finished with
// exactly one of Succeed, Fail, or Cancel.
func (cb *circuitBreaker) BeginAttempt() (*breakerAttempt, bool) {
	done, err := cb.cb.Allow()
	if err != nil {
		return nil, false
	}
	// Allow moved an expired open circuit to half-open, so the state read
	// here tells whether this attempt is the recovery probe.
	probe := cb.cb.State() == gobreaker.StateHalfOpen
	return &breakerAttempt{done: done, probe: probe}, true
}

// AllowsRequests reports whether acquisitions against this upstream should
// proceed at all. It never reserves the half-open probe slot, so it is safe
// to call on every acquire before the idle lookup.
func (cb *circuitBreaker) AllowsRequests() bool {
	return cb.cb.State() != gobreaker.StateOpen
}

// GetState returns the current circuit state.
func (cb *circuitBreaker) GetState() CircuitState {
	return stateOf(cb.cb.State())
}

// GetFailureCount returns the current consecutive failure count.
func (cb *circuitBreaker) GetFailureCount() int {
	return int(cb.cb.Counts().ConsecutiveFailures)
}

// breakerAttempt is one reserved creation attempt. The underlying breaker
// needs every attempt resolved; finishing twice is a no-op.
type breakerAttempt struct {
	done  func(success bool)
	probe bool
	once  sync.Once
}

// Succeed reports a successful creation; a half-open probe closes the circuit.
func (a *breakerAttempt) Succeed() {
	a.once.Do(func() { a.done(true) })
}

// Fail reports a failed creation, counting toward the trip threshold; a
// failed half-open probe reopens the circuit.
func (a *breakerAttempt) Fail() {
	a.once.Do(func() { a.done(false) })
}

// Cancel resolves an attempt abandoned by caller cancellation. A cancelled
// attempt in the closed state is not held against the upstream; a cancelled
// half-open probe proved nothing, so the circuit reopens and recovery waits
// for a probe with a real outcome.
func (a *breakerAttempt) Cancel() {
	a.once.Do(func() { a.done(!a.probe) })
}

func stateOf(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}
