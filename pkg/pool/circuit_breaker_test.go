// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failTimes runs n failed creation attempts through the breaker.
func failTimes(t *testing.T, cb *circuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		attempt, ok := cb.BeginAttempt()
		require.True(t, ok, "attempt %d refused", i+1)
		attempt.Fail()
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	threshold := 5
	cb := newCircuitBreaker(threshold, time.Minute, "http://up.example/mcp")

	for i := 0; i < threshold-1; i++ {
		failTimes(t, cb, 1)
		assert.Equal(t, CircuitClosed, cb.GetState(), "failure %d must not open the circuit", i+1)
	}
	assert.Equal(t, threshold-1, cb.GetFailureCount())

	failTimes(t, cb, 1)
	assert.Equal(t, CircuitOpen, cb.GetState())

	_, ok := cb.BeginAttempt()
	assert.False(t, ok)
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	t.Parallel()

	cb := newCircuitBreaker(3, time.Minute, "")

	failTimes(t, cb, 2)
	assert.Equal(t, 2, cb.GetFailureCount())

	attempt, ok := cb.BeginAttempt()
	require.True(t, ok)
	attempt.Succeed()
	assert.Equal(t, 0, cb.GetFailureCount())
	assert.Equal(t, CircuitClosed, cb.GetState())

	// The count starts over; two more failures still do not open it.
	failTimes(t, cb, 2)
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenSingleProbe(t *testing.T) {
	t.Parallel()

	resetTimeout := 50 * time.Millisecond
	cb := newCircuitBreaker(2, resetTimeout, "")

	failTimes(t, cb, 2)
	assert.Equal(t, CircuitOpen, cb.GetState())
	_, ok := cb.BeginAttempt()
	assert.False(t, ok)

	time.Sleep(resetTimeout + 20*time.Millisecond)

	// The first attempt after the reset window gets the probe slot.
	probe, ok := cb.BeginAttempt()
	require.True(t, ok)
	assert.Equal(t, CircuitHalfOpen, cb.GetState())

	_, ok = cb.BeginAttempt()
	assert.False(t, ok, "only one probe at a time")

	probe.Succeed()
	assert.Equal(t, CircuitClosed, cb.GetState())
	attempt, ok := cb.BeginAttempt()
	require.True(t, ok)
	attempt.Succeed()
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	resetTimeout := 50 * time.Millisecond
	cb := newCircuitBreaker(2, resetTimeout, "")

	failTimes(t, cb, 2)
	time.Sleep(resetTimeout + 20*time.Millisecond)

	probe, ok := cb.BeginAttempt()
	require.True(t, ok)
	assert.Equal(t, CircuitHalfOpen, cb.GetState())

	probe.Fail()
	assert.Equal(t, CircuitOpen, cb.GetState())
	_, ok = cb.BeginAttempt()
	assert.False(t, ok)
}

func TestCircuitBreakerAllowsRequests(t *testing.T) {
	t.Parallel()

	resetTimeout := 50 * time.Millisecond
	cb := newCircuitBreaker(2, resetTimeout, "")

	assert.True(t, cb.AllowsRequests())

	failTimes(t, cb, 2)
	assert.False(t, cb.AllowsRequests())

	time.Sleep(resetTimeout + 20*time.Millisecond)

	// Eligible for a half-open probe, and the check does not reserve the
	// probe slot.
	assert.True(t, cb.AllowsRequests())
	assert.True(t, cb.AllowsRequests())

	probe, ok := cb.BeginAttempt()
	require.True(t, ok)
	assert.Equal(t, CircuitHalfOpen, cb.GetState())
	probe.Succeed()
}

func TestCircuitBreakerCancelledAttemptNotCounted(t *testing.T) {
	t.Parallel()

	cb := newCircuitBreaker(2, time.Minute, "")

	failTimes(t, cb, 1)
	attempt, ok := cb.BeginAttempt()
	require.True(t, ok)

	// The caller went away mid-connect; that says nothing about the
	// upstream, so the circuit stays closed.
	attempt.Cancel()
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.True(t, cb.AllowsRequests())
}

func TestCircuitBreakerCancelledProbeReopens(t *testing.T) {
	t.Parallel()

	resetTimeout := 50 * time.Millisecond
	cb := newCircuitBreaker(2, resetTimeout, "")

	failTimes(t, cb, 2)
	time.Sleep(resetTimeout + 20*time.Millisecond)

	probe, ok := cb.BeginAttempt()
	require.True(t, ok)
	assert.Equal(t, CircuitHalfOpen, cb.GetState())

	// An abandoned probe proved nothing; recovery waits for one with a
	// real outcome.
	probe.Cancel()
	assert.Equal(t, CircuitOpen, cb.GetState())

	time.Sleep(resetTimeout + 20*time.Millisecond)
	next, ok := cb.BeginAttempt()
	require.True(t, ok)
	next.Succeed()
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreakerFinishTwiceIsNoOp(t *testing.T) {
	t.Parallel()

	cb := newCircuitBreaker(2, time.Minute, "")

	attempt, ok := cb.BeginAttempt()
	require.True(t, ok)
	attempt.Fail()
	attempt.Fail()
	attempt.Succeed()

	// Only the first resolution counted.
	assert.Equal(t, 1, cb.GetFailureCount())
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreakerConcurrentAccess(t *testing.T) {
	t.Parallel()

	cb := newCircuitBreaker(100000, 100*time.Millisecond, "")
	iterations := 1000

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if attempt, ok := cb.BeginAttempt(); ok {
				attempt.Fail()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if attempt, ok := cb.BeginAttempt(); ok {
				attempt.Succeed()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			_ = cb.AllowsRequests()
			_ = cb.GetFailureCount()
		}
	}()
	wg.Wait()

	state := cb.GetState()
	assert.Contains(t, []CircuitState{CircuitClosed, CircuitOpen, CircuitHalfOpen}, state)
}
