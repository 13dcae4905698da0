// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	"github.com/stacklok/mcp-gateway/pkg/config"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/upstream"
)

// stubSession implements Session with empty results; fakes embed it and
// override what they need.
type stubSession struct{}

func (stubSession) CallTool(context.Context, string, map[string]any, map[string]any) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}

func (stubSession) ReadResource(context.Context, string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (stubSession) GetPrompt(context.Context, string, map[string]any) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (stubSession) ListTools(context.Context, string) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}

func (stubSession) ListResources(context.Context, string) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{}, nil
}

func (stubSession) ListPrompts(context.Context, string) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{}, nil
}

func (stubSession) SessionID() string                          { return "" }
func (stubSession) ServerCapabilities() mcp.ServerCapabilities { return mcp.ServerCapabilities{} }
func (stubSession) Probe(context.Context) error                { return nil }
func (stubSession) Close() error                               { return nil }

type fakeSession struct {
	stubSession
	id string

	mu       sync.Mutex
	probeErr error
	probes   int
	closed   bool
}

func (f *fakeSession) SessionID() string { return f.id }

func (f *fakeSession) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) setProbeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr = err
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeConnector stands in for upstream.Connect and records every target it
// was asked to connect.
type fakeConnector struct {
	mu       sync.Mutex
	calls    int
	err      error
	targets  []*upstream.Target
	sessions []*fakeSession
}

func (f *fakeConnector) connect(_ context.Context, target *upstream.Target, _ *upstream.StrategyRegistry) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{id: fmt.Sprintf("sess-%d", f.calls)}
	f.targets = append(f.targets, target)
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeConnector) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeConnector) sessionAt(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func (f *fakeConnector) targetAt(i int) *upstream.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[i]
}

func testPoolConfig() *config.PoolConfig {
	return &config.PoolConfig{
		MaxPerKey:           2,
		AcquireTimeout:      config.Duration(200 * time.Millisecond),
		TransportTimeout:    config.Duration(time.Second),
		CreateTimeout:       config.Duration(time.Second),
		SessionTTL:          config.Duration(time.Hour),
		HealthCheckInterval: config.Duration(time.Hour),
		HealthCheckTimeout:  config.Duration(time.Second),
		IdleEviction:        config.Duration(time.Minute),
		CircuitBreaker: &config.CircuitBreakerConfig{
			FailureThreshold: 2,
			ResetTimeout:     config.Duration(time.Minute),
		},
	}
}

func newTestPool(t *testing.T, cfg *config.PoolConfig, fc *fakeConnector) *Pool {
	t.Helper()
	if cfg == nil {
		cfg = testPoolConfig()
	}
	p := New(cfg, upstream.NewStrategyRegistry(), nil)
	p.connect = fc.connect
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func testGateway() *catalog.Gateway {
	return &catalog.Gateway{
		ID:        "gw-1",
		Name:      "github",
		URL:       "http://up.example/mcp",
		Transport: "streamable_http",
	}
}

func bearerHeaders(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	t.Parallel()

	fc := &fakeConnector{}
	p := newTestPool(t, nil, fc)
	gw := testGateway()

	h1, err := p.Acquire(context.Background(), gw, bearerHeaders("tok"))
	require.NoError(t, err)
	assert.Equal(t, "sess-1", h1.Session().SessionID())
	h1.Release()

	// A healthy release within the TTL is reused; nothing is created or
	// closed.
	h2, err := p.Acquire(context.Background(), gw, bearerHeaders("tok"))
	require.NoError(t, err)
	assert.Equal(t, "sess-1", h2.Session().SessionID())
	h2.Release()

	assert.Equal(t, 1, fc.created())
	assert.False(t, fc.sessionAt(0).isClosed())
}

func TestAcquireIsolatesIdentities(t *testing.T) {
	t.Parallel()

	fc := &fakeConnector{}
	p := newTestPool(t, nil, fc)
	gw := testGateway()

	hAlice, err := p.Acquire(context.Background(), gw, bearerHeaders("alice"))
	require.NoError(t, err)
	hAlice.Release()

	// Alice's idle session must not be handed to Bob.
	hBob, err := p.Acquire(context.Background(), gw, bearerHeaders("bob"))
	require.NoError(t, err)
	assert.NotEqual(t, "sess-1", hBob.Session().SessionID())
	hBob.Release()

	assert.Equal(t, 2, fc.created())

	stats := p.Stats()
	require.Len(t, stats, 2)
	assert.NotEqual(t, stats[0].IdentityHash, stats[1].IdentityHash)
}

func TestAcquireWithIdentityIsolatesGatewayIdentities(t *testing.T) {
	t.Parallel()

	fc := &fakeConnector{}
	p := newTestPool(t, nil, fc)
	gw := testGateway()

	// Identity headers built by the gateway are the only thing telling these
	// two users apart: the client requests carry no credential headers at all.
	hAlice, err := p.AcquireWithIdentity(context.Background(), gw, nil,
		map[string]string{"X-Forwarded-User-Email": "alice@example.com"})
	require.NoError(t, err)
	hAlice.Release()

	hBob, err := p.AcquireWithIdentity(context.Background(), gw, nil,
		map[string]string{"X-Forwarded-User-Email": "bob@example.com"})
	require.NoError(t, err)
	assert.NotEqual(t, hAlice.Session().SessionID(), hBob.Session().SessionID())
	hBob.Release()

	require.Equal(t, 2, fc.created())
	assert.Equal(t, "alice@example.com", fc.targetAt(0).Headers["X-Forwarded-User-Email"])
	assert.Equal(t, "bob@example.com", fc.targetAt(1).Headers["X-Forwarded-User-Email"])

	stats := p.Stats()
	require.Len(t, stats, 2)
	assert.NotEqual(t, stats[0].IdentityHash, stats[1].IdentityHash)

	// Same identity map again reuses the idle session.
	hAgain, err := p.AcquireWithIdentity(context.Background(), gw, nil,
		map[string]string{"X-Forwarded-User-Email": "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, hBob.Session().SessionID(), hAgain.Session().SessionID())
	hAgain.Release()
	assert.Equal(t, 2, fc.created())
}

func TestAcquireScrubsHeadersBeforePooling(t *testing.T) {
	t.Parallel()

	fc := &fakeConnector{}
	p := newTestPool(t, nil, fc)
	gw := testGateway()

	h := bearerHeaders("tok")
	h.Set("X-Correlation-ID", "req-1")
	h.Set("X-Forwarded-User-Id", "spoofed")
	h1, err := p.Acquire(context.Background(), gw, h)
	require.NoError(t, err)
	h1.Release()

	// Volatile and spoofable headers never reach the sticky set.
	sticky := fc.targetAt(0).Headers
	assert.Equal(t, "Bearer tok", sticky["Authorization"])
	for name := range sticky {
		assert.False(t, strings.HasPrefix(name, "X-Correlation"), "header %s leaked into sticky set", name)
		assert.False(t, strings.HasPrefix(name, "X-Forwarded-User"), "header %s leaked into sticky set", name)
	}

	// A different correlation ID is the same identity and reuses the
	// session.
	h2key := bearerHeaders("tok")
	h2key.Set("X-Correlation-ID", "req-2")
	h2, err := p.Acquire(context.Background(), gw, h2key)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", h2.Session().SessionID())
	h2.Release()
	assert.Equal(t, 1, fc.created())
}

func TestAcquireUnsupportedTransport(t *testing.T) {
	t.Parallel()

	fc := &fakeConnector{}
	p := newTestPool(t, nil, fc)
	gw := testGateway()
	gw.Transport = "carrier-pigeon"

	_, err := p.Acquire(context.Background(), gw, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream.ErrUnsupportedTransport)
}

func TestAcquireWaitsForReleaseAtCapacity(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.MaxPerKey = 1
	cfg.AcquireTimeout = config.Duration(2 * time.Second)
	fc := &fakeConnector{}
	p := newTestPool(t, cfg, fc)
	gw := testGateway()

	h1, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)

	got := make(chan *Handle, 1)
	errCh := make(chan error, 1)
	go func() {
		h2, err := p.Acquire(context.Background(), gw, nil)
		if err != nil {
			errCh <- err
			return
		}
		got <- h2
	}()

	time.Sleep(50 * time.Millisecond)
	h1.Release()

	select {
	case h2 := <-got:
		// Direct handoff of the released session, no second creation.
		assert.Equal(t, "sess-1", h2.Session().SessionID())
		h2.Release()
	case err := <-errCh:
		t.Fatalf("waiting acquire failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("waiting acquire did not complete after release")
	}
	assert.Equal(t, 1, fc.created())
}

func TestAcquireTimesOutAtCapacity(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.MaxPerKey = 1
	cfg.AcquireTimeout = config.Duration(100 * time.Millisecond)
	fc := &fakeConnector{}
	p := newTestPool(t, cfg, fc)
	gw := testGateway()

	h1, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)
	defer h1.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background(), gw, nil)
	require.Error(t, err)
	assert.True(t, gwerrors.IsAcquireTimeout(err), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquireCancelled(t *testing.T) {
	t.Parallel()

	fc := &fakeConnector{}
	p := newTestPool(t, nil, fc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx, testGateway(), nil)
	require.Error(t, err)
	assert.True(t, gwerrors.IsCancelled(err), "got %v", err)
}

func TestReleaseClosesSessionPastTTL(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.SessionTTL = config.Duration(30 * time.Millisecond)
	fc := &fakeConnector{}
	p := newTestPool(t, cfg, fc)
	gw := testGateway()

	h1, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	h1.Release()

	assert.True(t, fc.sessionAt(0).isClosed())

	h2, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", h2.Session().SessionID())
	h2.Release()
}

func TestIdleSessionProbedAfterInterval(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.HealthCheckInterval = config.Duration(20 * time.Millisecond)
	fc := &fakeConnector{}
	p := newTestPool(t, cfg, fc)
	gw := testGateway()

	h1, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)
	h1.Release()

	time.Sleep(50 * time.Millisecond)

	h2, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", h2.Session().SessionID())
	assert.Equal(t, 1, fc.sessionAt(0).probes)
	h2.Release()
}

func TestIdleProbeFailureDiscardsAndRetries(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.HealthCheckInterval = config.Duration(20 * time.Millisecond)
	fc := &fakeConnector{}
	p := newTestPool(t, cfg, fc)
	gw := testGateway()

	h1, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)
	h1.Release()

	fc.sessionAt(0).setProbeErr(errors.New("connection reset"))
	time.Sleep(50 * time.Millisecond)

	h2, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", h2.Session().SessionID())
	assert.True(t, fc.sessionAt(0).isClosed())
	assert.Equal(t, 2, fc.created())
	h2.Release()
}

func TestCircuitBreakerTripsOnCreationFailures(t *testing.T) {
	t.Parallel()

	fc := &fakeConnector{err: errors.New("dial tcp: connection refused")}
	p := newTestPool(t, nil, fc)
	gw := testGateway()

	// Threshold is 2: the first failure leaves the circuit closed, the
	// second opens it.
	_, err := p.Acquire(context.Background(), gw, nil)
	require.Error(t, err)
	assert.False(t, gwerrors.IsCircuitOpen(err))

	_, err = p.Acquire(context.Background(), gw, nil)
	require.Error(t, err)

	_, err = p.Acquire(context.Background(), gw, nil)
	require.Error(t, err)
	assert.True(t, gwerrors.IsCircuitOpen(err), "got %v", err)
	assert.Equal(t, 2, fc.created(), "open circuit must fail fast without dialing")
}

func TestDiscardClosesSession(t *testing.T) {
	t.Parallel()

	fc := &fakeConnector{}
	p := newTestPool(t, nil, fc)
	gw := testGateway()

	h1, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)
	h1.Discard()
	// Release after Discard is a no-op.
	h1.Release()

	assert.True(t, fc.sessionAt(0).isClosed())

	h2, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", h2.Session().SessionID())

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Active)
	assert.Equal(t, 0, stats[0].Idle)
	h2.Release()
}

func TestHandleReleaseIdempotent(t *testing.T) {
	t.Parallel()

	fc := &fakeConnector{}
	p := newTestPool(t, nil, fc)

	h, err := p.Acquire(context.Background(), testGateway(), nil)
	require.NoError(t, err)
	h.Release()
	h.Release()

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Active)
	assert.Equal(t, 1, stats[0].Idle)
}

func TestCloseShutsDownPool(t *testing.T) {
	t.Parallel()

	fc := &fakeConnector{}
	p := newTestPool(t, nil, fc)
	gw := testGateway()

	hAlice, err := p.Acquire(context.Background(), gw, bearerHeaders("alice"))
	require.NoError(t, err)
	hAlice.Release()
	hBob, err := p.Acquire(context.Background(), gw, bearerHeaders("bob"))
	require.NoError(t, err)
	hBob.Release()

	require.NoError(t, p.Close())

	assert.True(t, fc.sessionAt(0).isClosed())
	assert.True(t, fc.sessionAt(1).isClosed())

	_, err = p.Acquire(context.Background(), gw, nil)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestSweepExpiresIdleAndEvictsEmptyKeys(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.SessionTTL = config.Duration(30 * time.Millisecond)
	fc := &fakeConnector{}
	p := newTestPool(t, cfg, fc)
	gw := testGateway()

	h1, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)
	h1.Release()

	time.Sleep(50 * time.Millisecond)

	// First pass closes the expired idle session but keeps the key.
	p.sweep(time.Now())
	assert.True(t, fc.sessionAt(0).isClosed())
	require.Len(t, p.Stats(), 1)

	// The key survives until it has been empty for the eviction window.
	p.sweep(time.Now())
	require.Len(t, p.Stats(), 1)

	p.sweep(time.Now().Add(2 * time.Minute))
	assert.Empty(t, p.Stats())

	p.mu.Lock()
	breakers := len(p.breakers)
	p.mu.Unlock()
	assert.Zero(t, breakers, "breakers for evicted URLs must be dropped")
}

func TestConcurrentAcquireRespectsCapacity(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.MaxPerKey = 3
	cfg.AcquireTimeout = config.Duration(5 * time.Second)
	fc := &fakeConnector{}
	p := newTestPool(t, cfg, fc)
	gw := testGateway()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background(), gw, nil)
			if err != nil {
				errs <- err
				return
			}
			time.Sleep(10 * time.Millisecond)
			h.Release()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("acquire failed: %v", err)
	}

	assert.LessOrEqual(t, fc.created(), 3)

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Active)
	assert.Equal(t, 0, stats[0].Waiters)
}

func TestMetricsTrackSessions(t *testing.T) {
	t.Parallel()

	fc := &fakeConnector{}
	p := newTestPool(t, nil, fc)
	gw := testGateway()

	h, err := p.Acquire(context.Background(), gw, nil)
	require.NoError(t, err)

	active := p.metrics.ActiveSessions.WithLabelValues(gw.URL, "streamable_http")
	idle := p.metrics.IdleSessions.WithLabelValues(gw.URL, "streamable_http")
	created := p.metrics.SessionsCreated.WithLabelValues(gw.URL, "streamable_http")

	assert.Equal(t, 1.0, testutil.ToFloat64(active))
	assert.Equal(t, 0.0, testutil.ToFloat64(idle))
	assert.Equal(t, 1.0, testutil.ToFloat64(created))

	h.Release()
	assert.Equal(t, 0.0, testutil.ToFloat64(active))
	assert.Equal(t, 1.0, testutil.ToFloat64(idle))
}

type fakeNetError struct{ timeout bool }

func (fakeNetError) Error() string     { return "net failure" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (fakeNetError) Temporary() bool   { return false }

func TestShouldDiscard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"protocol error", errors.New("tool execution failed"), false},
		{"connection reset", syscall.ECONNRESET, true},
		{"wrapped broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"unrelated syscall error", syscall.ENOENT, false},
		{"eof", io.EOF, true},
		{"net timeout", fakeNetError{timeout: true}, false},
		{"net non-timeout", fakeNetError{timeout: false}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ShouldDiscard(tt.err))
		})
	}
}
