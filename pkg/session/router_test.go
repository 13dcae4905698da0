// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/cache"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/pool"
)

// testWorker is one simulated gateway worker sharing the test cache.
type testWorker struct {
	id       string
	registry *Registry
	table    *Table
	router   *Router
	listener *Listener
}

func newTestWorker(t *testing.T, c cache.Cache, id string, dispatch DispatchFunc) *testWorker {
	t.Helper()

	registry := NewRegistry(c, id, time.Minute)
	table := NewTable(time.Minute, nil)
	t.Cleanup(table.Stop)

	forwarder := NewForwarder(c, 2*time.Second)
	router := NewRouter(registry, table, c, forwarder, dispatch)
	listener := NewListener(c, id, table, dispatch)

	return &testWorker{id: id, registry: registry, table: table, router: router, listener: listener}
}

// echoDispatch answers every request with a response frame naming the
// session that served it.
func echoDispatch(t *testing.T) DispatchFunc {
	t.Helper()
	return func(_ context.Context, sess *Session, message []byte) ([]byte, error) {
		var frame struct {
			ID any `json:"id"`
		}
		require.NoError(t, json.Unmarshal(message, &frame))
		return json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      frame.ID,
			"result":  map[string]any{"served_by": sess.ID()},
		})
	}
}

func TestRouter_RegisterAndUnregister(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	w := newTestWorker(t, c, "worker-a", echoDispatch(t))

	closed := false
	sess := New("s1", TransportSSE, WithCloseFunc(func() { closed = true }))
	require.NoError(t, w.router.Register(t.Context(), sess))

	owner, err := w.registry.Lookup(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", owner)

	w.router.Unregister(t.Context(), "s1")
	assert.True(t, closed)

	owner, err = w.registry.Lookup(t.Context(), "s1")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestRouter_RegisterConflict(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	wa := newTestWorker(t, c, "worker-a", echoDispatch(t))
	wb := newTestWorker(t, c, "worker-b", echoDispatch(t))

	require.NoError(t, wa.router.Register(t.Context(), New("s1", TransportSSE)))

	err := wb.router.Register(t.Context(), New("s1", TransportSSE))
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrInternal, gwerrors.TypeOf(err))
}

func TestRouter_RouteRequestLocal(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	w := newTestWorker(t, c, "worker-a", echoDispatch(t))

	require.NoError(t, w.router.Register(t.Context(), New("s1", TransportStreamableHTTP)))

	resp, err := w.router.RouteRequest(t.Context(), "s1", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	assert.Contains(t, string(resp), `"served_by":"s1"`)
}

func TestRouter_RouteRequestForwardsToOwner(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	owner := newTestWorker(t, c, "worker-a", echoDispatch(t))
	other := newTestWorker(t, c, "worker-b", echoDispatch(t))

	listenCtx, stopListen := context.WithCancel(t.Context())
	defer stopListen()
	go func() { _ = owner.listener.Run(listenCtx) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, owner.router.Register(t.Context(), New("s1", TransportStreamableHTTP)))

	resp, err := other.router.RouteRequest(t.Context(), "s1", []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))
	require.NoError(t, err)
	assert.Contains(t, string(resp), `"served_by":"s1"`)
	assert.Contains(t, string(resp), `"id":7`)
}

func TestRouter_RouteRequestUnknownSession(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	w := newTestWorker(t, c, "worker-a", echoDispatch(t))

	_, err := w.router.RouteRequest(t.Context(), "missing", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrNotFound, gwerrors.TypeOf(err))
}

func TestRouter_ForwardedDispatchErrorKeepsType(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	failing := func(context.Context, *Session, []byte) ([]byte, error) {
		return nil, gwerrors.NewUpstreamTimeoutError("upstream took too long", nil)
	}
	owner := newTestWorker(t, c, "worker-a", failing)
	other := newTestWorker(t, c, "worker-b", failing)

	listenCtx, stopListen := context.WithCancel(t.Context())
	defer stopListen()
	go func() { _ = owner.listener.Run(listenCtx) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, owner.router.Register(t.Context(), New("s1", TransportStreamableHTTP)))

	_, err := other.router.RouteRequest(t.Context(), "s1", []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`))
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrUpstreamTimeout, gwerrors.TypeOf(err))
}

func TestRouter_SSECrossWorkerDelivery(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	owner := newTestWorker(t, c, "worker-a", echoDispatch(t))
	other := newTestWorker(t, c, "worker-b", echoDispatch(t))

	var mu sync.Mutex
	var delivered [][]byte
	sess := New("s1", TransportSSE, WithDeliver(func(_ context.Context, message []byte) error {
		mu.Lock()
		delivered = append(delivered, message)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, owner.router.Register(t.Context(), sess))

	serveCtx, stopServe := context.WithCancel(t.Context())
	defer stopServe()
	go func() { _ = owner.router.ServeSSE(serveCtx, sess) }()
	time.Sleep(10 * time.Millisecond)

	// Worker B accepts the POST and publishes; worker A dispatches and
	// delivers over its stream.
	err := other.router.RouteSSE(t.Context(), "s1", []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, string(delivered[0]), `"served_by":"s1"`)
}

func TestRouter_RouteSSEUnknownSession(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	w := newTestWorker(t, c, "worker-a", echoDispatch(t))

	err := w.router.RouteSSE(t.Context(), "missing", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrNotFound, gwerrors.TypeOf(err))
}

func TestRouter_AffinityClaimLifecycle(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	w := newTestWorker(t, c, "worker-a", echoDispatch(t))
	w.router.SetAffinity(pool.NewAffinity(c, "worker-a"))

	require.NoError(t, w.router.Register(t.Context(), New("s1", TransportStreamableHTTP)))

	// Registering writes the pool ownership claim other workers resolve.
	observer := pool.NewAffinity(c, "worker-b")
	owner, err := observer.Owner(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", owner)

	w.router.Unregister(t.Context(), "s1")
	owner, err = observer.Owner(t.Context(), "s1")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestRouter_AffinityOwnerRoutesWithoutRegistryRecord(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	owner := newTestWorker(t, c, "worker-a", echoDispatch(t))
	other := newTestWorker(t, c, "worker-b", echoDispatch(t))
	owner.router.SetAffinity(pool.NewAffinity(c, "worker-a"))
	other.router.SetAffinity(pool.NewAffinity(c, "worker-b"))

	listenCtx, stopListen := context.WithCancel(t.Context())
	defer stopListen()
	go func() { _ = owner.listener.Run(listenCtx) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, owner.router.Register(t.Context(), New("s1", TransportStreamableHTTP)))

	// The registry record lapses but the pool ownership claim survives, so
	// peers still forward to the owner instead of reporting not-found.
	require.NoError(t, owner.registry.Unregister(t.Context(), "s1"))

	resp, err := other.router.RouteRequest(t.Context(), "s1", []byte(`{"jsonrpc":"2.0","id":4,"method":"tools/list"}`))
	require.NoError(t, err)
	assert.Contains(t, string(resp), `"served_by":"s1"`)
}

func TestForwarder_TimesOutWithoutListener(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	f := NewForwarder(c, 50*time.Millisecond)

	_, err := f.Call(t.Context(), "worker-gone", "s1", []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrUpstreamUnavailable, gwerrors.TypeOf(err))
}

func TestListener_DropsExpiredEnvelopes(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	dispatched := make(chan struct{}, 1)
	dispatch := func(context.Context, *Session, []byte) ([]byte, error) {
		dispatched <- struct{}{}
		return []byte(`{}`), nil
	}
	owner := newTestWorker(t, c, "worker-a", dispatch)

	listenCtx, stopListen := context.WithCancel(t.Context())
	defer stopListen()
	go func() { _ = owner.listener.Run(listenCtx) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, owner.router.Register(t.Context(), New("s1", TransportStreamableHTTP)))

	env, err := json.Marshal(&ForwardedRPC{
		Method:          "tools/call",
		SessionID:       "s1",
		ResponseChannel: "pool_rpc_response:test",
		DeadlineUnixMS:  time.Now().Add(-time.Second).UnixMilli(),
		Message:         []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`),
	})
	require.NoError(t, err)
	require.NoError(t, c.Publish(t.Context(), "pool_rpc:worker-a", env))

	select {
	case <-dispatched:
		t.Fatal("expired envelope must not dispatch")
	case <-time.After(100 * time.Millisecond):
	}
}
