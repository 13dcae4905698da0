// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/cache"
	"github.com/stacklok/mcp-gateway/pkg/cancellation"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	"github.com/stacklok/mcp-gateway/pkg/config"
	"github.com/stacklok/mcp-gateway/pkg/federation"
	"github.com/stacklok/mcp-gateway/pkg/session"
	"github.com/stacklok/mcp-gateway/pkg/storage/sqlite"
	"github.com/stacklok/mcp-gateway/pkg/transport/streamable"
)

func echoDispatch(_ context.Context, _ *session.Session, message []byte) ([]byte, error) {
	frame := gjson.ParseBytes(message)
	if !frame.Get("id").Exists() {
		return nil, nil
	}
	return []byte(`{"jsonrpc":"2.0","id":` + frame.Get("id").Raw + `,"result":{}}`), nil
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	c := cache.NewMemoryCache()
	store, err := sqlite.NewStore(t.Context(), filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := session.NewRegistry(c, "w1", time.Minute)
	table := session.NewTable(time.Minute, nil)
	forwarder := session.NewForwarder(c, time.Second)
	router := session.NewRouter(registry, table, c, forwarder, echoDispatch)
	cancels := cancellation.NewService(c)
	fed := federation.NewService(federation.Deps{
		Store:       store,
		Cancels:     cancels,
		Passthrough: &config.PassthroughConfig{Enabled: true},
	})

	return Deps{
		Config:     &config.Config{},
		Router:     router,
		Dispatch:   echoDispatch,
		Federation: fed,
		Cancels:    cancels,
		Store:      store,
		Cache:      c,
	}
}

func startServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(Handler(deps))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newTestDeps(t))

	resp, body := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", gjson.GetBytes(body, "status").String())
	assert.Equal(t, "ok", gjson.GetBytes(body, "database").String())
	assert.Equal(t, "ok", gjson.GetBytes(body, "cache").String())
}

func TestHealth_DegradedDatabase(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	require.NoError(t, deps.Store.Close())
	srv := startServer(t, deps)

	resp, body := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", gjson.GetBytes(body, "status").String())
	assert.Equal(t, "unreachable", gjson.GetBytes(body, "database").String())
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newTestDeps(t))

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRPC_LocalSession(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	sess := session.New("sess-1", session.TransportStreamableHTTP)
	require.NoError(t, deps.Router.Register(t.Context(), sess))
	srv := startServer(t, deps)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/rpc",
		strings.NewReader(`{"jsonrpc":"2.0","id":4,"method":"ping"}`))
	require.NoError(t, err)
	req.Header.Set(streamable.SessionHeader, "sess-1")
	req.Header.Set(ForwardedInternallyHeader, "true")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, int64(4), gjson.GetBytes(buf.Bytes(), "id").Int())
}

func TestRPC_InternalUnknownSessionIsNotForwarded(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newTestDeps(t))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/rpc",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	req.Header.Set(streamable.SessionHeader, "ghost")
	req.Header.Set(ForwardedInternallyHeader, "true")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRPC_RequiresSession(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newTestDeps(t))

	resp, _ := doJSON(t, srv, http.MethodPost, "/rpc",
		map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancellation_CancelAndStatus(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	_, deregister, err := deps.Cancels.RegisterRun(t.Context(), "R1", "tools/call", nil)
	require.NoError(t, err)
	t.Cleanup(deregister)
	srv := startServer(t, deps)

	resp, body := doJSON(t, srv, http.MethodPost, "/cancellation/cancel",
		map[string]string{"requestId": "R1", "reason": "user abort"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cancellation.StatusCancelled, gjson.GetBytes(body, "status").String())
	assert.Equal(t, "R1", gjson.GetBytes(body, "requestId").String())

	resp, body = doJSON(t, srv, http.MethodGet, "/cancellation/status/R1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, gjson.GetBytes(body, "cancelled").Bool())
	assert.Equal(t, "user abort", gjson.GetBytes(body, "cancelReason").String())
}

func TestCancellation_StatusUnknownRun(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newTestDeps(t))

	resp, _ := doJSON(t, srv, http.MethodGet, "/cancellation/status/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancellation_CancelRequiresRequestID(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newTestDeps(t))

	resp, _ := doJSON(t, srv, http.MethodPost, "/cancellation/cancel",
		map[string]string{"reason": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPassthrough_UnknownTool(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newTestDeps(t))

	resp, _ := doJSON(t, srv, http.MethodGet, "/passthrough/ns/ghost/users", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPassthrough_Disabled(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	deps.Federation = federation.NewService(federation.Deps{
		Store:       deps.Store,
		Passthrough: &config.PassthroughConfig{Enabled: false},
	})
	srv := startServer(t, deps)

	resp, _ := doJSON(t, srv, http.MethodGet, "/passthrough/ns/tid/users", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuthMiddleware_RejectsAnonymous(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	deps.Auth = auth.NewAuthenticatorWithValidator(&config.AuthConfig{}, nil)
	srv := startServer(t, deps)

	resp, _ := doJSON(t, srv, http.MethodGet, "/cancellation/status/x", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Probes stay open.
	health, _ := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestRootPathMount(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	deps.Config = &config.Config{RootPath: "/gateway"}
	srv := startServer(t, deps)

	resp, _ := doJSON(t, srv, http.MethodGet, "/gateway/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bare, _ := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusNotFound, bare.StatusCode)
}

func TestAdmin_GatewayCRUD(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newTestDeps(t))

	resp, body := doJSON(t, srv, http.MethodPost, "/admin/gateways", &catalog.Gateway{
		Name:       "github",
		URL:        "https://mcp.example.com/sse",
		Transport:  "sse",
		Visibility: catalog.VisibilityPublic,
		Enabled:    true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := gjson.GetBytes(body, "id").String()
	require.NotEmpty(t, id)

	resp, body = doJSON(t, srv, http.MethodGet, "/admin/gateways", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, gjson.GetBytes(body, "items").Array(), 1)
	assert.Equal(t, int64(1), gjson.GetBytes(body, "page").Int())

	resp, body = doJSON(t, srv, http.MethodGet, "/admin/gateways/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "github", gjson.GetBytes(body, "name").String())

	resp, body = doJSON(t, srv, http.MethodPut, "/admin/gateways/"+id, &catalog.Gateway{
		Name:       "github-renamed",
		URL:        "https://mcp.example.com/sse",
		Transport:  "sse",
		Visibility: catalog.VisibilityPublic,
		Enabled:    true,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "github-renamed", gjson.GetBytes(body, "name").String())

	resp, _ = doJSON(t, srv, http.MethodDelete, "/admin/gateways/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodGet, "/admin/gateways/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_ToolCRUD(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newTestDeps(t))

	resp, body := doJSON(t, srv, http.MethodPost, "/admin/tools", &catalog.Tool{
		Name:            "search_issues",
		IntegrationType: catalog.IntegrationMCP,
		Visibility:      catalog.VisibilityPublic,
		Enabled:         true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := gjson.GetBytes(body, "id").String()
	require.NotEmpty(t, id)

	resp, body = doJSON(t, srv, http.MethodGet, "/admin/tools/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "search_issues", gjson.GetBytes(body, "name").String())

	resp, _ = doJSON(t, srv, http.MethodDelete, "/admin/tools/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAdmin_ListPagination(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t)
	for _, name := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, deps.Store.Prompts().Create(t.Context(), &catalog.Prompt{
			Name:       name,
			Visibility: catalog.VisibilityPublic,
			Enabled:    true,
		}))
	}
	srv := startServer(t, deps)

	resp, body := doJSON(t, srv, http.MethodGet, "/admin/prompts?page=2&per_page=2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, gjson.GetBytes(body, "items").Array(), 1)
	assert.Equal(t, int64(2), gjson.GetBytes(body, "page").Int())
	assert.Equal(t, int64(2), gjson.GetBytes(body, "per_page").Int())
}

func TestAdmin_InvalidBody(t *testing.T) {
	t.Parallel()
	srv := startServer(t, newTestDeps(t))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/admin/gateways",
		strings.NewReader(`{"bogus_field":true}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
