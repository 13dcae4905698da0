// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
)

func newOutgoingRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://upstream.example/mcp", nil)
	require.NoError(t, err)
	return req
}

func TestStrategyRegistryBuiltins(t *testing.T) {
	t.Parallel()

	registry := NewStrategyRegistry()
	for _, name := range []string{"unauthenticated", "bearer", "basic", "headers", "oauth"} {
		strategy, err := registry.GetStrategy(name)
		require.NoError(t, err, "builtin strategy %s should be registered", name)
		assert.Equal(t, name, strategy.Name())
	}

	_, err := registry.GetStrategy("kerberos")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRegisterStrategyValidation(t *testing.T) {
	t.Parallel()

	registry := NewStrategyRegistry()

	err := registry.RegisterStrategy("", &unauthenticatedStrategy{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name cannot be empty")

	err = registry.RegisterStrategy("custom", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be nil")

	err = registry.RegisterStrategy("bearer", &bearerStrategy{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestResolveStrategy(t *testing.T) {
	t.Parallel()

	registry := NewStrategyRegistry()

	strategy, err := registry.resolveStrategy(nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyTypeUnauthenticated, strategy.Name())

	strategy, err = registry.resolveStrategy(&catalog.UpstreamAuth{Type: catalog.UpstreamAuthBearer})
	require.NoError(t, err)
	assert.Equal(t, "bearer", strategy.Name())

	_, err = registry.resolveStrategy(&catalog.UpstreamAuth{Type: "magic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestBearerStrategy(t *testing.T) {
	t.Parallel()

	strategy := &bearerStrategy{}

	require.Error(t, strategy.Validate(nil))
	require.Error(t, strategy.Validate(&catalog.UpstreamAuth{Type: catalog.UpstreamAuthBearer}))

	cfg := &catalog.UpstreamAuth{Type: catalog.UpstreamAuthBearer, Token: "secret-token"}
	require.NoError(t, strategy.Validate(cfg))

	req := newOutgoingRequest(t)
	require.NoError(t, strategy.Authenticate(context.Background(), req, cfg))
	assert.Equal(t, "Bearer secret-token", req.Header.Get("Authorization"))
}

func TestBasicStrategy(t *testing.T) {
	t.Parallel()

	strategy := &basicStrategy{}

	require.Error(t, strategy.Validate(&catalog.UpstreamAuth{Type: catalog.UpstreamAuthBasic}))

	cfg := &catalog.UpstreamAuth{Type: catalog.UpstreamAuthBasic, Username: "svc", Password: "hunter2"}
	require.NoError(t, strategy.Validate(cfg))

	req := newOutgoingRequest(t)
	require.NoError(t, strategy.Authenticate(context.Background(), req, cfg))

	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "svc", user)
	assert.Equal(t, "hunter2", pass)
}

func TestHeadersStrategy(t *testing.T) {
	t.Parallel()

	strategy := &headersStrategy{}

	require.Error(t, strategy.Validate(&catalog.UpstreamAuth{Type: catalog.UpstreamAuthHeaders}))

	err := strategy.Validate(&catalog.UpstreamAuth{
		Type:    catalog.UpstreamAuthHeaders,
		Headers: map[string]string{"X-Bad\r\nHeader": "v"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid header name")

	cfg := &catalog.UpstreamAuth{
		Type: catalog.UpstreamAuthHeaders,
		Headers: map[string]string{
			"X-Api-Key":   "k-123",
			"X-Tenant-Id": "acme",
		},
	}
	require.NoError(t, strategy.Validate(cfg))

	req := newOutgoingRequest(t)
	require.NoError(t, strategy.Authenticate(context.Background(), req, cfg))
	assert.Equal(t, "k-123", req.Header.Get("X-Api-Key"))
	assert.Equal(t, "acme", req.Header.Get("X-Tenant-Id"))
}

func TestUnauthenticatedStrategyLeavesRequestAlone(t *testing.T) {
	t.Parallel()

	strategy := &unauthenticatedStrategy{}
	require.NoError(t, strategy.Validate(nil))

	req := newOutgoingRequest(t)
	require.NoError(t, strategy.Authenticate(context.Background(), req, nil))
	assert.Empty(t, req.Header.Get("Authorization"))
}

// newTokenServer serves a client credentials token endpoint and counts how
// many token requests it received.
func newTokenServer(t *testing.T, accessToken string, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOAuthStrategyValidate(t *testing.T) {
	t.Parallel()

	strategy := newOAuthStrategy()

	require.Error(t, strategy.Validate(nil))
	require.Error(t, strategy.Validate(&catalog.UpstreamAuth{Type: catalog.UpstreamAuthOAuth, ClientID: "id"}))
	require.Error(t, strategy.Validate(&catalog.UpstreamAuth{Type: catalog.UpstreamAuthOAuth, TokenURL: "http://idp.example/token"}))
	require.NoError(t, strategy.Validate(&catalog.UpstreamAuth{
		Type:     catalog.UpstreamAuthOAuth,
		TokenURL: "http://idp.example/token",
		ClientID: "id",
	}))
}

func TestOAuthStrategyAuthenticate(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := newTokenServer(t, "issued-token", &requests)

	strategy := newOAuthStrategy()
	cfg := &catalog.UpstreamAuth{
		Type:         catalog.UpstreamAuthOAuth,
		TokenURL:     srv.URL,
		ClientID:     "gateway",
		ClientSecret: "s3cret",
		Scopes:       []string{"mcp:call"},
	}

	req := newOutgoingRequest(t)
	require.NoError(t, strategy.Authenticate(context.Background(), req, cfg))
	assert.Equal(t, "Bearer issued-token", req.Header.Get("Authorization"))

	// The cached token source reuses the unexpired token.
	req2 := newOutgoingRequest(t)
	require.NoError(t, strategy.Authenticate(context.Background(), req2, cfg))
	assert.Equal(t, "Bearer issued-token", req2.Header.Get("Authorization"))
	assert.Equal(t, int32(1), requests.Load())

	// A different scope set is a different source and mints its own token.
	other := *cfg
	other.Scopes = []string{"mcp:admin"}
	req3 := newOutgoingRequest(t)
	require.NoError(t, strategy.Authenticate(context.Background(), req3, &other))
	assert.Equal(t, int32(2), requests.Load())
}

func TestOAuthStrategyTokenEndpointFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	strategy := newOAuthStrategy()
	cfg := &catalog.UpstreamAuth{
		Type:     catalog.UpstreamAuthOAuth,
		TokenURL: srv.URL,
		ClientID: "gateway",
	}

	err := strategy.Authenticate(context.Background(), newOutgoingRequest(t), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to obtain oauth token")
}
