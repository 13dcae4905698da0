// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	"github.com/stacklok/mcp-gateway/pkg/config"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/plugins"
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// newRESTService builds a service whose HTTP dispatches hit srv directly.
func newRESTService(t *testing.T, store storage.Store, srv *httptest.Server, passCfg *config.PassthroughConfig) *Service {
	t.Helper()
	mgr, err := plugins.NewManager(nil)
	require.NoError(t, err)
	return NewService(Deps{
		Store:       store,
		Pool:        &fakePool{outcomes: []acquireOutcome{{}}},
		Plugins:     mgr,
		Cancels:     newTestCancels(t),
		Passthrough: passCfg,
		HTTPClient:  srv.Client(),
	})
}

func localhostPassCfg() *config.PassthroughConfig {
	return &config.PassthroughConfig{
		Enabled:              true,
		AllowPrivateNetworks: true,
		MaxRequestBytes:      10 << 20,
		MaxResponseBytes:     50 << 20,
	}
}

func seedRESTTool(t *testing.T, store storage.Store, spec *catalog.RESTToolSpec) *catalog.Tool {
	t.Helper()
	tool := &catalog.Tool{
		Name:            "issues",
		IntegrationType: catalog.IntegrationREST,
		REST:            spec,
		Visibility:      catalog.VisibilityPublic,
		Enabled:         true,
	}
	require.NoError(t, store.Tools().Create(t.Context(), tool))
	return tool
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestService_InvokeTool_REST(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	var gotPath, gotQuery, gotHeader string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("state")
		gotHeader = r.Header.Get("X-Trace")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	host := srv.Listener.Addr().String()
	seedRESTTool(t, store, &catalog.RESTToolSpec{
		BaseURL:              srv.URL,
		PathTemplate:         "/repos/{owner}/issues",
		Method:               http.MethodPost,
		QueryMapping:         map[string]string{"state": "state"},
		HeaderMapping:        map[string]string{"trace": "X-Trace"},
		Allowlist:            []string{strings.Split(host, ":")[0]},
		AllowPrivateNetworks: true,
	})
	svc := newRESTService(t, store, srv, localhostPassCfg())

	result, err := svc.InvokeTool(t.Context(), &InvokeRequest{
		Name: "issues",
		Args: map[string]any{
			"owner": "stacklok",
			"state": "open",
			"trace": "abc",
			"title": "new issue",
		},
		RequestID: "1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, resultText(t, result))
	assert.Equal(t, "/repos/stacklok/issues", gotPath)
	assert.Equal(t, "open", gotQuery)
	assert.Equal(t, "abc", gotHeader)
	assert.Equal(t, map[string]any{"title": "new issue"}, gotBody,
		"mapped arguments stay out of the body")
}

func TestBuildRESTRequest_PrivateNetworkOptInReachesDialer(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	// Global private networks stay off; only the tool opts in.
	svc := newRESTService(t, store, srv, &config.PassthroughConfig{Enabled: true})

	spec := &catalog.RESTToolSpec{
		BaseURL:              "http://10.0.0.5:8080",
		PathTemplate:         "/health",
		Method:               http.MethodGet,
		Allowlist:            []string{"10.0.0.5"},
		AllowPrivateNetworks: true,
	}
	req, err := svc.buildRESTRequest(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.True(t, privateDialAllowed(req.Context()),
		"tool-level opt-in must reach the dial-time guard")

	public := &catalog.RESTToolSpec{
		BaseURL:      "http://api.example.com",
		PathTemplate: "/health",
		Method:       http.MethodGet,
		Allowlist:    []string{"api.example.com"},
	}
	req, err = svc.buildRESTRequest(context.Background(), public, nil)
	require.NoError(t, err)
	assert.False(t, privateDialAllowed(req.Context()))
}

func TestService_InvokeTool_RESTUpstreamStatus(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	host := strings.Split(srv.Listener.Addr().String(), ":")[0]
	seedRESTTool(t, store, &catalog.RESTToolSpec{
		BaseURL:              srv.URL,
		PathTemplate:         "/things",
		Allowlist:            []string{host},
		AllowPrivateNetworks: true,
	})
	svc := newRESTService(t, store, srv, localhostPassCfg())

	_, err := svc.InvokeTool(t.Context(), &InvokeRequest{Name: "issues", RequestID: "1"})
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrUpstreamError, gwerrors.TypeOf(err))
}

func TestService_InvokeTool_RESTAllowlistViolation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("upstream must not be reached")
	}))
	t.Cleanup(srv.Close)

	seedRESTTool(t, store, &catalog.RESTToolSpec{
		BaseURL:              srv.URL,
		PathTemplate:         "/things",
		Allowlist:            []string{"api.example.com"},
		AllowPrivateNetworks: true,
	})
	svc := newRESTService(t, store, srv, localhostPassCfg())

	_, err := svc.InvokeTool(t.Context(), &InvokeRequest{Name: "issues", RequestID: "1"})
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrAllowlistViolation, gwerrors.TypeOf(err))

	records, err := store.Audit().List(t.Context(), storage.AuditFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, "denied", records[0].Outcome)
}

func TestService_InvokeTool_GraphQL(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	var gotReq graphqlRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"data":{"repository":{"stars":42}}}`))
	}))
	t.Cleanup(srv.Close)

	tool := &catalog.Tool{
		Name:            "repo_stars",
		IntegrationType: catalog.IntegrationGraphQL,
		GraphQL: &catalog.GraphQLToolSpec{
			URL:             srv.URL,
			Operation:       "query Stars($repoName: String!) { repository(name: $repoName) { stars } }",
			OperationName:   "Stars",
			VariableMapping: map[string]string{"repo": "repoName"},
		},
		Visibility: catalog.VisibilityPublic,
		Enabled:    true,
	}
	require.NoError(t, store.Tools().Create(t.Context(), tool))
	svc := newRESTService(t, store, srv, localhostPassCfg())

	result, err := svc.InvokeTool(t.Context(), &InvokeRequest{
		Name:      "repo_stars",
		Args:      map[string]any{"repo": "toolhive", "page": 2},
		RequestID: "1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"repository":{"stars":42}}`, resultText(t, result))
	assert.Equal(t, "Stars", gotReq.OperationName)
	assert.Equal(t, "toolhive", gotReq.Variables["repoName"])
	assert.Equal(t, float64(2), gotReq.Variables["page"], "unmapped arguments pass through")
}

func TestService_InvokeTool_GraphQLErrors(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":null,"errors":[{"message":"field not found"}]}`))
	}))
	t.Cleanup(srv.Close)

	tool := &catalog.Tool{
		Name:            "broken",
		IntegrationType: catalog.IntegrationGraphQL,
		GraphQL:         &catalog.GraphQLToolSpec{URL: srv.URL, Operation: "query { x }"},
		Visibility:      catalog.VisibilityPublic,
		Enabled:         true,
	}
	require.NoError(t, store.Tools().Create(t.Context(), tool))
	svc := newRESTService(t, store, srv, localhostPassCfg())

	_, err := svc.InvokeTool(t.Context(), &InvokeRequest{Name: "broken", RequestID: "1"})
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrUpstreamError, gwerrors.TypeOf(err))
	assert.Contains(t, err.Error(), "field not found")
}

func TestService_Proxy(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/users", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"q":1}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"created":true}`))
	}))
	t.Cleanup(srv.Close)

	host := strings.Split(srv.Listener.Addr().String(), ":")[0]
	tool := seedRESTTool(t, store, &catalog.RESTToolSpec{
		BaseURL:              srv.URL + "/api",
		Allowlist:            []string{host},
		AllowPrivateNetworks: true,
		ExposePassthrough:    true,
	})
	svc := newRESTService(t, store, srv, localhostPassCfg())

	resp, err := svc.Proxy(t.Context(), &PassthroughRequest{
		ToolID:  tool.ID,
		Path:    "v2/users",
		Method:  http.MethodPost,
		Query:   url.Values{"limit": {"5"}},
		Headers: http.Header{"Authorization": {"Bearer secret"}},
		Body:    strings.NewReader(`{"q":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"created":true}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))

	records, err := store.Audit().List(t.Context(), storage.AuditFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, "tool.passthrough", records[0].Action)
	detail := string(records[0].Detail)
	assert.NotContains(t, detail, "Bearer secret")
	assert.Contains(t, detail, "[REDACTED]")
}

func TestService_Proxy_Disabled(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(srv.Close)

	svc := newRESTService(t, store, srv, &config.PassthroughConfig{Enabled: false})

	_, err := svc.Proxy(t.Context(), &PassthroughRequest{ToolID: "any", Method: http.MethodGet})
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrForbidden, gwerrors.TypeOf(err))
}

func TestService_Proxy_NotExposed(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(srv.Close)

	host := strings.Split(srv.Listener.Addr().String(), ":")[0]
	tool := seedRESTTool(t, store, &catalog.RESTToolSpec{
		BaseURL:              srv.URL,
		Allowlist:            []string{host},
		AllowPrivateNetworks: true,
	})
	svc := newRESTService(t, store, srv, localhostPassCfg())

	_, err := svc.Proxy(t.Context(), &PassthroughRequest{ToolID: tool.ID, Method: http.MethodGet})
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrForbidden, gwerrors.TypeOf(err))
}

func TestService_Proxy_ScopeGated(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	host := strings.Split(srv.Listener.Addr().String(), ":")[0]
	tool := seedRESTTool(t, store, &catalog.RESTToolSpec{
		BaseURL:              srv.URL,
		Allowlist:            []string{host},
		AllowPrivateNetworks: true,
		ExposePassthrough:    true,
		RequireScope:         true,
	})
	svc := newRESTService(t, store, srv, localhostPassCfg())

	_, err := svc.Proxy(t.Context(), &PassthroughRequest{
		Namespace: "crm",
		ToolID:    tool.ID,
		Method:    http.MethodGet,
		User:      &auth.UserContext{UserID: "u1", Scopes: []string{"other:scope"}},
	})
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrForbidden, gwerrors.TypeOf(err))
	assert.Contains(t, err.Error(), "crm:"+tool.ID)

	resp, err := svc.Proxy(t.Context(), &PassthroughRequest{
		Namespace: "crm",
		ToolID:    tool.ID,
		Method:    http.MethodGet,
		User:      &auth.UserContext{UserID: "u1", Scopes: []string{"crm:" + tool.ID}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestService_Proxy_MetadataEndpointBlocked(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("upstream must not be reached")
	}))
	t.Cleanup(srv.Close)

	tool := seedRESTTool(t, store, &catalog.RESTToolSpec{
		BaseURL:           "http://169.254.169.254",
		Allowlist:         []string{"169.254.169.254"},
		ExposePassthrough: true,
	})
	// Private networks stay refused: no global or tool opt-in.
	svc := newRESTService(t, store, srv, &config.PassthroughConfig{Enabled: true})

	_, err := svc.Proxy(t.Context(), &PassthroughRequest{
		ToolID: tool.ID,
		Path:   "latest/meta-data",
		Method: http.MethodGet,
	})
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrSSRFBlocked, gwerrors.TypeOf(err))
}

func TestService_Proxy_Upstream4xxMirrored(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	host := strings.Split(srv.Listener.Addr().String(), ":")[0]
	tool := seedRESTTool(t, store, &catalog.RESTToolSpec{
		BaseURL:              srv.URL,
		Allowlist:            []string{host},
		AllowPrivateNetworks: true,
		ExposePassthrough:    true,
	})
	svc := newRESTService(t, store, srv, localhostPassCfg())

	resp, err := svc.Proxy(t.Context(), &PassthroughRequest{
		ToolID: tool.ID, Path: "missing", Method: http.MethodGet,
	})
	require.NoError(t, err, "4xx answers mirror through")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestService_Proxy_RequestBodyTooLarge(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(srv.Close)

	host := strings.Split(srv.Listener.Addr().String(), ":")[0]
	tool := seedRESTTool(t, store, &catalog.RESTToolSpec{
		BaseURL:              srv.URL,
		Allowlist:            []string{host},
		AllowPrivateNetworks: true,
		ExposePassthrough:    true,
	})
	cfg := localhostPassCfg()
	cfg.MaxRequestBytes = 16
	svc := newRESTService(t, store, srv, cfg)

	_, err := svc.Proxy(t.Context(), &PassthroughRequest{
		ToolID: tool.ID,
		Method: http.MethodPost,
		Body:   strings.NewReader(strings.Repeat("x", 64)),
	})
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrPayloadTooLarge, gwerrors.TypeOf(err))
}
