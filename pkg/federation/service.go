// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package federation turns client JSON-RPC requests into concrete actions
// on local or upstream catalog entities.
//
// Tool names resolve against the persistent catalog within the caller's
// visibility scope; invocations run through the plugin pipeline, register
// with the cancellation service, and dispatch by integration type: pooled
// MCP sessions, templated REST calls, GraphQL operations, dynamic gRPC, or
// the code execution service.
package federation

import (
	"context"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/cancellation"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	"github.com/stacklok/mcp-gateway/pkg/config"
	"github.com/stacklok/mcp-gateway/pkg/plugins"
	"github.com/stacklok/mcp-gateway/pkg/pool"
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// defaultDispatchTimeout bounds one non-MCP dispatch when neither the tool
// nor the configuration names one.
const defaultDispatchTimeout = 30 * time.Second

// Handle is the checked-out pooled session surface the dispatcher needs.
// *pool.Handle implements it.
type Handle interface {
	Session() pool.Session
	Release()
	Discard()
}

// SessionPool acquires pooled upstream sessions. Implemented by PoolAdapter
// in production and by fakes in tests.
type SessionPool interface {
	Acquire(ctx context.Context, gw *catalog.Gateway, headers http.Header, identity map[string]string) (Handle, error)
}

// PoolAdapter adapts *pool.Pool to the SessionPool interface.
type PoolAdapter struct {
	Pool *pool.Pool
}

// Acquire implements SessionPool.
func (a PoolAdapter) Acquire(
	ctx context.Context, gw *catalog.Gateway, headers http.Header, identity map[string]string,
) (Handle, error) {
	h, err := a.Pool.AcquireWithIdentity(ctx, gw, headers, identity)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// CodeExecutor is the code execution dispatch target. Implemented by the
// codeexec package; nil when code execution is disabled.
type CodeExecutor interface {
	// Execute runs one code-execution meta-tool (shell_exec, fs_browse)
	// for the tool's virtual server on behalf of user.
	Execute(ctx context.Context, tool *catalog.Tool, args map[string]any, user *auth.UserContext) (*mcp.CallToolResult, error)
}

// Deps carries the collaborators a Service needs.
type Deps struct {
	Store       storage.Store
	Pool        SessionPool
	Plugins     *plugins.Manager
	Cancels     *cancellation.Service
	Propagator  *auth.Propagator
	CodeExec    CodeExecutor
	Federation  *config.FederationConfig
	Passthrough *config.PassthroughConfig

	// HTTPClient serves REST, GraphQL, and passthrough dispatches. Nil
	// uses a default client; tests inject an httptest client.
	HTTPClient *http.Client
}

// Service resolves and dispatches federated capabilities.
type Service struct {
	store       storage.Store
	pool        SessionPool
	plugins     *plugins.Manager
	cancels     *cancellation.Service
	propagator  *auth.Propagator
	codeExec    CodeExecutor
	fedCfg      *config.FederationConfig
	passCfg     *config.PassthroughConfig
	httpClient  *http.Client
	passthrough *passthroughGuard
}

// NewService wires the federation service.
func NewService(deps Deps) *Service {
	fedCfg := deps.Federation
	if fedCfg == nil {
		fedCfg = config.DefaultFederationConfig()
	}
	passCfg := deps.Passthrough
	if passCfg == nil {
		passCfg = config.DefaultPassthroughConfig()
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultDispatchTimeout}
	}
	return &Service{
		store:       deps.Store,
		pool:        deps.Pool,
		plugins:     deps.Plugins,
		cancels:     deps.Cancels,
		propagator:  deps.Propagator,
		codeExec:    deps.CodeExec,
		fedCfg:      fedCfg,
		passCfg:     passCfg,
		httpClient:  httpClient,
		passthrough: newPassthroughGuard(passCfg),
	}
}

// scopeFor builds the visibility scope for user. Anonymous callers see only
// public entities.
func scopeFor(user *auth.UserContext) *storage.VisibilityScope {
	if user == nil {
		return &storage.VisibilityScope{}
	}
	return &storage.VisibilityScope{TeamID: user.TeamID, Email: user.Email}
}

// Page describes one page of a listing.
type Page struct {
	Page    int
	PerPage int
}

// ListTools returns the tools visible to user, ordered by (team, name).
func (s *Service) ListTools(ctx context.Context, user *auth.UserContext, page Page) ([]*catalog.Tool, error) {
	return s.store.Tools().List(ctx, storage.ListFilter{
		Scope:   scopeFor(user),
		Page:    page.Page,
		PerPage: page.PerPage,
	})
}

// ListResources returns the resources visible to user, ordered by (team, URI).
func (s *Service) ListResources(ctx context.Context, user *auth.UserContext, page Page) ([]*catalog.Resource, error) {
	return s.store.Resources().List(ctx, storage.ListFilter{
		Scope:   scopeFor(user),
		Page:    page.Page,
		PerPage: page.PerPage,
	})
}

// ListPrompts returns the prompts visible to user, ordered by (team, name).
func (s *Service) ListPrompts(ctx context.Context, user *auth.UserContext, page Page) ([]*catalog.Prompt, error) {
	return s.store.Prompts().List(ctx, storage.ListFilter{
		Scope:   scopeFor(user),
		Page:    page.Page,
		PerPage: page.PerPage,
	})
}

// ToMCPTool converts a catalog tool to its MCP wire representation.
func ToMCPTool(t *catalog.Tool) mcp.Tool {
	out := mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
	}
	if len(t.Schema) > 0 {
		out.RawInputSchema = append([]byte(nil), t.Schema...)
	}
	return out
}

// ToMCPResource converts a catalog resource to its MCP wire representation.
func ToMCPResource(r *catalog.Resource) mcp.Resource {
	return mcp.Resource{
		URI:         r.URI,
		Name:        r.Name,
		Description: r.Description,
		MIMEType:    r.MimeType,
	}
}

// ToMCPPrompt converts a catalog prompt to its MCP wire representation.
func ToMCPPrompt(p *catalog.Prompt) mcp.Prompt {
	out := mcp.Prompt{
		Name:        p.Name,
		Description: p.Description,
	}
	for _, arg := range p.Arguments {
		out.Arguments = append(out.Arguments, mcp.PromptArgument{
			Name:        arg.Name,
			Description: arg.Description,
			Required:    arg.Required,
		})
	}
	return out
}
