// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/plugins"
)

// sensitiveHeaders are redacted in audit records and plugin payloads.
var sensitiveHeaders = []string{"Authorization", "X-Api-Key", "Cookie", "Set-Cookie"}

// PassthroughRequest is one proxied HTTP call through a passthrough tool.
type PassthroughRequest struct {
	// Namespace is the route's namespace segment. It organizes the URL
	// space and forms the scope value for scope-gated tools.
	Namespace string
	// ToolID addresses the tool in the passthrough route.
	ToolID string
	// Path is the subpath under the tool's base URL.
	Path string
	// Method, Query, Headers, and Body mirror the inbound request.
	Method  string
	Query   url.Values
	Headers http.Header
	Body    io.Reader

	User *auth.UserContext
}

// PassthroughResponse mirrors the upstream answer back to the client.
// Upstream 4xx statuses pass through unchanged.
type PassthroughResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Proxy executes one passthrough call: resolve the tool, enforce the exposure
// and visibility rules, run the guard and plugin chains, and mirror the
// upstream response.
func (s *Service) Proxy(ctx context.Context, req *PassthroughRequest) (*PassthroughResponse, error) {
	if s.passCfg == nil || !s.passCfg.Enabled {
		return nil, gwerrors.NewForbiddenError("passthrough is disabled", nil)
	}

	tool, err := s.resolvePassthroughTool(ctx, req)
	if err != nil {
		return nil, err
	}
	spec := tool.REST

	body, err := s.readRequestBody(req.Body)
	if err != nil {
		return nil, err
	}

	target, err := s.passthrough.checkTarget(
		joinPassthroughURL(spec.BaseURL, req.Path, req.Query),
		spec.Allowlist, spec.AllowPrivateNetworks)
	if err != nil {
		s.auditPassthrough(ctx, req, tool, 0, outcomeOf(err), err)
		return nil, err
	}

	chains := s.passthroughChains(tool)
	prePayload := &plugins.ToolPreInvokePayload{
		Name: tool.Name,
		Args: map[string]any{
			"method":       req.Method,
			"url":          target.String(),
			"headers":      redactHeaders(req.Headers),
			"query_params": req.Query,
			"body":         string(body),
		},
	}
	_, violation, err := s.plugins.RunPre(ctx, plugins.HookToolPreInvoke, prePayload, chains)
	if violation != nil {
		verr := gwerrors.NewPolicyViolationError(violation.Plugin, violation.Severity, violation.Reason)
		s.auditPassthrough(ctx, req, tool, 0, "denied", verr)
		return nil, verr
	}
	if err != nil {
		return nil, err
	}

	resp, err := s.executePassthrough(ctx, tool, req, target, body)
	if err != nil {
		s.auditPassthrough(ctx, req, tool, 0, outcomeOf(err), err)
		return nil, err
	}

	postPayload := &plugins.ToolPostInvokePayload{
		Name: tool.Name,
		Result: map[string]any{
			"status_code": resp.StatusCode,
			"headers":     redactHeaders(resp.Headers),
			"body":        string(resp.Body),
			"duration_ms": resp.Duration.Milliseconds(),
		},
	}
	_, violation, err = s.plugins.RunPost(ctx, plugins.HookToolPostInvoke, postPayload, chains)
	if violation != nil {
		verr := gwerrors.NewPolicyViolationError(violation.Plugin, violation.Severity, violation.Reason)
		s.auditPassthrough(ctx, req, tool, resp.StatusCode, "denied", verr)
		return nil, verr
	}
	if err != nil {
		return nil, err
	}

	s.auditPassthrough(ctx, req, tool, resp.StatusCode, "success", nil)
	return resp, nil
}

// resolvePassthroughTool loads the tool and enforces exposure and visibility.
func (s *Service) resolvePassthroughTool(ctx context.Context, req *PassthroughRequest) (*catalog.Tool, error) {
	tool, err := s.store.Tools().Get(ctx, req.ToolID)
	if err != nil {
		return nil, mapStorageErr(err, fmt.Sprintf("tool %s not found", req.ToolID))
	}
	if !tool.Enabled || !entityVisible(req.User, tool.Visibility, tool.TeamID, tool.OwnerEmail) {
		return nil, gwerrors.NewNotFoundError(fmt.Sprintf("tool %s not found", req.ToolID), nil)
	}
	if tool.REST == nil || !tool.REST.ExposePassthrough {
		return nil, gwerrors.NewForbiddenError(
			fmt.Sprintf("tool %s is not exposed for passthrough", tool.Name), nil)
	}
	if tool.REST.RequireScope {
		// The scope claim is opaque; the route's namespace:tool_id pair is
		// matched by equality.
		required := req.Namespace + ":" + req.ToolID
		if !req.User.HasScope(required) {
			return nil, gwerrors.NewForbiddenError(
				fmt.Sprintf("credential lacks the %s scope", required), nil)
		}
	}
	return tool, nil
}

// executePassthrough performs the upstream call. 4xx answers mirror through;
// 5xx answers become typed upstream errors.
func (s *Service) executePassthrough(
	ctx context.Context, tool *catalog.Tool, req *PassthroughRequest,
	target *url.URL, body []byte,
) (*PassthroughResponse, error) {
	callCtx := ctx
	if timeout := s.restTimeout(tool); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if tool.REST.AllowPrivateNetworks {
		callCtx = WithPrivateDialAllowed(callCtx)
	}
	upReq, err := http.NewRequestWithContext(callCtx, req.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.NewInternalError("failed to build upstream request", err)
	}
	forwarded := req.Headers.Clone()
	if forwarded == nil {
		forwarded = http.Header{}
	}
	auth.ScrubRequestHeaders(forwarded, nil)
	forwarded.Del("Host")
	upReq.Header = forwarded
	for name, value := range tool.REST.Headers {
		upReq.Header.Set(name, value)
	}

	start := time.Now()
	status, respHeaders, respBody, err := s.doHTTP(upReq, tool.Name)
	if err != nil {
		return nil, err
	}
	if status >= 500 {
		return nil, gwerrors.NewUpstreamError(
			fmt.Sprintf("tool %s upstream returned status %d", tool.Name, status), status, nil)
	}

	return &PassthroughResponse{
		StatusCode: status,
		Headers:    respHeaders,
		Body:       respBody,
		Duration:   time.Since(start),
	}, nil
}

// readRequestBody drains the inbound body under the configured cap.
func (s *Service) readRequestBody(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	limit := s.passCfg.MaxRequestBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, gwerrors.NewInternalError("failed to read request body", err)
	}
	if int64(len(body)) > limit {
		return nil, gwerrors.NewPayloadTooLargeError("request body exceeds the size limit", nil)
	}
	return body, nil
}

// passthroughChains resolves the plugin chains for a passthrough call: the
// tool's own chains win, then the configured defaults.
func (s *Service) passthroughChains(tool *catalog.Tool) map[string][]string {
	if len(tool.PluginChains) > 0 {
		return tool.PluginChains
	}
	if s.passCfg == nil || s.passCfg.DefaultChains == nil {
		return nil
	}
	chains := map[string][]string{}
	if len(s.passCfg.DefaultChains.Pre) > 0 {
		chains[string(plugins.HookToolPreInvoke)] = s.passCfg.DefaultChains.Pre
	}
	if len(s.passCfg.DefaultChains.Post) > 0 {
		chains[string(plugins.HookToolPostInvoke)] = s.passCfg.DefaultChains.Post
	}
	return chains
}

// joinPassthroughURL appends the proxied subpath and query to the base URL.
func joinPassthroughURL(base, subpath string, query url.Values) string {
	joined := strings.TrimSuffix(base, "/")
	if subpath != "" {
		joined += "/" + strings.TrimPrefix(subpath, "/")
	}
	if encoded := query.Encode(); encoded != "" {
		joined += "?" + encoded
	}
	return joined
}

// entityVisible applies the visibility rules for one entity.
func entityVisible(user *auth.UserContext, visibility catalog.Visibility, teamID, ownerEmail string) bool {
	switch visibility {
	case catalog.VisibilityPublic:
		return true
	case catalog.VisibilityTeam:
		if user == nil {
			return false
		}
		if user.TeamID == teamID {
			return true
		}
		for _, team := range user.Teams {
			if team == teamID {
				return true
			}
		}
		return false
	case catalog.VisibilityPrivate:
		return user != nil && user.Email == ownerEmail
	default:
		return false
	}
}

// redactHeaders copies headers with sensitive values masked.
func redactHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		out[name] = strings.Join(values, ", ")
	}
	for _, name := range sensitiveHeaders {
		if _, ok := out[http.CanonicalHeaderKey(name)]; ok {
			out[http.CanonicalHeaderKey(name)] = "[REDACTED]"
		}
	}
	return out
}

// auditPassthrough writes one passthrough audit record with redacted headers.
func (s *Service) auditPassthrough(
	ctx context.Context, req *PassthroughRequest, tool *catalog.Tool,
	status int, outcome string, callErr error,
) {
	detail := map[string]any{
		"method":  req.Method,
		"path":    req.Path,
		"headers": redactHeaders(req.Headers),
	}
	if status != 0 {
		detail["status_code"] = status
	}
	if callErr != nil {
		detail["error"] = gwerrors.TypeOf(callErr)
	}
	s.audit(ctx, req.User, "tool.passthrough", "tool", tool.Name, outcome, detail)
}
