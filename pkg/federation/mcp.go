// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/pool"
)

// MCP dispatch retry bounds. One retry, only when session creation or the
// call failed before any response byte arrived.
const (
	mcpRetryInitialInterval = 100 * time.Millisecond
	mcpRetryMaxInterval     = 500 * time.Millisecond
	mcpMaxAttempts          = 2
)

// callUpstreamTool invokes a federated tool over a pooled MCP session.
func (s *Service) callUpstreamTool(
	ctx context.Context, tool *catalog.Tool, args map[string]any,
	user *auth.UserContext, headers map[string][]string,
) (*mcp.CallToolResult, error) {
	gw, err := s.gatewayFor(ctx, tool.GatewayID, tool.Name)
	if err != nil {
		return nil, err
	}

	name := tool.RemoteName
	if name == "" {
		name = tool.Name
	}
	meta := s.identityMeta(user, gw)

	return withPooledSession(ctx, s, gw, user, headers, func(sess pool.Session) (*mcp.CallToolResult, error) {
		callCtx := ctx
		if timeout := time.Duration(tool.Timeout); timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return sess.CallTool(callCtx, name, args, meta)
	})
}

// readUpstreamResource reads a federated resource over a pooled MCP session.
func (s *Service) readUpstreamResource(
	ctx context.Context, res *catalog.Resource,
	user *auth.UserContext, headers map[string][]string,
) (*mcp.ReadResourceResult, error) {
	gw, err := s.gatewayFor(ctx, res.GatewayID, res.URI)
	if err != nil {
		return nil, err
	}
	return withPooledSession(ctx, s, gw, user, headers, func(sess pool.Session) (*mcp.ReadResourceResult, error) {
		return sess.ReadResource(ctx, res.URI)
	})
}

// getUpstreamPrompt fetches a federated prompt over a pooled MCP session.
func (s *Service) getUpstreamPrompt(
	ctx context.Context, prompt *catalog.Prompt, args map[string]any,
	user *auth.UserContext, headers map[string][]string,
) (*mcp.GetPromptResult, error) {
	gw, err := s.gatewayFor(ctx, prompt.GatewayID, prompt.Name)
	if err != nil {
		return nil, err
	}
	return withPooledSession(ctx, s, gw, user, headers, func(sess pool.Session) (*mcp.GetPromptResult, error) {
		return sess.GetPrompt(ctx, prompt.Name, args)
	})
}

// gatewayFor loads the upstream record backing a federated entity.
func (s *Service) gatewayFor(ctx context.Context, gatewayID, entity string) (*catalog.Gateway, error) {
	gw, err := s.store.Gateways().Get(ctx, gatewayID)
	if err != nil {
		return nil, mapStorageErr(err, fmt.Sprintf("upstream for %s not found", entity))
	}
	if !gw.Enabled {
		return nil, gwerrors.NewUpstreamUnavailableError(
			fmt.Sprintf("upstream %s is disabled", gw.Name), nil)
	}
	return gw, nil
}

// withPooledSession checks a session out of the pool, runs op, and retries
// once when the failure happened before any response arrived: acquire errors
// and connection-level call errors. Anything the upstream answered is final.
func withPooledSession[T any](
	ctx context.Context, s *Service, gw *catalog.Gateway,
	user *auth.UserContext, headers map[string][]string,
	op func(sess pool.Session) (T, error),
) (T, error) {
	upstreamHeaders := forwardableHeaders(headers, gw.PassthroughHeaders)
	identity := s.identityHeaders(user, gw)

	attempt := func() (T, error) {
		var zero T
		handle, err := s.pool.Acquire(ctx, gw, upstreamHeaders, identity)
		if err != nil {
			if gwerrors.IsUpstreamUnavailable(err) || gwerrors.IsCircuitOpen(err) {
				return zero, err
			}
			return zero, backoff.Permanent(err)
		}

		result, err := op(handle.Session())
		if err != nil {
			if pool.ShouldDiscard(err) {
				handle.Discard()
				return zero, gwerrors.NewUpstreamUnavailableError(
					fmt.Sprintf("upstream %s connection failed", gw.Name), err)
			}
			handle.Release()
			return zero, backoff.Permanent(wrapCallError(gw, err))
		}
		handle.Release()
		return result, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = mcpRetryInitialInterval
	expBackoff.MaxInterval = mcpRetryMaxInterval

	result, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(mcpMaxAttempts),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Debugw("retrying upstream dispatch",
				"upstream", gw.Name, "delay", delay, "error", err)
		}),
	)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// wrapCallError types an upstream answer failure. Already-typed errors and
// context expiry pass through with their own types.
func wrapCallError(gw *catalog.Gateway, err error) error {
	switch gwerrors.TypeOf(err) {
	case gwerrors.ErrInternal:
		if errors.Is(err, context.DeadlineExceeded) {
			return gwerrors.NewUpstreamTimeoutError(
				fmt.Sprintf("upstream %s timed out", gw.Name), err)
		}
		return gwerrors.NewUpstreamError(
			fmt.Sprintf("upstream %s returned an error", gw.Name), 0, err)
	default:
		return err
	}
}

// identityHeaders builds the signed identity headers for one upstream, or nil
// when propagation is off.
func (s *Service) identityHeaders(user *auth.UserContext, gw *catalog.Gateway) map[string]string {
	if s.propagator == nil {
		return nil
	}
	return s.propagator.BuildIdentityHeaders(user, gw.IdentityPropagation)
}

// identityMeta builds the _meta identity block for one upstream, or nil when
// propagation is off.
func (s *Service) identityMeta(user *auth.UserContext, gw *catalog.Gateway) map[string]any {
	if s.propagator == nil {
		return nil
	}
	return s.propagator.BuildIdentityMeta(user, gw.IdentityPropagation)
}

// forwardableHeaders keeps only the client headers the gateway record names.
func forwardableHeaders(headers map[string][]string, allowed []string) http.Header {
	if len(headers) == 0 || len(allowed) == 0 {
		return nil
	}
	src := http.Header(headers)
	out := http.Header{}
	for _, name := range allowed {
		for _, value := range src.Values(name) {
			out.Add(name, value)
		}
	}
	return out
}
