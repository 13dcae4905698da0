// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codeexec

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/federation"
)

const defaultBridgeDepth = 3

// bridgeDepthKey tracks recursive bridge invocations across contexts, so a
// bridged tool that is itself a code-execution tool cannot recurse without
// bound.
type bridgeDepthKey struct{}

func bridgeDepth(ctx context.Context) int {
	depth, _ := ctx.Value(bridgeDepthKey{}).(int)
	return depth
}

// bridgeFunc builds the tool-call callback handed to the runtime. Calls are
// checked against the sandbox policy's allow/deny patterns and carry a
// scrubbed copy of the caller's identity.
func (s *Service) bridgeFunc(
	server *catalog.VirtualServer, user *auth.UserContext, policy *SandboxPolicy,
) BridgeFunc {
	if s.invoker == nil {
		return nil
	}
	var perms *ToolCallPermissions
	if policy != nil {
		perms = policy.ToolCallPermissions
	}
	scrubbed := scrubUser(user)
	serverName := server.Name

	return func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
		depth := bridgeDepth(ctx) + 1
		if depth > s.maxBridgeDepth() {
			return nil, gwerrors.NewForbiddenError("tool bridge depth limit exceeded", nil)
		}
		if !perms.toolCallAllowed(name) {
			return nil, gwerrors.NewForbiddenError(
				fmt.Sprintf("server %s does not permit bridged calls to %s", serverName, name), nil)
		}
		ctx = context.WithValue(ctx, bridgeDepthKey{}, depth)
		return s.invoker.InvokeTool(ctx, &federation.InvokeRequest{
			Name: name,
			Args: args,
			User: scrubbed,
		})
	}
}

func (s *Service) maxBridgeDepth() int {
	if s.cfg.BridgeMaxDepth > 0 {
		return s.cfg.BridgeMaxDepth
	}
	return defaultBridgeDepth
}

// scrubUser keeps the identity and scoping attributes a bridged call needs
// and drops everything sensitive or elevating.
func scrubUser(user *auth.UserContext) *auth.UserContext {
	if user == nil {
		return nil
	}
	return &auth.UserContext{
		UserID:          user.UserID,
		Email:           user.Email,
		TeamID:          user.TeamID,
		Teams:           user.Teams,
		Groups:          user.Groups,
		Roles:           user.Roles,
		AuthMethod:      user.AuthMethod,
		AuthenticatedAt: user.AuthenticatedAt,
		DelegationChain: append(append([]string{}, user.DelegationChain...), "code-execution-sandbox"),
	}
}
