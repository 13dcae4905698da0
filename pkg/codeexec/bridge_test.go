// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codeexec

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/federation"
)

type fakeInvoker struct {
	req *federation.InvokeRequest
}

func (i *fakeInvoker) InvokeTool(_ context.Context, req *federation.InvokeRequest) (*mcp.CallToolResult, error) {
	i.req = req
	return mcp.NewToolResultText("bridged"), nil
}

func TestBridgeFunc_InvokesWithScrubbedUser(t *testing.T) {
	t.Parallel()
	invoker := &fakeInvoker{}
	svc, _ := newTestService(t, &fakeRuntime{}, invoker)

	user := alice()
	user.IsAdmin = true
	user.Attributes = map[string]any{"ssn": "hidden"}

	bridge := svc.bridgeFunc(&catalog.VirtualServer{Name: "sandbox"}, user, nil)
	require.NotNil(t, bridge)

	result, err := bridge(t.Context(), "search_issues", map[string]any{"query": "q"})
	require.NoError(t, err)
	assert.Equal(t, "bridged", result.Content[0].(mcp.TextContent).Text)

	require.NotNil(t, invoker.req)
	assert.Equal(t, "search_issues", invoker.req.Name)
	assert.Equal(t, "alice@example.com", invoker.req.User.Email)
	assert.False(t, invoker.req.User.IsAdmin, "admin flag never crosses the bridge")
	assert.Nil(t, invoker.req.User.Attributes)
	assert.Contains(t, invoker.req.User.DelegationChain, "code-execution-sandbox")
}

func TestBridgeFunc_PermissionPatterns(t *testing.T) {
	t.Parallel()
	invoker := &fakeInvoker{}
	svc, _ := newTestService(t, &fakeRuntime{}, invoker)

	policy := &SandboxPolicy{ToolCallPermissions: &ToolCallPermissions{
		Allow: []string{"search_*"},
		Deny:  []string{"search_private"},
	}}
	bridge := svc.bridgeFunc(&catalog.VirtualServer{Name: "sandbox"}, alice(), policy)

	_, err := bridge(t.Context(), "delete_repo", nil)
	assert.True(t, gwerrors.IsForbidden(err))

	_, err = bridge(t.Context(), "search_private", nil)
	assert.True(t, gwerrors.IsForbidden(err))

	_, err = bridge(t.Context(), "search_issues", nil)
	assert.NoError(t, err)
}

func TestBridgeFunc_DepthLimit(t *testing.T) {
	t.Parallel()
	invoker := &fakeInvoker{}
	svc, _ := newTestService(t, &fakeRuntime{}, invoker)

	bridge := svc.bridgeFunc(&catalog.VirtualServer{Name: "sandbox"}, alice(), nil)

	deep := context.WithValue(t.Context(), bridgeDepthKey{}, defaultBridgeDepth)
	_, err := bridge(deep, "search_issues", nil)
	assert.True(t, gwerrors.IsForbidden(err))

	almost := context.WithValue(t.Context(), bridgeDepthKey{}, defaultBridgeDepth-1)
	_, err = bridge(almost, "search_issues", nil)
	assert.NoError(t, err)
}

func TestBridgeFunc_NilInvoker(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &fakeRuntime{}, nil)

	bridge := svc.bridgeFunc(&catalog.VirtualServer{Name: "sandbox"}, alice(), nil)
	assert.Nil(t, bridge)
}

func TestScrubUser_Nil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, scrubUser(nil))
}
