// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package codeexec serves the code-execution virtual server surface:
// deterministic sandbox sessions on a shared volume, the shell_exec and
// fs_browse meta-tools, and the bridge that lets sandboxed code call back
// into the federated catalog.
package codeexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/cache"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	"github.com/stacklok/mcp-gateway/pkg/config"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/federation"
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// Meta-tool names exposed by code_execution virtual servers.
const (
	MetaToolShellExec = "shell_exec"
	MetaToolFSBrowse  = "fs_browse"
)

// Invoker routes bridged tool calls back through the federation pipeline.
// Satisfied by *federation.Service.
type Invoker interface {
	InvokeTool(ctx context.Context, req *federation.InvokeRequest) (*mcp.CallToolResult, error)
}

// Deps carries the collaborators a Service needs.
type Deps struct {
	Config *config.CodeExecutionConfig
	Store  storage.Store
	Cache  cache.Cache
	// Runtime executes sandboxed code. Nil disables shell_exec.
	Runtime Runtime
	// Invoker serves the tool bridge. Nil disables bridged calls.
	Invoker Invoker
}

// Service implements the code execution dispatch target.
type Service struct {
	cfg     *config.CodeExecutionConfig
	store   storage.Store
	cache   cache.Cache
	runtime Runtime
	invoker Invoker

	// local mirrors registry rows for the cache-unavailable path.
	mu    sync.Mutex
	local map[string]*sessionRow
}

// New builds a Service.
func New(deps Deps) *Service {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultCodeExecutionConfig()
	}
	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		cache:   deps.Cache,
		runtime: deps.Runtime,
		invoker: deps.Invoker,
		local:   make(map[string]*sessionRow),
	}
}

// SetInvoker wires the tool bridge after construction. The federation
// service and this service reference each other, so one side is attached
// late.
func (s *Service) SetInvoker(invoker Invoker) { s.invoker = invoker }

// Execute runs one code-execution meta-tool on behalf of user. The tool's
// owning virtual server supplies the sandbox policy, mount rules, and
// tokenization settings.
func (s *Service) Execute(
	ctx context.Context, tool *catalog.Tool, args map[string]any, user *auth.UserContext,
) (*mcp.CallToolResult, error) {
	if !s.cfg.Enabled {
		return nil, gwerrors.NewForbiddenError("code execution is disabled", nil)
	}

	server, err := s.serverForTool(ctx, tool)
	if err != nil {
		return nil, err
	}

	switch tool.Name {
	case MetaToolShellExec:
		if !s.cfg.ShellExecEnabled {
			return nil, gwerrors.NewForbiddenError("shell_exec is disabled", nil)
		}
		return s.shellExec(ctx, server, user, args)
	case MetaToolFSBrowse:
		if !s.cfg.FSBrowseEnabled {
			return nil, gwerrors.NewForbiddenError("fs_browse is disabled", nil)
		}
		return s.fsBrowse(ctx, server, user, args)
	default:
		return nil, gwerrors.NewNotFoundError(
			fmt.Sprintf("unknown code execution tool %s", tool.Name), nil)
	}
}

// serverForTool resolves the enabled code_execution virtual server that
// associates the tool. Tools carry no back-reference, so the (short) server
// list is scanned.
func (s *Service) serverForTool(ctx context.Context, tool *catalog.Tool) (*catalog.VirtualServer, error) {
	for page := 1; ; page++ {
		servers, err := s.store.VirtualServers().List(ctx,
			storage.ListFilter{Page: page, PerPage: storage.MaxPerPage})
		if err != nil {
			return nil, gwerrors.NewInternalError("failed to list virtual servers", err)
		}
		for _, server := range servers {
			if !server.Enabled || server.ServerType != catalog.ServerTypeCodeExecution {
				continue
			}
			for _, id := range server.ToolIDs {
				if id == tool.ID {
					return server, nil
				}
			}
		}
		if len(servers) < storage.MaxPerPage {
			break
		}
	}
	return nil, gwerrors.NewNotFoundError(
		fmt.Sprintf("tool %s belongs to no code execution server", tool.Name), nil)
}

func userEmail(user *auth.UserContext) string {
	if user == nil {
		return ""
	}
	return user.Email
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	value, _ := args[key].(string)
	return value
}
