// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-gateway/pkg/upstream"
)

// Session is the pooled view of an upstream MCP session. *upstream.Client
// implements it; tests substitute fakes.
type Session interface {
	CallTool(ctx context.Context, name string, args map[string]any, meta map[string]any) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error)
	ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error)
	ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error)
	ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error)
	SessionID() string
	ServerCapabilities() mcp.ServerCapabilities
	Probe(ctx context.Context) error
	Close() error
}

var _ Session = (*upstream.Client)(nil)

// pooledSession is one session plus the bookkeeping the pool needs.
type pooledSession struct {
	session   Session
	createdAt time.Time
	lastUsed  time.Time
}

// ShouldDiscard reports whether an error from a pooled session indicates a
// broken connection, in which case the caller discards the handle instead of
// releasing it. Timeouts are treated as transient and protocol-level errors
// as healthy; only connection-level failures warrant recreation.
func ShouldDiscard(err error) bool {
	if err == nil {
		return false
	}

	// syscall.Errno implements net.Error, so check it first to avoid
	// classifying unrelated syscall errors as connection failures.
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE, syscall.ECONNABORTED:
			return true
		default:
			return false
		}
	}

	// A closed stream surfaces as EOF from stdio and SSE transports.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return false
		}
		return true
	}

	return false
}
