// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session tracks logical client sessions and routes their messages
// to the worker that owns them.
//
// Ownership lives in the shared cache under session:{id}, claimed with
// SETNX so two workers can never both own a session. Each worker keeps a
// local table of the sessions it owns, with their transport handles; other
// workers reach those sessions either over the sess:{id} pub/sub channel
// (SSE delivery) or by forwarding the request to the owner's pool_rpc inbox
// and waiting for the response.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/auth"
)

// Transport kinds a session can be bound to.
const (
	// TransportStdio is a newline-delimited JSON-RPC stream on a pipe.
	TransportStdio = "stdio"
	// TransportSSE is a server-sent-events stream owned by one worker.
	TransportSSE = "sse"
	// TransportStreamableHTTP is request/response over POST /mcp.
	TransportStreamableHTTP = "streamable_http"
	// TransportWebSocket is full-duplex JSON-RPC frames.
	TransportWebSocket = "websocket"
)

// DeliverFunc writes one serialized JSON-RPC message to the client over the
// session's transport. Only stream transports (SSE, WebSocket) set one.
type DeliverFunc func(ctx context.Context, message []byte) error

// DispatchFunc executes one JSON-RPC message on behalf of a session and
// returns the serialized response, or nil for notifications.
type DispatchFunc func(ctx context.Context, sess *Session, message []byte) ([]byte, error)

// Session is one client's logical context over one transport. The worker
// that created it owns it; everything mutable is guarded for concurrent
// use by the transport goroutine and forwarded dispatches.
type Session struct {
	id        string
	transport string
	createdAt time.Time

	mu           sync.Mutex
	user         *auth.UserContext
	mcpSessionID string
	lastActivity time.Time
	deliver      DeliverFunc
	closeFn      func()
	closed       bool
}

// Option configures a new session.
type Option func(*Session)

// WithUser attaches the authenticated identity the session was opened with.
func WithUser(user *auth.UserContext) Option {
	return func(s *Session) { s.user = user }
}

// WithDeliver sets the transport write function for stream transports.
func WithDeliver(deliver DeliverFunc) Option {
	return func(s *Session) { s.deliver = deliver }
}

// WithCloseFunc sets a teardown hook invoked exactly once when the session
// closes or is evicted.
func WithCloseFunc(closeFn func()) Option {
	return func(s *Session) { s.closeFn = closeFn }
}

// New creates a session for the given transport kind.
func New(id, transport string, opts ...Option) *Session {
	now := time.Now()
	s := &Session{
		id:           id,
		transport:    transport,
		createdAt:    now,
		lastActivity: now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Transport returns the transport kind the session is bound to.
func (s *Session) Transport() string { return s.transport }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// User returns the identity the session was opened with, if any.
func (s *Session) User() *auth.UserContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetUser records the identity after a late authentication step.
func (s *Session) SetUser(user *auth.UserContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// MCPSessionID returns the upstream-assigned MCP session identifier, if the
// initialize handshake has happened.
func (s *Session) MCPSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mcpSessionID
}

// SetMCPSessionID records the upstream-assigned MCP session identifier.
func (s *Session) SetMCPSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcpSessionID = id
}

// LastActivity returns the time of the most recent Touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch marks the session as active now.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// Deliver writes a message to the client over the session's transport.
// Sessions without a delivery function drop the message.
func (s *Session) Deliver(ctx context.Context, message []byte) error {
	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()

	if deliver == nil {
		return nil
	}
	return deliver(ctx, message)
}

// Close runs the teardown hook. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	closeFn := s.closeFn
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !alreadyClosed && closeFn != nil {
		closeFn()
	}
}
