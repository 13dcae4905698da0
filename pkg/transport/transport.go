// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport adapts the gateway's JSON-RPC dispatch to concrete
// client transports. The stdio server lives here; the HTTP-based transports
// (SSE, streamable HTTP, WebSocket) live in subpackages. Transports frame
// and route opaque JSON-RPC messages and register sessions; they never
// dispatch business logic themselves.
package transport

import (
	"github.com/google/uuid"
)

// MaxMessageBytes bounds one inbound JSON-RPC message on any transport.
const MaxMessageBytes = 4 << 20

// NewSessionID allocates an opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
