// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/session"
	"github.com/stacklok/mcp-gateway/pkg/transport"
	"github.com/stacklok/mcp-gateway/pkg/transport/sse"
	"github.com/stacklok/mcp-gateway/pkg/transport/streamable"
	"github.com/stacklok/mcp-gateway/pkg/transport/ws"
)

// ForwardedInternallyHeader marks a request already forwarded once between
// workers. The /rpc handler never forwards such a request again.
const ForwardedInternallyHeader = "X-Forwarded-Internally"

// mcpRoutes registers the MCP transport endpoints at the root.
type mcpRoutes struct {
	sse      *sse.Handler
	mcp      *streamable.Handler
	ws       *ws.Handler
	router   *session.Router
	dispatch session.DispatchFunc
}

func (m mcpRoutes) register(r chi.Router) {
	r.Get("/sse", m.sse.ServeStream)
	r.Post(sse.MessagePath, m.sse.ServeMessage)
	r.Handle("/mcp", m.mcp)
	r.Get("/ws", m.ws.ServeHTTP)
	r.Post("/rpc", handleError(m.serveRPC))
}

// serveRPC executes one JSON-RPC frame for a session. A request carrying
// the internal-forwarding header is served from the local table only,
// which stops forwarding loops between workers.
func (m mcpRoutes) serveRPC(w http.ResponseWriter, r *http.Request) error {
	sessionID := r.Header.Get(streamable.SessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID == "" {
		return gwerrors.NewInvalidArgsError("mcp-session-id header is required", nil)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, transport.MaxMessageBytes+1))
	if err != nil {
		return gwerrors.NewInternalError("failed to read request body", err)
	}
	if len(body) > transport.MaxMessageBytes {
		return gwerrors.NewPayloadTooLargeError("message too large", nil)
	}

	var response []byte
	if r.Header.Get(ForwardedInternallyHeader) == "true" {
		response, err = m.dispatchLocal(r, sessionID, body)
	} else {
		response, err = m.router.RouteRequest(r.Context(), sessionID, body)
	}
	if err != nil {
		return err
	}

	if response == nil {
		w.WriteHeader(http.StatusAccepted)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(response)
	return nil
}

func (m mcpRoutes) dispatchLocal(r *http.Request, sessionID string, body []byte) ([]byte, error) {
	sess, ok := m.router.Table().Get(sessionID)
	if !ok {
		return nil, gwerrors.NewNotFoundError("session "+sessionID+" not owned by this worker", nil)
	}
	m.router.Touch(r.Context(), sessionID)
	return m.dispatch(r.Context(), sess, body)
}
