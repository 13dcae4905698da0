// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package streamable serves the streamable HTTP transport: single POST
// requests grouped into a session by the mcp-session-id header. Any worker
// may answer any request; non-owned sessions are reached through the
// forwarded-RPC path.
package streamable

import (
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/session"
	"github.com/stacklok/mcp-gateway/pkg/transport"
)

// SessionHeader carries the logical session identifier after initialize.
const SessionHeader = "Mcp-Session-Id"

// Handler serves POST and DELETE on /mcp.
type Handler struct {
	router   *session.Router
	dispatch session.DispatchFunc
}

// NewHandler builds the streamable HTTP transport handler.
func NewHandler(router *session.Router, dispatch session.DispatchFunc) *Handler {
	return &Handler{router: router, dispatch: dispatch}
}

// ServeHTTP dispatches by method.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.servePost(w, r)
	case http.MethodDelete:
		h.serveDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) servePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, transport.MaxMessageBytes+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}
	if len(body) > transport.MaxMessageBytes {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		h.serveInitialize(w, r, body)
		return
	}

	response, err := h.router.RouteRequest(r.Context(), sessionID, body)
	if err != nil {
		if gwerrors.IsNotFound(err) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		logger.Warnw("streamable dispatch failed", "session_id", sessionID, "error", err)
		http.Error(w, "failed to dispatch request", http.StatusInternalServerError)
		return
	}

	w.Header().Set(SessionHeader, sessionID)
	if response == nil {
		// Notifications and client responses produce no reply.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, response)
}

// serveInitialize allocates the session on the first request. Only
// initialize may arrive without a session header.
func (h *Handler) serveInitialize(w http.ResponseWriter, r *http.Request, body []byte) {
	if gjson.GetBytes(body, "method").String() != "initialize" {
		http.Error(w, "mcp-session-id header is required", http.StatusBadRequest)
		return
	}

	user, _ := auth.UserFromContext(r.Context())
	sess := session.New(transport.NewSessionID(), session.TransportStreamableHTTP,
		session.WithUser(user))

	if err := h.router.Register(r.Context(), sess); err != nil {
		logger.Errorw("failed to register streamable session", "error", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	response, err := h.dispatch(r.Context(), sess, body)
	if err != nil {
		h.router.Unregister(r.Context(), sess.ID())
		logger.Warnw("initialize dispatch failed", "session_id", sess.ID(), "error", err)
		http.Error(w, "failed to initialize session", http.StatusInternalServerError)
		return
	}

	w.Header().Set(SessionHeader, sess.ID())
	writeJSON(w, response)
}

func (h *Handler) serveDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "mcp-session-id header is required", http.StatusBadRequest)
		return
	}
	h.router.Unregister(r.Context(), sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		logger.Debugf("failed to write streamable response: %v", err)
	}
}
