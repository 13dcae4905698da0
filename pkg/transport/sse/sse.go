// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sse serves the SSE transport: a long-lived event stream owned by
// the accepting worker, fed by POST /message requests that may land on any
// worker and travel to the owner over the session channel.
package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/session"
	"github.com/stacklok/mcp-gateway/pkg/transport"
)

// MessagePath is where clients POST their JSON-RPC requests.
const MessagePath = "/message"

const defaultKeepAlive = 15 * time.Second

// Handler serves GET /sse and POST /message.
type Handler struct {
	router    *session.Router
	keepAlive time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithKeepAlive overrides the keep-alive comment interval.
func WithKeepAlive(interval time.Duration) Option {
	return func(h *Handler) { h.keepAlive = interval }
}

// NewHandler builds the SSE transport handler.
func NewHandler(router *session.Router, opts ...Option) *Handler {
	h := &Handler{router: router, keepAlive: defaultKeepAlive}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeStream handles GET /sse: it claims ownership of a new session, emits
// the endpoint event, and then relays dispatch responses and keep-alives
// until the client disconnects.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := transport.NewSessionID()
	user, _ := auth.UserFromContext(r.Context())

	var writeMu sync.Mutex
	writeEvent := func(event, data string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	writeComment := func(comment string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		fmt.Fprintf(w, ": %s\n\n", comment)
		flusher.Flush()
	}

	sess := session.New(sessionID, session.TransportSSE,
		session.WithUser(user),
		session.WithDeliver(func(_ context.Context, message []byte) error {
			return writeEvent("message", string(message))
		}),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.router.Register(ctx, sess); err != nil {
		logger.Errorw("failed to register SSE session", "session_id", sessionID, "error", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	// Disconnect may have cancelled the request context already, so the
	// teardown uses a detached one.
	defer h.router.Unregister(context.WithoutCancel(ctx), sessionID)

	// Subscribe before announcing the endpoint so the first POST cannot
	// race the subscription.
	serve, err := h.router.OpenSSE(ctx, sess)
	if err != nil {
		logger.Errorw("failed to open SSE channel", "session_id", sessionID, "error", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	endpoint := fmt.Sprintf("%s?session_id=%s", MessagePath, sessionID)
	if err := writeEvent("endpoint", endpoint); err != nil {
		return
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- serve() }()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-serveErr:
			if err != nil && ctx.Err() == nil {
				logger.Warnw("SSE session channel closed", "session_id", sessionID, "error", err)
			}
			return
		case <-ticker.C:
			writeComment("keep-alive")
		}
	}
}

// ServeMessage handles POST /message: the body is one JSON-RPC message for
// the session named in the query, accepted with 202 once enqueued toward
// the owning worker.
func (h *Handler) ServeMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, transport.MaxMessageBytes+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}
	if len(body) > transport.MaxMessageBytes {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.router.RouteSSE(r.Context(), sessionID, body); err != nil {
		if gwerrors.IsNotFound(err) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		logger.Warnw("failed to route SSE message", "session_id", sessionID, "error", err)
		http.Error(w, "failed to route message", http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, "Accepted")
}
