// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ws serves the WebSocket transport: full-duplex JSON-RPC frames
// with the same session semantics as streamable HTTP, plus native
// server-initiated notifications.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/session"
	"github.com/stacklok/mcp-gateway/pkg/transport"
)

// Handler upgrades /ws connections and pumps JSON-RPC frames.
type Handler struct {
	router   *session.Router
	dispatch session.DispatchFunc
	upgrader websocket.Upgrader
}

// NewHandler builds the WebSocket transport handler.
func NewHandler(router *session.Router, dispatch session.DispatchFunc) *Handler {
	return &Handler{
		router:   router,
		dispatch: dispatch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}
}

// ServeHTTP upgrades the connection and serves it until the client
// disconnects. Disconnecting cancels every in-flight dispatch for the
// session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(transport.MaxMessageBytes)

	var writeMu sync.Mutex
	write := func(message []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, message)
	}

	user, _ := auth.UserFromContext(r.Context())
	sess := session.New(transport.NewSessionID(), session.TransportWebSocket,
		session.WithUser(user),
		session.WithDeliver(func(_ context.Context, message []byte) error {
			return write(message)
		}),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.router.Register(ctx, sess); err != nil {
		logger.Errorw("failed to register websocket session", "session_id", sess.ID(), "error", err)
		return
	}
	defer h.router.Unregister(context.WithoutCancel(ctx), sess.ID())

	// The read pump feeds frames to the processing loop; processing stays
	// sequential so per-session ordering holds, while a disconnect cancels
	// whatever is in flight.
	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debugf("websocket read ended for session %s: %v", sess.ID(), err)
				}
				cancel()
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			sess.Touch()
			response, err := h.dispatch(ctx, sess, frame)
			if err != nil {
				logger.Warnw("websocket dispatch failed", "session_id", sess.ID(), "error", err)
				continue
			}
			if response == nil {
				continue
			}
			if err := write(response); err != nil {
				return
			}
		}
	}
}
