// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the gateway's HTTP surface: the MCP transports,
// the REST passthrough, cancellation, health, metrics, and the admin
// entity CRUD.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/cache"
	"github.com/stacklok/mcp-gateway/pkg/cancellation"
	"github.com/stacklok/mcp-gateway/pkg/config"
	"github.com/stacklok/mcp-gateway/pkg/federation"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/session"
	"github.com/stacklok/mcp-gateway/pkg/storage"
	"github.com/stacklok/mcp-gateway/pkg/transport/sse"
	"github.com/stacklok/mcp-gateway/pkg/transport/streamable"
	"github.com/stacklok/mcp-gateway/pkg/transport/ws"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
	requestTimeout    = 5 * time.Minute
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Config     *config.Config
	Auth       *auth.Authenticator
	Router     *session.Router
	Dispatch   session.DispatchFunc
	Federation *federation.Service
	Cancels    *cancellation.Service
	Store      storage.Store
	Cache      cache.Cache
}

// Server is the gateway HTTP server.
type Server struct {
	cfg     *config.Config
	handler http.Handler
}

// NewServer builds the server and its routing tree.
func NewServer(deps Deps) *Server {
	return &Server{cfg: deps.Config, handler: Handler(deps)}
}

// Handler builds the full routing tree. Health and metrics stay outside
// authentication so probes and scrapers need no credentials.
func Handler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", handleError(healthHandler(deps.Store, deps.Cache)))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Middleware)
		}

		mcpRoutes{
			sse:      sse.NewHandler(deps.Router),
			mcp:      streamable.NewHandler(deps.Router, deps.Dispatch),
			ws:       ws.NewHandler(deps.Router, deps.Dispatch),
			router:   deps.Router,
			dispatch: deps.Dispatch,
		}.register(r)

		var syncer gatewaySyncer
		if deps.Federation != nil {
			syncer = deps.Federation
		}
		routers := map[string]http.Handler{
			"/passthrough":  passthroughRouter(deps.Federation),
			"/cancellation": cancellationRouter(deps.Cancels),
			"/admin":        adminRouter(deps.Store, syncer),
		}
		for prefix, router := range routers {
			r.Mount(prefix, router)
		}
	})

	if root := rootPath(deps.Config); root != "" {
		outer := chi.NewRouter()
		outer.Mount(root, r)
		return outer
	}
	return r
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	logger.Infow("HTTP server listening", "addr", ln.Addr().String())

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("HTTP server shutdown incomplete", "error", err)
		return srv.Close()
	}
	return nil
}

func rootPath(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	root := strings.TrimSuffix(cfg.RootPath, "/")
	if root == "" || root == "/" {
		return ""
	}
	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}
	return root
}
