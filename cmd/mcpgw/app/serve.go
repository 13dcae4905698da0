// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcp-gateway/pkg/api"
	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/cache"
	"github.com/stacklok/mcp-gateway/pkg/cancellation"
	"github.com/stacklok/mcp-gateway/pkg/codeexec"
	"github.com/stacklok/mcp-gateway/pkg/config"
	"github.com/stacklok/mcp-gateway/pkg/federation"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/plugins"
	"github.com/stacklok/mcp-gateway/pkg/pool"
	"github.com/stacklok/mcp-gateway/pkg/session"
	"github.com/stacklok/mcp-gateway/pkg/storage"
	"github.com/stacklok/mcp-gateway/pkg/storage/sqlite"
	"github.com/stacklok/mcp-gateway/pkg/transport"
	"github.com/stacklok/mcp-gateway/pkg/upstream"
)

// gateway holds the assembled runtime components so shutdown can release
// them in reverse order.
type gateway struct {
	cfg        *config.Config
	workerID   string
	fed        *federation.Service
	store      storage.Store
	cache      cache.Cache
	auth       *auth.Authenticator
	pool       *pool.Pool
	cancels    *cancellation.Service
	dispatcher *federation.Dispatcher
	registry   *session.Registry
	table      *session.Table
	router     *session.Router
	listener   *session.Listener
}

// buildGateway wires every component from configuration. The caller owns
// the returned gateway and must call close.
func buildGateway(ctx context.Context, cfg *config.Config) (*gateway, error) {
	c, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	store, err := sqlite.NewStore(ctx, cfg.Database.Path)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	authenticator, err := auth.NewAuthenticator(ctx, cfg.Auth)
	if err != nil {
		store.Close()
		c.Close()
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	pluginMgr, err := plugins.NewManager(cfg.Plugins)
	if err != nil {
		store.Close()
		c.Close()
		return nil, fmt.Errorf("failed to create plugin manager: %w", err)
	}

	sessionPool := pool.New(cfg.Pool, upstream.NewStrategyRegistry(),
		pool.NewMetrics(prometheus.DefaultRegisterer))
	cancels := cancellation.NewService(c)

	codeExec := codeexec.New(codeexec.Deps{
		Config:  cfg.CodeExecution,
		Store:   store,
		Cache:   c,
		Runtime: codeexec.NewLocalRuntime(),
	})

	fed := federation.NewService(federation.Deps{
		Store:       store,
		Pool:        federation.PoolAdapter{Pool: sessionPool},
		Plugins:     pluginMgr,
		Cancels:     cancels,
		Propagator:  auth.NewPropagator(cfg.Identity),
		CodeExec:    codeExec,
		Federation:  cfg.Federation,
		Passthrough: cfg.Passthrough,
	})
	codeExec.SetInvoker(fed)

	dispatcher := federation.NewDispatcher(fed, cancels)

	workerID := cfg.Name + "-" + uuid.NewString()[:8]
	ttl := time.Duration(cfg.Session.TTL)
	registry := session.NewRegistry(c, workerID, ttl)
	table := session.NewTable(ttl, func(sess *session.Session) {
		// Expired sessions release their ownership key so the ID stops
		// routing here.
		if err := registry.Unregister(context.WithoutCancel(ctx), sess.ID()); err != nil {
			logger.Debugf("failed to release expired session %s: %v", sess.ID(), err)
		}
	})
	forwarder := session.NewForwarder(c, time.Duration(cfg.Session.ForwardTimeout))
	router := session.NewRouter(registry, table, c, forwarder, dispatcher.Dispatch)

	var listener *session.Listener
	if cfg.Session.AffinityEnabled {
		listener = session.NewListener(c, workerID, table, dispatcher.Dispatch)
		// Sessions claim their pooled upstream connections under this
		// worker so peers forward instead of opening duplicates.
		router.SetAffinity(pool.NewAffinity(c, workerID))
	}

	return &gateway{
		cfg:        cfg,
		workerID:   workerID,
		fed:        fed,
		store:      store,
		cache:      c,
		auth:       authenticator,
		pool:       sessionPool,
		cancels:    cancels,
		dispatcher: dispatcher,
		registry:   registry,
		table:      table,
		router:     router,
		listener:   listener,
	}, nil
}

// close drains and releases everything: sessions first so ownership keys
// free up, then the upstream pool, then the backing stores.
func (g *gateway) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, sess := range g.table.All() {
		g.router.Unregister(ctx, sess.ID())
	}
	g.table.Stop()

	if err := g.pool.Close(); err != nil {
		logger.Warnw("failed to close session pool", "error", err)
	}
	if err := g.store.Close(); err != nil {
		logger.Warnw("failed to close store", "error", err)
	}
	if err := g.cache.Close(); err != nil {
		logger.Warnw("failed to close cache", "error", err)
	}
}

// runServe implements the serve command.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	gw, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.close()

	logger.Infow("starting MCP gateway",
		"name", cfg.Name, "worker_id", gw.workerID,
		"host", cfg.Host, "port", cfg.Port)

	srv := api.NewServer(api.Deps{
		Config:     cfg,
		Auth:       gw.auth,
		Router:     gw.router,
		Dispatch:   gw.dispatcher.Dispatch,
		Federation: gw.fed,
		Cancels:    gw.cancels,
		Store:      gw.store,
		Cache:      gw.cache,
	})

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Run(gctx) })
	group.Go(func() error { return ignoreCancel(gw.cancels.Run(gctx)) })
	if gw.listener != nil {
		group.Go(func() error { return ignoreCancel(gw.listener.Run(gctx)) })
	}

	err = group.Wait()
	logger.Infow("MCP gateway stopped", "worker_id", gw.workerID)
	return err
}

// runStdio implements the stdio command: one session on the process pipes.
func runStdio(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	gw, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.close()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return ignoreCancel(gw.cancels.Run(gctx)) })
	group.Go(func() error {
		srv := transport.NewStdioServer(gw.dispatcher.Dispatch, auth.AnonymousUser())
		return ignoreCancel(srv.Serve(gctx, os.Stdin, os.Stdout))
	})
	return group.Wait()
}

// ignoreCancel treats context cancellation as a clean exit so a shutdown
// signal does not surface as a command error.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
