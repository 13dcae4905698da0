// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"

	"github.com/stacklok/mcp-gateway/pkg/cache"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// sseChannelPrefix is the per-session pub/sub channel SSE messages travel
// on. Every POST /message goes through it, owner-local or not, so the
// delivery path stays uniform.
const sseChannelPrefix = "sess:"

// Affinity pins a session's pooled upstream connections to one worker.
// Satisfied by pool.Affinity; the claim lives under its own cache key, so
// it survives registry record churn within the owner TTL.
type Affinity interface {
	Claim(ctx context.Context, sessionID string) (owner string, owned bool, err error)
	Owner(ctx context.Context, sessionID string) (string, error)
	Release(ctx context.Context, sessionID string) error
}

// Router owns the mapping from session to worker and moves messages to
// wherever their session lives.
type Router struct {
	registry  *Registry
	table     *Table
	cache     cache.Cache
	forwarder *Forwarder
	dispatch  DispatchFunc
	affinity  Affinity
}

// NewRouter wires the session router for this worker.
func NewRouter(registry *Registry, table *Table, c cache.Cache, forwarder *Forwarder, dispatch DispatchFunc) *Router {
	return &Router{
		registry:  registry,
		table:     table,
		cache:     c,
		forwarder: forwarder,
		dispatch:  dispatch,
	}
}

// SetAffinity installs the pool affinity tracker. Must be called before the
// router starts accepting sessions; nil leaves affinity claims off.
func (r *Router) SetAffinity(a Affinity) { r.affinity = a }

// Registry returns the underlying ownership registry.
func (r *Router) Registry() *Registry { return r.registry }

// Table returns this worker's owned-session table.
func (r *Router) Table() *Table { return r.table }

// Register claims ownership of sess for this worker and adds it to the
// local table.
func (r *Router) Register(ctx context.Context, sess *Session) error {
	owner, owned, err := r.registry.Register(ctx, sess.ID())
	if err != nil {
		return err
	}
	if !owned {
		return gwerrors.NewInternalError(
			fmt.Sprintf("session %s already owned by worker %s", sess.ID(), owner), nil)
	}

	if err := r.table.Add(sess); err != nil {
		// Roll the claim back so the ID is reusable immediately.
		if unregErr := r.registry.Unregister(ctx, sess.ID()); unregErr != nil {
			logger.Warnf("failed to roll back ownership of session %s: %v", sess.ID(), unregErr)
		}
		return gwerrors.NewInternalError(fmt.Sprintf("failed to track session %s", sess.ID()), err)
	}

	if r.affinity != nil {
		if owner, owned, err := r.affinity.Claim(ctx, sess.ID()); err != nil {
			logger.Warnf("failed to claim pool affinity for session %s: %v", sess.ID(), err)
		} else if !owned {
			logger.Warnw("pool affinity for session held by another worker",
				"session_id", sess.ID(), "owner", owner)
		}
	}
	return nil
}

// Unregister releases ownership and tears the session down.
func (r *Router) Unregister(ctx context.Context, sessionID string) {
	if sess := r.table.Remove(sessionID); sess != nil {
		sess.Close()
	}
	if err := r.registry.Unregister(ctx, sessionID); err != nil {
		logger.Warnf("failed to release ownership of session %s: %v", sessionID, err)
	}
	if r.affinity != nil {
		if err := r.affinity.Release(ctx, sessionID); err != nil {
			logger.Warnf("failed to release pool affinity for session %s: %v", sessionID, err)
		}
	}
}

// Touch marks the session active locally and refreshes its ownership TTL.
func (r *Router) Touch(ctx context.Context, sessionID string) {
	if sess, ok := r.table.Get(sessionID); ok {
		sess.Touch()
	}
	if err := r.registry.Touch(ctx, sessionID); err != nil {
		logger.Debugf("failed to refresh ownership of session %s: %v", sessionID, err)
	}
	if r.affinity != nil {
		// A repeated claim by the owner refreshes the affinity TTL.
		if _, _, err := r.affinity.Claim(ctx, sessionID); err != nil {
			logger.Debugf("failed to refresh pool affinity for session %s: %v", sessionID, err)
		}
	}
}

// RouteSSE accepts one client message for an SSE session. The message is
// published on the session's channel; the owning worker picks it up,
// executes it, and writes the response over its stream. Unknown or expired
// sessions are a NotFound.
func (r *Router) RouteSSE(ctx context.Context, sessionID string, message []byte) error {
	owner, err := r.lookupOwner(ctx, sessionID)
	if err != nil {
		return gwerrors.NewInternalError(fmt.Sprintf("failed to route message for session %s", sessionID), err)
	}
	if owner == "" {
		return gwerrors.NewNotFoundError(fmt.Sprintf("session %s not found", sessionID), nil)
	}

	r.Touch(ctx, sessionID)

	if err := r.cache.Publish(ctx, sseChannelPrefix+sessionID, message); err != nil {
		return gwerrors.NewUpstreamUnavailableError(
			fmt.Sprintf("failed to deliver message for session %s", sessionID), err)
	}
	return nil
}

// ServeSSE consumes the session's channel on the owning worker: each
// message is dispatched and its response written over the SSE stream. It
// returns when ctx ends or the subscription closes.
func (r *Router) ServeSSE(ctx context.Context, sess *Session) error {
	serve, err := r.OpenSSE(ctx, sess)
	if err != nil {
		return err
	}
	return serve()
}

// OpenSSE subscribes to the session's channel and returns the serve loop.
// Subscribing before the endpoint event is announced guarantees a client's
// first POST cannot slip past the owner.
func (r *Router) OpenSSE(ctx context.Context, sess *Session) (func() error, error) {
	sub, err := r.cache.Subscribe(ctx, sseChannelPrefix+sess.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to session %s channel: %w", sess.ID(), err)
	}
	return func() error {
		defer sub.Close()
		return r.serveSSE(ctx, sess, sub)
	}, nil
}

func (r *Router) serveSSE(ctx context.Context, sess *Session, sub cache.Subscription) error {
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			response, err := r.dispatch(ctx, sess, msg.Payload)
			if err != nil {
				logger.Warnw("dispatch failed for SSE session",
					"session_id", sess.ID(), "error", err)
				continue
			}
			if response == nil {
				continue
			}
			if err := sess.Deliver(ctx, response); err != nil {
				logger.Warnw("failed to deliver response on SSE stream",
					"session_id", sess.ID(), "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RouteRequest executes one request/response message for a session: locally
// when this worker owns it, otherwise forwarded to the owner. Used by the
// streamable HTTP and WebSocket transports.
func (r *Router) RouteRequest(ctx context.Context, sessionID string, message []byte) ([]byte, error) {
	if sess, ok := r.table.Get(sessionID); ok {
		r.Touch(ctx, sessionID)
		return r.dispatch(ctx, sess, message)
	}

	owner, err := r.lookupOwner(ctx, sessionID)
	if err != nil {
		return nil, gwerrors.NewInternalError(fmt.Sprintf("failed to route request for session %s", sessionID), err)
	}
	if owner == "" {
		return nil, gwerrors.NewNotFoundError(fmt.Sprintf("session %s not found", sessionID), nil)
	}

	return r.forwarder.Call(ctx, owner, sessionID, message)
}

// lookupOwner resolves the session's owning worker: the registry record
// first, then the pool affinity claim, which can outlive a lapsed registry
// record within the owner TTL.
func (r *Router) lookupOwner(ctx context.Context, sessionID string) (string, error) {
	owner, err := r.registry.Lookup(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if owner != "" || r.affinity == nil {
		return owner, nil
	}
	return r.affinity.Owner(ctx, sessionID)
}
