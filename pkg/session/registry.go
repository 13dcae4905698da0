// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/cache"
)

// ownerKeyPrefix namespaces session ownership keys in the cache.
const ownerKeyPrefix = "session:"

// Registry records which worker owns each session. The cache is the single
// source of truth; the TTL backstops workers that die without unregistering.
type Registry struct {
	cache    cache.Cache
	workerID string
	ttl      time.Duration
}

// NewRegistry builds the ownership registry for this worker.
func NewRegistry(c cache.Cache, workerID string, ttl time.Duration) *Registry {
	return &Registry{cache: c, workerID: workerID, ttl: ttl}
}

// WorkerID returns the identifier this worker claims ownership under.
func (r *Registry) WorkerID() string { return r.workerID }

// TTL returns the ownership record lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register claims ownership of sessionID for this worker. When another
// worker got there first, owned is false and owner names it.
func (r *Registry) Register(ctx context.Context, sessionID string) (owner string, owned bool, err error) {
	key := ownerKeyPrefix + sessionID

	stored, err := r.cache.SetNX(ctx, key, []byte(r.workerID), r.ttl)
	if err != nil {
		return "", false, fmt.Errorf("failed to register session %s: %w", sessionID, err)
	}
	if stored {
		return r.workerID, true, nil
	}

	existing, err := r.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			// The previous owner's record expired between SetNX and Get;
			// claim it on the retry.
			return r.Register(ctx, sessionID)
		}
		return "", false, fmt.Errorf("failed to look up session %s owner: %w", sessionID, err)
	}
	return string(existing), false, nil
}

// Lookup returns the worker that owns sessionID, or "" when the session is
// unknown or its record expired.
func (r *Registry) Lookup(ctx context.Context, sessionID string) (string, error) {
	owner, err := r.cache.Get(ctx, ownerKeyPrefix+sessionID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up session %s owner: %w", sessionID, err)
	}
	return string(owner), nil
}

// Touch refreshes the ownership TTL on activity.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	_, err := r.cache.Expire(ctx, ownerKeyPrefix+sessionID, r.ttl)
	if err != nil {
		return fmt.Errorf("failed to refresh session %s ownership: %w", sessionID, err)
	}
	return nil
}

// Unregister releases ownership of sessionID.
func (r *Registry) Unregister(ctx context.Context, sessionID string) error {
	if err := r.cache.Del(ctx, ownerKeyPrefix+sessionID); err != nil {
		return fmt.Errorf("failed to unregister session %s: %w", sessionID, err)
	}
	return nil
}
