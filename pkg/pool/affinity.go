// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/cache"
)

const (
	// ownerKeyPrefix namespaces session ownership keys in the cache.
	ownerKeyPrefix = "pool_owner:"

	// defaultOwnerTTL matches the session registry TTL, so ownership
	// outlives any individual request but not an abandoned session.
	defaultOwnerTTL = 5 * time.Minute
)

// Affinity pins a client session's pooled upstream connections to the worker
// that created them. Workers that do not own a session forward its requests
// to the owner instead of opening duplicate upstream sessions.
type Affinity struct {
	cache    cache.Cache
	workerID string
	ttl      time.Duration
}

// NewAffinity builds the affinity tracker for this worker.
func NewAffinity(c cache.Cache, workerID string) *Affinity {
	return &Affinity{cache: c, workerID: workerID, ttl: defaultOwnerTTL}
}

// WorkerID returns the identifier this worker claims ownership under.
func (a *Affinity) WorkerID() string { return a.workerID }

// Claim atomically records this worker as the owner of the session's pooled
// upstream connections, or reports the existing owner. A repeated claim by
// the owner refreshes the TTL.
func (a *Affinity) Claim(ctx context.Context, mcpSessionID string) (string, bool, error) {
	key := ownerKeyPrefix + mcpSessionID

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := a.cache.SetNX(ctx, key, []byte(a.workerID), a.ttl)
		if err != nil {
			return "", false, fmt.Errorf("failed to claim owner for session %s: %w", mcpSessionID, err)
		}
		if ok {
			return a.workerID, true, nil
		}

		raw, err := a.cache.Get(ctx, key)
		if errors.Is(err, cache.ErrNotFound) {
			// The owner expired between the claim and the read; try again.
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to read owner for session %s: %w", mcpSessionID, err)
		}

		owner := string(raw)
		if owner == a.workerID {
			_, _ = a.cache.Expire(ctx, key, a.ttl)
			return owner, true, nil
		}
		return owner, false, nil
	}

	return "", false, fmt.Errorf("failed to determine owner for session %s", mcpSessionID)
}

// Owner returns the current owner of a session, or an empty string when
// unowned.
func (a *Affinity) Owner(ctx context.Context, mcpSessionID string) (string, error) {
	raw, err := a.cache.Get(ctx, ownerKeyPrefix+mcpSessionID)
	if errors.Is(err, cache.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read owner for session %s: %w", mcpSessionID, err)
	}
	return string(raw), nil
}

// Release drops the ownership claim when this worker holds it.
func (a *Affinity) Release(ctx context.Context, mcpSessionID string) error {
	owner, err := a.Owner(ctx, mcpSessionID)
	if err != nil {
		return err
	}
	if owner != a.workerID {
		return nil
	}
	return a.cache.Del(ctx, ownerKeyPrefix+mcpSessionID)
}
