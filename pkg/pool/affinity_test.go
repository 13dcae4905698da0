// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/cache"
)

func newAffinityCache(t *testing.T) cache.Cache {
	t.Helper()
	c := cache.NewMemoryCache()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAffinityClaimAndOwner(t *testing.T) {
	t.Parallel()
	c := newAffinityCache(t)
	a := NewAffinity(c, "worker-1")

	owner, owned, err := a.Claim(t.Context(), "mcp-sess-1")
	require.NoError(t, err)
	assert.True(t, owned)
	assert.Equal(t, "worker-1", owner)

	got, err := a.Owner(t.Context(), "mcp-sess-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got)

	// A repeated claim by the owner stays owned and refreshes the TTL.
	owner, owned, err = a.Claim(t.Context(), "mcp-sess-1")
	require.NoError(t, err)
	assert.True(t, owned)
	assert.Equal(t, "worker-1", owner)
}

func TestAffinitySecondWorkerSeesExistingOwner(t *testing.T) {
	t.Parallel()
	c := newAffinityCache(t)
	first := NewAffinity(c, "worker-1")
	second := NewAffinity(c, "worker-2")

	_, owned, err := first.Claim(t.Context(), "mcp-sess-1")
	require.NoError(t, err)
	require.True(t, owned)

	owner, owned, err := second.Claim(t.Context(), "mcp-sess-1")
	require.NoError(t, err)
	assert.False(t, owned)
	assert.Equal(t, "worker-1", owner)

	// The loser still resolves the owner for forwarding.
	got, err := second.Owner(t.Context(), "mcp-sess-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got)
}

func TestAffinityReleaseOnlyByOwner(t *testing.T) {
	t.Parallel()
	c := newAffinityCache(t)
	first := NewAffinity(c, "worker-1")
	second := NewAffinity(c, "worker-2")

	_, owned, err := first.Claim(t.Context(), "mcp-sess-1")
	require.NoError(t, err)
	require.True(t, owned)

	// A non-owner release is a no-op.
	require.NoError(t, second.Release(t.Context(), "mcp-sess-1"))
	got, err := first.Owner(t.Context(), "mcp-sess-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got)

	require.NoError(t, first.Release(t.Context(), "mcp-sess-1"))
	got, err = first.Owner(t.Context(), "mcp-sess-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	// A released session is claimable by anyone.
	owner, owned, err := second.Claim(t.Context(), "mcp-sess-1")
	require.NoError(t, err)
	assert.True(t, owned)
	assert.Equal(t, "worker-2", owner)
}
