// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"

	"github.com/stacklok/mcp-gateway/pkg/config"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// New creates the cache backend selected by the configuration.
func New(ctx context.Context, cfg *config.CacheConfig) (Cache, error) {
	if cfg == nil {
		return NewMemoryCache(), nil
	}

	switch cfg.Provider {
	case config.CacheProviderRedis:
		return NewRedisCache(ctx, cfg)
	case config.CacheProviderMemory, "":
		logger.Info("Using in-memory cache; cross-worker session routing is unavailable")
		return NewMemoryCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache provider: %s", cfg.Provider)
	}
}
