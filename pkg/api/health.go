// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/stacklok/mcp-gateway/pkg/cache"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/storage"
	"github.com/stacklok/mcp-gateway/pkg/versions"
)

type healthStatus struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

// healthHandler reports liveness plus database and cache reachability.
// Any failing dependency degrades the answer to 503.
func healthHandler(store storage.Store, c cache.Cache) handlerWithError {
	return func(w http.ResponseWriter, r *http.Request) error {
		out := healthStatus{
			Status:   "ok",
			Version:  versions.Version,
			Database: "ok",
			Cache:    "ok",
		}
		httpStatus := http.StatusOK

		if store != nil {
			if err := store.Ping(r.Context()); err != nil {
				logger.Warnw("database health check failed", "error", err)
				out.Status, out.Database = "degraded", "unreachable"
				httpStatus = http.StatusServiceUnavailable
			}
		}
		if c != nil {
			if err := c.Ping(r.Context()); err != nil {
				logger.Warnw("cache health check failed", "error", err)
				out.Status, out.Cache = "degraded", "unreachable"
				httpStatus = http.StatusServiceUnavailable
			}
		}
		return writeJSON(w, httpStatus, out)
	}
}
