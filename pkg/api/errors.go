// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"

	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// handlerWithError is an HTTP handler that reports failures as errors
// instead of writing statuses itself.
type handlerWithError func(w http.ResponseWriter, r *http.Request) error

// handleError maps a returned error to its HTTP status. Server-side
// failures are logged in full and answered with a generic message so
// internals never leak; client errors pass their message through.
func handleError(fn handlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"method", r.Method, "path", r.URL.Path, "error", err)
			writeJSONError(w, status, "internal server error")
			return
		}
		writeJSONError(w, status, err.Error())
	}
}

// statusFor resolves the HTTP status for an error. Storage sentinels map
// directly; everything else goes through the gateway error taxonomy.
func statusFor(err error) int {
	switch {
	case storage.IsNotFound(err):
		return http.StatusNotFound
	case storage.IsAlreadyExists(err):
		return http.StatusConflict
	}
	return gwerrors.HTTPStatus(err)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON answers with a JSON body. Encoding failures after the header
// is out can only be logged.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("failed to encode response body", "error", err)
	}
	return nil
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return gwerrors.NewInvalidArgsError("invalid request body: "+err.Error(), err)
	}
	return nil
}
