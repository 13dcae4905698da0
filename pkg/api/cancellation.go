// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcp-gateway/pkg/cancellation"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
)

// cancellationRouter exposes run cancellation and local run status.
func cancellationRouter(svc *cancellation.Service) http.Handler {
	r := chi.NewRouter()
	routes := cancellationRoutes{svc: svc}
	r.Post("/cancel", handleError(routes.cancel))
	r.Get("/status/{id}", handleError(routes.status))
	return r
}

type cancellationRoutes struct {
	svc *cancellation.Service
}

type cancelRequest struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

func (c cancellationRoutes) cancel(w http.ResponseWriter, r *http.Request) error {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.RequestID == "" {
		return gwerrors.NewInvalidArgsError("requestId is required", nil)
	}
	result, err := c.svc.CancelRun(r.Context(), req.RequestID, req.Reason)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, result)
}

// status reports runs registered on this worker only; other workers answer
// 404 for the same request ID.
func (c cancellationRoutes) status(w http.ResponseWriter, r *http.Request) error {
	status, err := c.svc.Status(chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, status)
}
