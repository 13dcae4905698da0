// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/federation"
)

// passthroughRouter exposes REST passthrough tools under
// /{namespace}/{tool_id}/{path...}. The namespace segment organizes the
// URL space; tools are addressed by ID.
func passthroughRouter(svc *federation.Service) http.Handler {
	r := chi.NewRouter()
	routes := passthroughRoutes{svc: svc}
	r.HandleFunc("/{namespace}/{toolID}", handleError(routes.proxy))
	r.HandleFunc("/{namespace}/{toolID}/*", handleError(routes.proxy))
	return r
}

type passthroughRoutes struct {
	svc *federation.Service
}

func (p passthroughRoutes) proxy(w http.ResponseWriter, r *http.Request) error {
	user, _ := auth.UserFromContext(r.Context())
	resp, err := p.svc.Proxy(r.Context(), &federation.PassthroughRequest{
		Namespace: chi.URLParam(r, "namespace"),
		ToolID:    chi.URLParam(r, "toolID"),
		Path:      chi.URLParam(r, "*"),
		Method:    r.Method,
		Query:     r.URL.Query(),
		Headers:   r.Header,
		Body:      r.Body,
		User:      user,
	})
	if err != nil {
		return err
	}

	header := w.Header()
	for name, values := range resp.Headers {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
	return nil
}
