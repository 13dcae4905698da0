// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/federation"
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// gatewaySyncer triggers discovery for one upstream gateway.
type gatewaySyncer interface {
	SyncGateway(ctx context.Context, gatewayID string) (*federation.SyncResult, error)
}

// adminRouter exposes entity CRUD. The routes operate on the raw catalog
// records without visibility scoping; deployments gate access through the
// authenticator in front of them.
func adminRouter(store storage.Store, syncer gatewaySyncer) http.Handler {
	r := chi.NewRouter()
	r.Mount("/gateways", gatewayAdminRouter(store, syncer))
	r.Mount("/tools", toolAdminRouter(store))
	r.Mount("/resources", resourceAdminRouter(store))
	r.Mount("/prompts", promptAdminRouter(store))
	r.Mount("/virtual-servers", virtualServerAdminRouter(store))
	return r
}

// listPage carries one page of entities plus the paging echo.
type listPage struct {
	Items   any `json:"items"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// adminListFilter builds the storage filter from page/per_page query
// parameters. Admin listings include disabled entities.
func adminListFilter(r *http.Request) storage.ListFilter {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	return storage.ListFilter{
		GatewayID:       r.URL.Query().Get("gateway_id"),
		IncludeDisabled: true,
		Page:            page,
		PerPage:         perPage,
	}
}

func pageEcho(filter storage.ListFilter) (int, int) {
	page, perPage := filter.Page, filter.PerPage
	if page < 1 {
		page = 1
	}
	switch {
	case perPage < 1:
		perPage = storage.DefaultPerPage
	case perPage > storage.MaxPerPage:
		perPage = storage.MaxPerPage
	}
	return page, perPage
}

func writeListPage(w http.ResponseWriter, filter storage.ListFilter, items any) error {
	page, perPage := pageEcho(filter)
	return writeJSON(w, http.StatusOK, listPage{Items: items, Page: page, PerPage: perPage})
}

func gatewayAdminRouter(store storage.Store, syncer gatewaySyncer) http.Handler {
	r := chi.NewRouter()

	r.Get("/", handleError(func(w http.ResponseWriter, r *http.Request) error {
		filter := adminListFilter(r)
		gws, err := store.Gateways().List(r.Context(), filter)
		if err != nil {
			return err
		}
		return writeListPage(w, filter, gws)
	}))

	r.Post("/", handleError(func(w http.ResponseWriter, r *http.Request) error {
		var gw catalog.Gateway
		if err := decodeJSON(r, &gw); err != nil {
			return err
		}
		if err := store.Gateways().Create(r.Context(), &gw); err != nil {
			return err
		}
		return writeJSON(w, http.StatusCreated, &gw)
	}))

	r.Get("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		gw, err := store.Gateways().Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, gw)
	}))

	r.Put("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		var gw catalog.Gateway
		if err := decodeJSON(r, &gw); err != nil {
			return err
		}
		gw.ID = chi.URLParam(r, "id")
		if err := store.Gateways().Update(r.Context(), &gw); err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, &gw)
	}))

	r.Delete("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		if err := store.Gateways().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}))

	r.Post("/{id}/sync", handleError(func(w http.ResponseWriter, r *http.Request) error {
		if syncer == nil {
			return gwerrors.NewInternalError("federation is not configured", nil)
		}
		result, err := syncer.SyncGateway(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, result)
	}))

	return r
}

func toolAdminRouter(store storage.Store) http.Handler {
	r := chi.NewRouter()

	r.Get("/", handleError(func(w http.ResponseWriter, r *http.Request) error {
		filter := adminListFilter(r)
		tools, err := store.Tools().List(r.Context(), filter)
		if err != nil {
			return err
		}
		return writeListPage(w, filter, tools)
	}))

	r.Post("/", handleError(func(w http.ResponseWriter, r *http.Request) error {
		var tool catalog.Tool
		if err := decodeJSON(r, &tool); err != nil {
			return err
		}
		if err := store.Tools().Create(r.Context(), &tool); err != nil {
			return err
		}
		return writeJSON(w, http.StatusCreated, &tool)
	}))

	r.Get("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		tool, err := store.Tools().Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, tool)
	}))

	r.Put("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		var tool catalog.Tool
		if err := decodeJSON(r, &tool); err != nil {
			return err
		}
		tool.ID = chi.URLParam(r, "id")
		if err := store.Tools().Update(r.Context(), &tool); err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, &tool)
	}))

	r.Delete("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		if err := store.Tools().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}))

	return r
}

func resourceAdminRouter(store storage.Store) http.Handler {
	r := chi.NewRouter()

	r.Get("/", handleError(func(w http.ResponseWriter, r *http.Request) error {
		filter := adminListFilter(r)
		resources, err := store.Resources().List(r.Context(), filter)
		if err != nil {
			return err
		}
		return writeListPage(w, filter, resources)
	}))

	r.Post("/", handleError(func(w http.ResponseWriter, r *http.Request) error {
		var res catalog.Resource
		if err := decodeJSON(r, &res); err != nil {
			return err
		}
		if err := store.Resources().Create(r.Context(), &res); err != nil {
			return err
		}
		return writeJSON(w, http.StatusCreated, &res)
	}))

	r.Get("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		res, err := store.Resources().Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, res)
	}))

	r.Put("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		var res catalog.Resource
		if err := decodeJSON(r, &res); err != nil {
			return err
		}
		res.ID = chi.URLParam(r, "id")
		if err := store.Resources().Update(r.Context(), &res); err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, &res)
	}))

	r.Delete("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		if err := store.Resources().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}))

	return r
}

func promptAdminRouter(store storage.Store) http.Handler {
	r := chi.NewRouter()

	r.Get("/", handleError(func(w http.ResponseWriter, r *http.Request) error {
		filter := adminListFilter(r)
		prompts, err := store.Prompts().List(r.Context(), filter)
		if err != nil {
			return err
		}
		return writeListPage(w, filter, prompts)
	}))

	r.Post("/", handleError(func(w http.ResponseWriter, r *http.Request) error {
		var prompt catalog.Prompt
		if err := decodeJSON(r, &prompt); err != nil {
			return err
		}
		if err := store.Prompts().Create(r.Context(), &prompt); err != nil {
			return err
		}
		return writeJSON(w, http.StatusCreated, &prompt)
	}))

	r.Get("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		prompt, err := store.Prompts().Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, prompt)
	}))

	r.Put("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		var prompt catalog.Prompt
		if err := decodeJSON(r, &prompt); err != nil {
			return err
		}
		prompt.ID = chi.URLParam(r, "id")
		if err := store.Prompts().Update(r.Context(), &prompt); err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, &prompt)
	}))

	r.Delete("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		if err := store.Prompts().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}))

	return r
}

func virtualServerAdminRouter(store storage.Store) http.Handler {
	r := chi.NewRouter()

	r.Get("/", handleError(func(w http.ResponseWriter, r *http.Request) error {
		filter := adminListFilter(r)
		servers, err := store.VirtualServers().List(r.Context(), filter)
		if err != nil {
			return err
		}
		return writeListPage(w, filter, servers)
	}))

	r.Post("/", handleError(func(w http.ResponseWriter, r *http.Request) error {
		var vs catalog.VirtualServer
		if err := decodeJSON(r, &vs); err != nil {
			return err
		}
		if err := store.VirtualServers().Create(r.Context(), &vs); err != nil {
			return err
		}
		return writeJSON(w, http.StatusCreated, &vs)
	}))

	r.Get("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		vs, err := store.VirtualServers().Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, vs)
	}))

	r.Put("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		var vs catalog.VirtualServer
		if err := decodeJSON(r, &vs); err != nil {
			return err
		}
		vs.ID = chi.URLParam(r, "id")
		if err := store.VirtualServers().Update(r.Context(), &vs); err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, &vs)
	}))

	r.Delete("/{id}", handleError(func(w http.ResponseWriter, r *http.Request) error {
		if err := store.VirtualServers().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}))

	return r
}
