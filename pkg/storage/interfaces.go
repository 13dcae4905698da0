// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the persistence interfaces for the gateway
// catalog: upstream gateways, tools, resources, prompts, virtual servers,
// and the audit log.
package storage

import (
	"context"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
)

const (
	// DefaultPerPage bounds List results when the filter leaves PerPage
	// unset.
	DefaultPerPage = 50
	// MaxPerPage caps PerPage regardless of what the caller asks for.
	MaxPerPage = 500
)

// VisibilityScope restricts reads to entities the calling user may see:
// public entities, team entities of the caller's team, and private entities
// the caller owns.
type VisibilityScope struct {
	// TeamID is the caller's team. Empty matches no team-visible
	// entities.
	TeamID string
	// Email identifies the caller for private entities. Empty matches no
	// private entities.
	Email string
}

// ListFilter configures filtering and pagination for List operations.
type ListFilter struct {
	// Scope applies visibility rules. Nil lists without restriction and
	// is reserved for internal callers such as federation sync.
	Scope *VisibilityScope
	// GatewayID filters to entities registered under one upstream.
	GatewayID string
	// IntegrationType filters tools by integration type. Ignored by the
	// other stores.
	IntegrationType catalog.IntegrationType
	// IncludeDisabled also returns disabled entities.
	IncludeDisabled bool
	// Page is the 1-based page number. Zero means the first page.
	Page int
	// PerPage is the page size. Zero means DefaultPerPage.
	PerPage int
}

// GatewayStore persists registered upstream gateways.
type GatewayStore interface {
	// Create stores a new gateway, assigning an ID if unset.
	Create(ctx context.Context, gw *catalog.Gateway) error
	// Get retrieves a gateway by ID.
	Get(ctx context.Context, id string) (*catalog.Gateway, error)
	// List returns gateways matching the filter, ordered by (team, name).
	List(ctx context.Context, filter ListFilter) ([]*catalog.Gateway, error)
	// Update replaces a gateway's mutable fields.
	Update(ctx context.Context, gw *catalog.Gateway) error
	// Delete removes a gateway and cascades into its tools, resources,
	// and prompts.
	Delete(ctx context.Context, id string) error
	// SetReachable records the outcome of a reachability probe and
	// refreshes last_seen when reachable is true.
	SetReachable(ctx context.Context, id string, reachable bool) error
}

// ToolStore persists tools.
type ToolStore interface {
	// Create stores a new tool, assigning an ID if unset.
	Create(ctx context.Context, tool *catalog.Tool) error
	// Get retrieves a tool by ID.
	Get(ctx context.Context, id string) (*catalog.Tool, error)
	// GetByName resolves an enabled tool by name within the caller's
	// visibility scope. When several visible tools share the name, a
	// tool owned by the caller's team wins over a public one.
	GetByName(ctx context.Context, name string, scope *VisibilityScope) (*catalog.Tool, error)
	// List returns tools matching the filter, ordered by (team, name).
	List(ctx context.Context, filter ListFilter) ([]*catalog.Tool, error)
	// Update replaces a tool's mutable fields.
	Update(ctx context.Context, tool *catalog.Tool) error
	// Upsert creates the tool or, when (team, gateway, name) already
	// exists, updates it in place preserving the stored ID.
	Upsert(ctx context.Context, tool *catalog.Tool) error
	// Delete removes a tool by ID.
	Delete(ctx context.Context, id string) error
}

// ResourceStore persists resources.
type ResourceStore interface {
	// Create stores a new resource, assigning an ID if unset.
	Create(ctx context.Context, res *catalog.Resource) error
	// Get retrieves a resource by ID.
	Get(ctx context.Context, id string) (*catalog.Resource, error)
	// GetByURI resolves an enabled resource by URI within the caller's
	// visibility scope.
	GetByURI(ctx context.Context, uri string, scope *VisibilityScope) (*catalog.Resource, error)
	// List returns resources matching the filter, ordered by (team, URI).
	List(ctx context.Context, filter ListFilter) ([]*catalog.Resource, error)
	// Update replaces a resource's mutable fields.
	Update(ctx context.Context, res *catalog.Resource) error
	// Upsert creates the resource or, when (team, gateway, URI) already
	// exists, updates it in place preserving the stored ID.
	Upsert(ctx context.Context, res *catalog.Resource) error
	// Delete removes a resource by ID.
	Delete(ctx context.Context, id string) error
}

// PromptStore persists prompts.
type PromptStore interface {
	// Create stores a new prompt, assigning an ID if unset.
	Create(ctx context.Context, prompt *catalog.Prompt) error
	// Get retrieves a prompt by ID.
	Get(ctx context.Context, id string) (*catalog.Prompt, error)
	// GetByName resolves an enabled prompt by name within the caller's
	// visibility scope.
	GetByName(ctx context.Context, name string, scope *VisibilityScope) (*catalog.Prompt, error)
	// List returns prompts matching the filter, ordered by (team, name).
	List(ctx context.Context, filter ListFilter) ([]*catalog.Prompt, error)
	// Update replaces a prompt's mutable fields.
	Update(ctx context.Context, prompt *catalog.Prompt) error
	// Upsert creates the prompt or, when (team, gateway, name) already
	// exists, updates it in place preserving the stored ID.
	Upsert(ctx context.Context, prompt *catalog.Prompt) error
	// Delete removes a prompt by ID.
	Delete(ctx context.Context, id string) error
}

// VirtualServerStore persists virtual server bundles.
type VirtualServerStore interface {
	// Create stores a new virtual server, assigning an ID if unset.
	Create(ctx context.Context, vs *catalog.VirtualServer) error
	// Get retrieves a virtual server by ID.
	Get(ctx context.Context, id string) (*catalog.VirtualServer, error)
	// GetByName resolves an enabled virtual server by name within the
	// caller's visibility scope.
	GetByName(ctx context.Context, name string, scope *VisibilityScope) (*catalog.VirtualServer, error)
	// List returns virtual servers matching the filter, ordered by
	// (team, name).
	List(ctx context.Context, filter ListFilter) ([]*catalog.VirtualServer, error)
	// Update replaces a virtual server's mutable fields.
	Update(ctx context.Context, vs *catalog.VirtualServer) error
	// SetContentHash records the fingerprint of the server's materialized
	// catalog.
	SetContentHash(ctx context.Context, id, hash string) error
	// Delete removes a virtual server by ID.
	Delete(ctx context.Context, id string) error
}

// AuditFilter configures filtering for audit log reads.
type AuditFilter struct {
	// UserID filters by acting subject. Empty matches all subjects.
	UserID string
	// Action filters by action name. Empty matches all actions.
	Action string
	// EntityType filters by affected entity type. Empty matches all.
	EntityType string
	// Since excludes records older than the given time when set.
	Since time.Time
	// Limit caps the number of records returned. Zero means
	// DefaultPerPage.
	Limit int
}

// AuditStore persists the audit log.
type AuditStore interface {
	// Insert appends a record, assigning its ID and timestamp.
	Insert(ctx context.Context, rec *catalog.AuditRecord) error
	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter AuditFilter) ([]*catalog.AuditRecord, error)
}

// Store aggregates the entity stores behind a single handle.
type Store interface {
	// Gateways returns the gateway store.
	Gateways() GatewayStore
	// Tools returns the tool store.
	Tools() ToolStore
	// Resources returns the resource store.
	Resources() ResourceStore
	// Prompts returns the prompt store.
	Prompts() PromptStore
	// VirtualServers returns the virtual server store.
	VirtualServers() VirtualServerStore
	// Audit returns the audit store.
	Audit() AuditStore
	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
	// Close releases the backing database.
	Close() error
}
