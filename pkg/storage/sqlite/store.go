// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// Store bundles the SQLite-backed entity stores over one database handle.
type Store struct {
	db             *DB
	gateways       *GatewayStore
	tools          *ToolStore
	resources      *ResourceStore
	prompts        *PromptStore
	virtualServers *VirtualServerStore
	audit          *AuditStore
}

// NewStore opens the gateway database at path and returns the aggregate
// store.
func NewStore(ctx context.Context, path string) (*Store, error) {
	db, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:             db,
		gateways:       NewGatewayStore(db),
		tools:          NewToolStore(db),
		resources:      NewResourceStore(db),
		prompts:        NewPromptStore(db),
		virtualServers: NewVirtualServerStore(db),
		audit:          NewAuditStore(db),
	}, nil
}

var _ storage.Store = (*Store)(nil)

// Gateways returns the gateway store.
func (s *Store) Gateways() storage.GatewayStore { return s.gateways }

// Tools returns the tool store.
func (s *Store) Tools() storage.ToolStore { return s.tools }

// Resources returns the resource store.
func (s *Store) Resources() storage.ResourceStore { return s.resources }

// Prompts returns the prompt store.
func (s *Store) Prompts() storage.PromptStore { return s.prompts }

// VirtualServers returns the virtual server store.
func (s *Store) VirtualServers() storage.VirtualServerStore { return s.virtualServers }

// Audit returns the audit store.
func (s *Store) Audit() storage.AuditStore { return s.audit }

// Ping verifies the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Close closes the backing database.
func (s *Store) Close() error { return s.db.Close() }

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// encodeJSON marshals v for the SQLite jsonb() function. Nil maps, slices,
// and pointers are stored as JSON null.
func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// encodeRawJSON prepares an opaque JSON document for the jsonb() function.
func encodeRawJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

// decodeJSON unmarshals a json(column) value into dst. Empty and null
// columns leave dst untouched.
func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return nil
}

// decodeRawJSON returns a json(column) value as an opaque document, mapping
// empty and null columns to nil.
func decodeRawJSON(data []byte) json.RawMessage {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.RawMessage(strings.Clone(string(data)))
}

// nullIfEmpty converts an empty string to SQL NULL, used for nullable
// foreign key columns.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// scopeClause returns the visibility predicate for a filter scope. A nil
// scope yields no predicate. A scope with no team and no email matches only
// public entities.
func scopeClause(scope *storage.VisibilityScope) (string, []any) {
	if scope == nil {
		return "", nil
	}
	parts := []string{`visibility = 'public'`}
	var args []any
	if scope.TeamID != "" {
		parts = append(parts, `(visibility = 'team' AND team_id = ?)`)
		args = append(args, scope.TeamID)
	}
	if scope.Email != "" {
		parts = append(parts, `(visibility = 'private' AND owner_email = ?)`)
		args = append(args, scope.Email)
	}
	return `(` + strings.Join(parts, ` OR `) + `)`, args
}

// boolToInt converts a bool for SQLite integer columns.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// pageBounds converts 1-based pagination into LIMIT and OFFSET values.
func pageBounds(filter storage.ListFilter) (limit, offset int) {
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = storage.DefaultPerPage
	}
	if perPage > storage.MaxPerPage {
		perPage = storage.MaxPerPage
	}
	if filter.Page <= 1 {
		return perPage, 0
	}
	return perPage, (filter.Page - 1) * perPage
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// parseTime parses a SQLite strftime timestamp column.
func parseTime(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return ts, nil
}

// readTimestamps fetches created_at and updated_at for a freshly written row
// so the caller can reflect them back onto the entity.
func readTimestamps(ctx context.Context, tx *sql.Tx, table, id string) (created, updated time.Time, err error) {
	var createdStr, updatedStr string
	err = tx.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM `+table+` WHERE id = ?`, id,
	).Scan(&createdStr, &updatedStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("reading timestamps: %w", err)
	}
	if created, err = parseTime(createdStr); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if updated, err = parseTime(updatedStr); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return created, updated, nil
}
