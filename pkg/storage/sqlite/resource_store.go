// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// ResourceStore implements storage.ResourceStore using SQLite.
type ResourceStore struct {
	db *sql.DB
}

// NewResourceStore creates a new SQLite-backed ResourceStore.
func NewResourceStore(db *DB) *ResourceStore {
	return &ResourceStore{db: db.DB()}
}

var _ storage.ResourceStore = (*ResourceStore)(nil)

// resourceColumns is the SELECT column list shared by Get and List queries.
const resourceColumns = `id, gateway_id, uri, name, description, mime_type, content,
	json(tags), json(plugin_chains), team_id, owner_email, visibility, enabled,
	created_at, updated_at`

// Create stores a new resource, assigning an ID if unset.
func (s *ResourceStore) Create(ctx context.Context, res *catalog.Resource) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.Visibility == "" {
		res.Visibility = catalog.VisibilityPublic
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertResource(ctx, tx, res); err != nil {
		return err
	}

	created, updated, err := readTimestamps(ctx, tx, "resources", res.ID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	res.CreatedAt, res.UpdatedAt = created, updated
	return nil
}

// Get retrieves a resource by ID.
func (s *ResourceStore) Get(ctx context.Context, id string) (*catalog.Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)
	return scanResource(row)
}

// GetByURI resolves an enabled resource by URI within the caller's
// visibility scope. A resource owned by the caller's team shadows a public
// resource with the same URI.
func (s *ResourceStore) GetByURI(ctx context.Context, uri string, scope *storage.VisibilityScope) (*catalog.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE uri = ? AND enabled = 1`
	args := []any{uri}

	if clause, scopeArgs := scopeClause(scope); clause != "" {
		query += ` AND ` + clause
		args = append(args, scopeArgs...)
	}

	team := ""
	if scope != nil {
		team = scope.TeamID
	}
	query += ` ORDER BY CASE WHEN team_id = ? THEN 0 ELSE 1 END, id LIMIT 1`
	args = append(args, team)

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanResource(row)
}

// List returns resources matching the filter, ordered by (team, URI).
func (s *ResourceStore) List(ctx context.Context, filter storage.ListFilter) ([]*catalog.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources`

	var clauses []string
	var args []any
	if !filter.IncludeDisabled {
		clauses = append(clauses, `enabled = 1`)
	}
	if filter.GatewayID != "" {
		clauses = append(clauses, `gateway_id = ?`)
		args = append(args, filter.GatewayID)
	}
	if clause, scopeArgs := scopeClause(filter.Scope); clause != "" {
		clauses = append(clauses, clause)
		args = append(args, scopeArgs...)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}

	limit, offset := pageBounds(filter)
	query += ` ORDER BY team_id, uri LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying resources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*catalog.Resource
	for rows.Next() {
		res, scanErr := scanResource(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating resource rows: %w", err)
	}

	return result, nil
}

// Update replaces a resource's mutable fields.
func (s *ResourceStore) Update(ctx context.Context, res *catalog.Resource) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	affected, err := updateResource(ctx, tx, res)
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Upsert creates the resource or, when (team, gateway, URI) already exists,
// updates it in place preserving the stored ID.
func (s *ResourceStore) Upsert(ctx context.Context, res *catalog.Resource) error {
	if res.Visibility == "" {
		res.Visibility = catalog.VisibilityPublic
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM resources
		WHERE team_id = ? AND COALESCE(gateway_id, '') = ? AND uri = ?`,
		res.TeamID, res.GatewayID, res.URI,
	).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if res.ID == "" {
			res.ID = uuid.NewString()
		}
		if err := insertResource(ctx, tx, res); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("looking up resource: %w", err)
	default:
		res.ID = existingID
		if _, err := updateResource(ctx, tx, res); err != nil {
			return err
		}
	}

	created, updated, err := readTimestamps(ctx, tx, "resources", res.ID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	res.CreatedAt, res.UpdatedAt = created, updated
	return nil
}

// Delete removes a resource by ID.
func (s *ResourceStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting resource: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// insertResource inserts a resource row within a transaction.
func insertResource(ctx context.Context, tx *sql.Tx, res *catalog.Resource) error {
	tagsJSON, err := encodeJSON(res.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	chainsJSON, err := encodeJSON(res.PluginChains)
	if err != nil {
		return fmt.Errorf("encoding plugin chains: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO resources (
			id, gateway_id, uri, name, description, mime_type, content,
			tags, plugin_chains, team_id, owner_email, visibility, enabled
		) VALUES (?, ?, ?, ?, ?, ?, ?, jsonb(?), jsonb(?), ?, ?, ?, ?)`,
		res.ID, nullIfEmpty(res.GatewayID), res.URI, res.Name,
		res.Description, res.MimeType, res.Content,
		tagsJSON, chainsJSON, res.TeamID, res.OwnerEmail,
		string(res.Visibility), boolToInt(res.Enabled),
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting resource: %w", err)
	}

	return nil
}

// updateResource updates a resource row by ID within a transaction and
// reports the number of affected rows.
func updateResource(ctx context.Context, tx *sql.Tx, res *catalog.Resource) (int64, error) {
	tagsJSON, err := encodeJSON(res.Tags)
	if err != nil {
		return 0, fmt.Errorf("encoding tags: %w", err)
	}
	chainsJSON, err := encodeJSON(res.PluginChains)
	if err != nil {
		return 0, fmt.Errorf("encoding plugin chains: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE resources SET
			gateway_id = ?, uri = ?, name = ?, description = ?,
			mime_type = ?, content = ?, tags = jsonb(?), plugin_chains = jsonb(?),
			team_id = ?, owner_email = ?, visibility = ?, enabled = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`,
		nullIfEmpty(res.GatewayID), res.URI, res.Name, res.Description,
		res.MimeType, res.Content, tagsJSON, chainsJSON,
		res.TeamID, res.OwnerEmail, string(res.Visibility), boolToInt(res.Enabled),
		res.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, storage.ErrAlreadyExists
		}
		return 0, fmt.Errorf("updating resource: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return affected, nil
}

// scanResource scans a resource row.
func scanResource(sc scanner) (*catalog.Resource, error) {
	var (
		id          string
		gatewayID   sql.NullString
		uri         string
		name        string
		description string
		mimeType    string
		content     string
		tagsBlob    []byte
		chainsBlob  []byte
		teamID      string
		ownerEmail  string
		visibility  string
		enabled     int64
		createdStr  string
		updatedStr  string
	)

	err := sc.Scan(
		&id, &gatewayID, &uri, &name, &description, &mimeType, &content,
		&tagsBlob, &chainsBlob, &teamID, &ownerEmail, &visibility, &enabled,
		&createdStr, &updatedStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning resource row: %w", err)
	}

	res := &catalog.Resource{
		ID:          id,
		GatewayID:   gatewayID.String,
		URI:         uri,
		Name:        name,
		Description: description,
		MimeType:    mimeType,
		Content:     content,
		TeamID:      teamID,
		OwnerEmail:  ownerEmail,
		Visibility:  catalog.Visibility(visibility),
		Enabled:     enabled != 0,
	}

	if err := decodeJSON(tagsBlob, &res.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if err := decodeJSON(chainsBlob, &res.PluginChains); err != nil {
		return nil, fmt.Errorf("decoding plugin chains: %w", err)
	}

	if res.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, err
	}
	if res.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, err
	}

	return res, nil
}
