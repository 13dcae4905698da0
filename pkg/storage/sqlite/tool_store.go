// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	"github.com/stacklok/mcp-gateway/pkg/config"
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// ToolStore implements storage.ToolStore using SQLite.
type ToolStore struct {
	db *sql.DB
}

// NewToolStore creates a new SQLite-backed ToolStore.
func NewToolStore(db *DB) *ToolStore {
	return &ToolStore{db: db.DB()}
}

var _ storage.ToolStore = (*ToolStore)(nil)

// toolColumns is the SELECT column list shared by Get and List queries.
const toolColumns = `id, gateway_id, name, remote_name, description, integration_type,
	json(schema), json(annotations), json(tags), json(rest_spec),
	json(graphql_spec), json(grpc_spec), timeout, json(plugin_chains),
	team_id, owner_email, visibility, enabled, created_at, updated_at`

// Create stores a new tool, assigning an ID if unset.
func (s *ToolStore) Create(ctx context.Context, tool *catalog.Tool) error {
	if tool.ID == "" {
		tool.ID = uuid.NewString()
	}
	if tool.Visibility == "" {
		tool.Visibility = catalog.VisibilityPublic
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertTool(ctx, tx, tool); err != nil {
		return err
	}

	created, updated, err := readTimestamps(ctx, tx, "tools", tool.ID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	tool.CreatedAt, tool.UpdatedAt = created, updated
	return nil
}

// Get retrieves a tool by ID.
func (s *ToolStore) Get(ctx context.Context, id string) (*catalog.Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE id = ?`, id)
	return scanTool(row)
}

// GetByName resolves an enabled tool by name within the caller's visibility
// scope. A tool owned by the caller's team shadows a public tool with the
// same name.
func (s *ToolStore) GetByName(ctx context.Context, name string, scope *storage.VisibilityScope) (*catalog.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools WHERE name = ? AND enabled = 1`
	args := []any{name}

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
	return scanTool(row)
}

// List returns tools matching the filter, ordered by (team, name).
func (s *ToolStore) List(ctx context.Context, filter storage.ListFilter) ([]*catalog.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools`

	var clauses []string
	var args []any
	if !filter.IncludeDisabled {
		clauses = append(clauses, `enabled = 1`)
	}
	if filter.GatewayID != "" {
		clauses = append(clauses, `gateway_id = ?`)
		args = append(args, filter.GatewayID)
	}
	if filter.IntegrationType != "" {
		clauses = append(clauses, `integration_type = ?`)
		args = append(args, string(filter.IntegrationType))
	}
	if clause, scopeArgs := scopeClause(filter.Scope); clause != "" {
		clauses = append(clauses, clause)
		args = append(args, scopeArgs...)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}

	limit, offset := pageBounds(filter)
	query += ` ORDER BY team_id, name LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*catalog.Tool
	for rows.Next() {
		tool, scanErr := scanTool(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool rows: %w", err)
	}

	return result, nil
}

// Update replaces a tool's mutable fields.
func (s *ToolStore) Update(ctx context.Context, tool *catalog.Tool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	affected, err := updateTool(ctx, tx, tool)
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

// Upsert creates the tool or, when (team, gateway, name) already exists,
// updates it in place preserving the stored ID.
func (s *ToolStore) Upsert(ctx context.Context, tool *catalog.Tool) error {
	if tool.Visibility == "" {
		tool.Visibility = catalog.VisibilityPublic
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM tools
		WHERE team_id = ? AND COALESCE(gateway_id, '') = ? AND name = ?`,
		tool.TeamID, tool.GatewayID, tool.Name,
	).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if tool.ID == "" {
			tool.ID = uuid.NewString()
		}
		if err := insertTool(ctx, tx, tool); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("looking up tool: %w", err)
	default:
		tool.ID = existingID
		if _, err := updateTool(ctx, tx, tool); err != nil {
			return err
		}
	}

	created, updated, err := readTimestamps(ctx, tx, "tools", tool.ID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	tool.CreatedAt, tool.UpdatedAt = created, updated
	return nil
}

// Delete removes a tool by ID.
func (s *ToolStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tool: %w", err)
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

// toolBlobs holds a tool's encoded JSON columns.
type toolBlobs struct {
	schema      string
	annotations string
	tags        string
	restSpec    string
	graphqlSpec string
	grpcSpec    string
	chains      string
	timeout     string
}

// encodeToolBlobs marshals a tool's JSON and duration columns.
func encodeToolBlobs(tool *catalog.Tool) (toolBlobs, error) {
	var b toolBlobs
	var err error

	b.schema = encodeRawJSON(tool.Schema)
	b.annotations = encodeRawJSON(tool.Annotations)
	if b.tags, err = encodeJSON(tool.Tags); err != nil {
		return toolBlobs{}, fmt.Errorf("encoding tags: %w", err)
	}
	if b.restSpec, err = encodeJSON(tool.REST); err != nil {
		return toolBlobs{}, fmt.Errorf("encoding rest spec: %w", err)
	}
	if b.graphqlSpec, err = encodeJSON(tool.GraphQL); err != nil {
		return toolBlobs{}, fmt.Errorf("encoding graphql spec: %w", err)
	}
	if b.grpcSpec, err = encodeJSON(tool.GRPC); err != nil {
		return toolBlobs{}, fmt.Errorf("encoding grpc spec: %w", err)
	}
	if b.chains, err = encodeJSON(tool.PluginChains); err != nil {
		return toolBlobs{}, fmt.Errorf("encoding plugin chains: %w", err)
	}
	if tool.Timeout.Std() > 0 {
		b.timeout = tool.Timeout.Std().String()
	}

	return b, nil
}

// insertTool inserts a tool row within a transaction.
func insertTool(ctx context.Context, tx *sql.Tx, tool *catalog.Tool) error {
	b, err := encodeToolBlobs(tool)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tools (
			id, gateway_id, name, remote_name, description, integration_type,
			schema, annotations, tags, rest_spec, graphql_spec, grpc_spec,
			timeout, plugin_chains, team_id, owner_email, visibility, enabled
		) VALUES (?, ?, ?, ?, ?, ?, jsonb(?), jsonb(?), jsonb(?), jsonb(?), jsonb(?), jsonb(?), ?, jsonb(?), ?, ?, ?, ?)`,
		tool.ID, nullIfEmpty(tool.GatewayID), tool.Name, tool.RemoteName,
		tool.Description, string(tool.IntegrationType),
		b.schema, b.annotations, b.tags, b.restSpec, b.graphqlSpec, b.grpcSpec,
		b.timeout, b.chains, tool.TeamID, tool.OwnerEmail,
		string(tool.Visibility), boolToInt(tool.Enabled),
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting tool: %w", err)
	}

	return nil
}

// updateTool updates a tool row by ID within a transaction and reports the
// number of affected rows.
func updateTool(ctx context.Context, tx *sql.Tx, tool *catalog.Tool) (int64, error) {
	b, err := encodeToolBlobs(tool)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tools SET
			gateway_id = ?, name = ?, remote_name = ?, description = ?,
			integration_type = ?, schema = jsonb(?), annotations = jsonb(?),
			tags = jsonb(?), rest_spec = jsonb(?), graphql_spec = jsonb(?),
			grpc_spec = jsonb(?), timeout = ?, plugin_chains = jsonb(?),
			team_id = ?, owner_email = ?, visibility = ?, enabled = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`,
		nullIfEmpty(tool.GatewayID), tool.Name, tool.RemoteName, tool.Description,
		string(tool.IntegrationType), b.schema, b.annotations,
		b.tags, b.restSpec, b.graphqlSpec,
		b.grpcSpec, b.timeout, b.chains,
		tool.TeamID, tool.OwnerEmail, string(tool.Visibility), boolToInt(tool.Enabled),
		tool.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, storage.ErrAlreadyExists
		}
		return 0, fmt.Errorf("updating tool: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return affected, nil
}

// scanTool scans a tool row.
func scanTool(sc scanner) (*catalog.Tool, error) {
	var (
		id              string
		gatewayID       sql.NullString
		name            string
		remoteName      string
		description     string
		integrationType string
		schemaBlob      []byte
		annotationsBlob []byte
		tagsBlob        []byte
		restBlob        []byte
		graphqlBlob     []byte
		grpcBlob        []byte
		timeoutStr      string
		chainsBlob      []byte
		teamID          string
		ownerEmail      string
		visibility      string
		enabled         int64
		createdStr      string
		updatedStr      string
	)

	err := sc.Scan(
		&id, &gatewayID, &name, &remoteName, &description, &integrationType,
		&schemaBlob, &annotationsBlob, &tagsBlob, &restBlob,
		&graphqlBlob, &grpcBlob, &timeoutStr, &chainsBlob,
		&teamID, &ownerEmail, &visibility, &enabled, &createdStr, &updatedStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning tool row: %w", err)
	}

	tool := &catalog.Tool{
		ID:              id,
		GatewayID:       gatewayID.String,
		Name:            name,
		RemoteName:      remoteName,
		Description:     description,
		IntegrationType: catalog.IntegrationType(integrationType),
		Schema:          decodeRawJSON(schemaBlob),
		Annotations:     decodeRawJSON(annotationsBlob),
		TeamID:          teamID,
		OwnerEmail:      ownerEmail,
		Visibility:      catalog.Visibility(visibility),
		Enabled:         enabled != 0,
	}

	if err := decodeJSON(tagsBlob, &tool.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if err := decodeJSON(restBlob, &tool.REST); err != nil {
		return nil, fmt.Errorf("decoding rest spec: %w", err)
	}
	if err := decodeJSON(graphqlBlob, &tool.GraphQL); err != nil {
		return nil, fmt.Errorf("decoding graphql spec: %w", err)
	}
	if err := decodeJSON(grpcBlob, &tool.GRPC); err != nil {
		return nil, fmt.Errorf("decoding grpc spec: %w", err)
	}
	if err := decodeJSON(chainsBlob, &tool.PluginChains); err != nil {
		return nil, fmt.Errorf("decoding plugin chains: %w", err)
	}

	if timeoutStr != "" {
		d, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timeout: %w", err)
		}
		tool.Timeout = config.Duration(d)
	}

	if tool.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, err
	}
	if tool.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, err
	}

	return tool, nil
}
