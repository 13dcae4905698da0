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

// VirtualServerStore implements storage.VirtualServerStore using SQLite.
type VirtualServerStore struct {
	db *sql.DB
}

// NewVirtualServerStore creates a new SQLite-backed VirtualServerStore.
func NewVirtualServerStore(db *DB) *VirtualServerStore {
	return &VirtualServerStore{db: db.DB()}
}

var _ storage.VirtualServerStore = (*VirtualServerStore)(nil)

// virtualServerColumns is the SELECT column list shared by Get and List
// queries.
const virtualServerColumns = `id, name, description, server_type, json(tool_ids),
	json(resource_ids), json(prompt_ids), json(sandbox_policy), json(mount_rules),
	json(tokenization), skills_scope, skills_require_approval, content_hash,
	team_id, owner_email, visibility, enabled, created_at, updated_at`

// Create stores a new virtual server, assigning an ID if unset.
func (s *VirtualServerStore) Create(ctx context.Context, vs *catalog.VirtualServer) error {
	if vs.ID == "" {
		vs.ID = uuid.NewString()
	}
	if vs.ServerType == "" {
		vs.ServerType = catalog.ServerTypeStandard
	}
	if vs.Visibility == "" {
		vs.Visibility = catalog.VisibilityPublic
	}

	b, err := encodeVirtualServerBlobs(vs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO virtual_servers (
			id, name, description, server_type, tool_ids, resource_ids,
			prompt_ids, sandbox_policy, mount_rules, tokenization,
			skills_scope, skills_require_approval, content_hash,
			team_id, owner_email, visibility, enabled
		) VALUES (?, ?, ?, ?, jsonb(?), jsonb(?), jsonb(?), jsonb(?), jsonb(?), jsonb(?), ?, ?, ?, ?, ?, ?, ?)`,
		vs.ID, vs.Name, vs.Description, string(vs.ServerType),
		b.toolIDs, b.resourceIDs, b.promptIDs,
		b.sandboxPolicy, b.mountRules, b.tokenization,
		vs.SkillsScope, boolToInt(vs.SkillsRequireApproval), vs.ContentHash,
		vs.TeamID, vs.OwnerEmail, string(vs.Visibility), boolToInt(vs.Enabled),
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting virtual server: %w", err)
	}

	created, updated, err := readTimestamps(ctx, tx, "virtual_servers", vs.ID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	vs.CreatedAt, vs.UpdatedAt = created, updated
	return nil
}

// Get retrieves a virtual server by ID.
func (s *VirtualServerStore) Get(ctx context.Context, id string) (*catalog.VirtualServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+virtualServerColumns+` FROM virtual_servers WHERE id = ?`, id)
	return scanVirtualServer(row)
}

// GetByName resolves an enabled virtual server by name within the caller's
// visibility scope. A server owned by the caller's team shadows a public
// server with the same name.
func (s *VirtualServerStore) GetByName(ctx context.Context, name string, scope *storage.VisibilityScope) (*catalog.VirtualServer, error) {
	query := `SELECT ` + virtualServerColumns + ` FROM virtual_servers WHERE name = ? AND enabled = 1`
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
	return scanVirtualServer(row)
}

// List returns virtual servers matching the filter, ordered by (team, name).
func (s *VirtualServerStore) List(ctx context.Context, filter storage.ListFilter) ([]*catalog.VirtualServer, error) {
	query := `SELECT ` + virtualServerColumns + ` FROM virtual_servers`

	var clauses []string
	var args []any
	if !filter.IncludeDisabled {
		clauses = append(clauses, `enabled = 1`)
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
		return nil, fmt.Errorf("querying virtual servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*catalog.VirtualServer
	for rows.Next() {
		vs, scanErr := scanVirtualServer(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, vs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating virtual server rows: %w", err)
	}

	return result, nil
}

// Update replaces a virtual server's mutable fields.
func (s *VirtualServerStore) Update(ctx context.Context, vs *catalog.VirtualServer) error {
	b, err := encodeVirtualServerBlobs(vs)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE virtual_servers SET
			name = ?, description = ?, server_type = ?, tool_ids = jsonb(?),
			resource_ids = jsonb(?), prompt_ids = jsonb(?),
			sandbox_policy = jsonb(?), mount_rules = jsonb(?),
			tokenization = jsonb(?), skills_scope = ?,
			skills_require_approval = ?, content_hash = ?,
			team_id = ?, owner_email = ?, visibility = ?, enabled = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`,
		vs.Name, vs.Description, string(vs.ServerType), b.toolIDs,
		b.resourceIDs, b.promptIDs,
		b.sandboxPolicy, b.mountRules,
		b.tokenization, vs.SkillsScope,
		boolToInt(vs.SkillsRequireApproval), vs.ContentHash,
		vs.TeamID, vs.OwnerEmail, string(vs.Visibility), boolToInt(vs.Enabled),
		vs.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("updating virtual server: %w", err)
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

// SetContentHash records the fingerprint of the server's materialized
// catalog.
func (s *VirtualServerStore) SetContentHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE virtual_servers SET
			content_hash = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`,
		hash, id,
	)
	if err != nil {
		return fmt.Errorf("updating content hash: %w", err)
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

// Delete removes a virtual server by ID.
func (s *VirtualServerStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM virtual_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting virtual server: %w", err)
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

// virtualServerBlobs holds a virtual server's encoded JSON columns.
type virtualServerBlobs struct {
	toolIDs       string
	resourceIDs   string
	promptIDs     string
	sandboxPolicy string
	mountRules    string
	tokenization  string
}

// encodeVirtualServerBlobs marshals a virtual server's JSON columns.
func encodeVirtualServerBlobs(vs *catalog.VirtualServer) (virtualServerBlobs, error) {
	var b virtualServerBlobs
	var err error

	if b.toolIDs, err = encodeJSON(vs.ToolIDs); err != nil {
		return virtualServerBlobs{}, fmt.Errorf("encoding tool ids: %w", err)
	}
	if b.resourceIDs, err = encodeJSON(vs.ResourceIDs); err != nil {
		return virtualServerBlobs{}, fmt.Errorf("encoding resource ids: %w", err)
	}
	if b.promptIDs, err = encodeJSON(vs.PromptIDs); err != nil {
		return virtualServerBlobs{}, fmt.Errorf("encoding prompt ids: %w", err)
	}
	b.sandboxPolicy = encodeRawJSON(vs.SandboxPolicy)
	if b.mountRules, err = encodeJSON(vs.MountRules); err != nil {
		return virtualServerBlobs{}, fmt.Errorf("encoding mount rules: %w", err)
	}
	b.tokenization = encodeRawJSON(vs.Tokenization)

	return b, nil
}

// scanVirtualServer scans a virtual server row.
func scanVirtualServer(sc scanner) (*catalog.VirtualServer, error) {
	var (
		id               string
		name             string
		description      string
		serverType       string
		toolIDsBlob      []byte
		resourceIDsBlob  []byte
		promptIDsBlob    []byte
		policyBlob       []byte
		mountBlob        []byte
		tokenizationBlob []byte
		skillsScope      string
		requireApproval  int64
		contentHash      string
		teamID           string
		ownerEmail       string
		visibility       string
		enabled          int64
		createdStr       string
		updatedStr       string
	)

	err := sc.Scan(
		&id, &name, &description, &serverType, &toolIDsBlob,
		&resourceIDsBlob, &promptIDsBlob, &policyBlob, &mountBlob,
		&tokenizationBlob, &skillsScope, &requireApproval, &contentHash,
		&teamID, &ownerEmail, &visibility, &enabled, &createdStr, &updatedStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning virtual server row: %w", err)
	}

	vs := &catalog.VirtualServer{
		ID:                    id,
		Name:                  name,
		Description:           description,
		ServerType:            catalog.ServerType(serverType),
		SandboxPolicy:         decodeRawJSON(policyBlob),
		Tokenization:          decodeRawJSON(tokenizationBlob),
		SkillsScope:           skillsScope,
		SkillsRequireApproval: requireApproval != 0,
		ContentHash:           contentHash,
		TeamID:                teamID,
		OwnerEmail:            ownerEmail,
		Visibility:            catalog.Visibility(visibility),
		Enabled:               enabled != 0,
	}

	if err := decodeJSON(toolIDsBlob, &vs.ToolIDs); err != nil {
		return nil, fmt.Errorf("decoding tool ids: %w", err)
	}
	if err := decodeJSON(resourceIDsBlob, &vs.ResourceIDs); err != nil {
		return nil, fmt.Errorf("decoding resource ids: %w", err)
	}
	if err := decodeJSON(promptIDsBlob, &vs.PromptIDs); err != nil {
		return nil, fmt.Errorf("decoding prompt ids: %w", err)
	}
	if err := decodeJSON(mountBlob, &vs.MountRules); err != nil {
		return nil, fmt.Errorf("decoding mount rules: %w", err)
	}

	if vs.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, err
	}
	if vs.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, err
	}

	return vs, nil
}
