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

// PromptStore implements storage.PromptStore using SQLite.
type PromptStore struct {
	db *sql.DB
}

// NewPromptStore creates a new SQLite-backed PromptStore.
func NewPromptStore(db *DB) *PromptStore {
	return &PromptStore{db: db.DB()}
}

var _ storage.PromptStore = (*PromptStore)(nil)

// promptColumns is the SELECT column list shared by Get and List queries.
const promptColumns = `id, gateway_id, name, description, template, json(arguments),
	json(tags), json(plugin_chains), team_id, owner_email, visibility, enabled,
	created_at, updated_at`

// Create stores a new prompt, assigning an ID if unset.
func (s *PromptStore) Create(ctx context.Context, prompt *catalog.Prompt) error {
	if prompt.ID == "" {
		prompt.ID = uuid.NewString()
	}
	if prompt.Visibility == "" {
		prompt.Visibility = catalog.VisibilityPublic
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertPrompt(ctx, tx, prompt); err != nil {
		return err
	}

	created, updated, err := readTimestamps(ctx, tx, "prompts", prompt.ID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	prompt.CreatedAt, prompt.UpdatedAt = created, updated
	return nil
}

// Get retrieves a prompt by ID.
func (s *PromptStore) Get(ctx context.Context, id string) (*catalog.Prompt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id)
	return scanPrompt(row)
}

// GetByName resolves an enabled prompt by name within the caller's
// visibility scope. A prompt owned by the caller's team shadows a public
// prompt with the same name.
func (s *PromptStore) GetByName(ctx context.Context, name string, scope *storage.VisibilityScope) (*catalog.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts WHERE name = ? AND enabled = 1`
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
	return scanPrompt(row)
}

// List returns prompts matching the filter, ordered by (team, name).
func (s *PromptStore) List(ctx context.Context, filter storage.ListFilter) ([]*catalog.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts`

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
	query += ` ORDER BY team_id, name LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying prompts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*catalog.Prompt
	for rows.Next() {
		prompt, scanErr := scanPrompt(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, prompt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating prompt rows: %w", err)
	}

	return result, nil
}

// Update replaces a prompt's mutable fields.
func (s *PromptStore) Update(ctx context.Context, prompt *catalog.Prompt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	affected, err := updatePrompt(ctx, tx, prompt)
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

// Upsert creates the prompt or, when (team, gateway, name) already exists,
// updates it in place preserving the stored ID.
func (s *PromptStore) Upsert(ctx context.Context, prompt *catalog.Prompt) error {
	if prompt.Visibility == "" {
		prompt.Visibility = catalog.VisibilityPublic
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM prompts
		WHERE team_id = ? AND COALESCE(gateway_id, '') = ? AND name = ?`,
		prompt.TeamID, prompt.GatewayID, prompt.Name,
	).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if prompt.ID == "" {
			prompt.ID = uuid.NewString()
		}
		if err := insertPrompt(ctx, tx, prompt); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("looking up prompt: %w", err)
	default:
		prompt.ID = existingID
		if _, err := updatePrompt(ctx, tx, prompt); err != nil {
			return err
		}
	}

	created, updated, err := readTimestamps(ctx, tx, "prompts", prompt.ID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	prompt.CreatedAt, prompt.UpdatedAt = created, updated
	return nil
}

// Delete removes a prompt by ID.
func (s *PromptStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM prompts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting prompt: %w", err)
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

// insertPrompt inserts a prompt row within a transaction.
func insertPrompt(ctx context.Context, tx *sql.Tx, prompt *catalog.Prompt) error {
	argsJSON, err := encodeJSON(prompt.Arguments)
	if err != nil {
		return fmt.Errorf("encoding arguments: %w", err)
	}
	tagsJSON, err := encodeJSON(prompt.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	chainsJSON, err := encodeJSON(prompt.PluginChains)
	if err != nil {
		return fmt.Errorf("encoding plugin chains: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO prompts (
			id, gateway_id, name, description, template, arguments,
			tags, plugin_chains, team_id, owner_email, visibility, enabled
		) VALUES (?, ?, ?, ?, ?, jsonb(?), jsonb(?), jsonb(?), ?, ?, ?, ?)`,
		prompt.ID, nullIfEmpty(prompt.GatewayID), prompt.Name,
		prompt.Description, prompt.Template, argsJSON,
		tagsJSON, chainsJSON, prompt.TeamID, prompt.OwnerEmail,
		string(prompt.Visibility), boolToInt(prompt.Enabled),
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting prompt: %w", err)
	}

	return nil
}

// updatePrompt updates a prompt row by ID within a transaction and reports
// the number of affected rows.
func updatePrompt(ctx context.Context, tx *sql.Tx, prompt *catalog.Prompt) (int64, error) {
	argsJSON, err := encodeJSON(prompt.Arguments)
	if err != nil {
		return 0, fmt.Errorf("encoding arguments: %w", err)
	}
	tagsJSON, err := encodeJSON(prompt.Tags)
	if err != nil {
		return 0, fmt.Errorf("encoding tags: %w", err)
	}
	chainsJSON, err := encodeJSON(prompt.PluginChains)
	if err != nil {
		return 0, fmt.Errorf("encoding plugin chains: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE prompts SET
			gateway_id = ?, name = ?, description = ?, template = ?,
			arguments = jsonb(?), tags = jsonb(?), plugin_chains = jsonb(?),
			team_id = ?, owner_email = ?, visibility = ?, enabled = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`,
		nullIfEmpty(prompt.GatewayID), prompt.Name, prompt.Description, prompt.Template,
		argsJSON, tagsJSON, chainsJSON,
		prompt.TeamID, prompt.OwnerEmail, string(prompt.Visibility), boolToInt(prompt.Enabled),
		prompt.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, storage.ErrAlreadyExists
		}
		return 0, fmt.Errorf("updating prompt: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return affected, nil
}

// scanPrompt scans a prompt row.
func scanPrompt(sc scanner) (*catalog.Prompt, error) {
	var (
		id          string
		gatewayID   sql.NullString
		name        string
		description string
		template    string
		argsBlob    []byte
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
		&id, &gatewayID, &name, &description, &template, &argsBlob,
		&tagsBlob, &chainsBlob, &teamID, &ownerEmail, &visibility, &enabled,
		&createdStr, &updatedStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning prompt row: %w", err)
	}

	prompt := &catalog.Prompt{
		ID:          id,
		GatewayID:   gatewayID.String,
		Name:        name,
		Description: description,
		Template:    template,
		TeamID:      teamID,
		OwnerEmail:  ownerEmail,
		Visibility:  catalog.Visibility(visibility),
		Enabled:     enabled != 0,
	}

	if err := decodeJSON(argsBlob, &prompt.Arguments); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	if err := decodeJSON(tagsBlob, &prompt.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if err := decodeJSON(chainsBlob, &prompt.PluginChains); err != nil {
		return nil, fmt.Errorf("decoding plugin chains: %w", err)
	}

	if prompt.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, err
	}
	if prompt.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, err
	}

	return prompt, nil
}
