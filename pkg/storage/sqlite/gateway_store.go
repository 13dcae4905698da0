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
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// GatewayStore implements storage.GatewayStore using SQLite.
type GatewayStore struct {
	db *sql.DB
}

// NewGatewayStore creates a new SQLite-backed GatewayStore.
func NewGatewayStore(db *DB) *GatewayStore {
	return &GatewayStore{db: db.DB()}
}

var _ storage.GatewayStore = (*GatewayStore)(nil)

// gatewayColumns is the SELECT column list shared by Get and List queries.
const gatewayColumns = `id, name, description, url, transport, json(auth_config),
	json(identity_propagation), json(passthrough_headers), json(plugin_chains),
	team_id, owner_email, visibility, enabled, reachable, last_seen,
	created_at, updated_at`

// Create stores a new gateway, assigning an ID if unset.
func (s *GatewayStore) Create(ctx context.Context, gw *catalog.Gateway) error {
	if gw.ID == "" {
		gw.ID = uuid.NewString()
	}
	if gw.Visibility == "" {
		gw.Visibility = catalog.VisibilityPublic
	}

	authJSON, propJSON, headersJSON, chainsJSON, err := encodeGatewayBlobs(gw)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var lastSeen any
	if gw.LastSeen != nil {
		lastSeen = gw.LastSeen.UTC().Format(time.RFC3339Nano)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO gateways (
			id, name, description, url, transport, auth_config,
			identity_propagation, passthrough_headers, plugin_chains,
			team_id, owner_email, visibility, enabled, reachable, last_seen
		) VALUES (?, ?, ?, ?, ?, jsonb(?), jsonb(?), jsonb(?), jsonb(?), ?, ?, ?, ?, ?, ?)`,
		gw.ID, gw.Name, gw.Description, gw.URL, gw.Transport,
		authJSON, propJSON, headersJSON, chainsJSON,
		gw.TeamID, gw.OwnerEmail, string(gw.Visibility),
		boolToInt(gw.Enabled), boolToInt(gw.Reachable), lastSeen,
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting gateway: %w", err)
	}

	created, updated, err := readTimestamps(ctx, tx, "gateways", gw.ID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	gw.CreatedAt, gw.UpdatedAt = created, updated
	return nil
}

// Get retrieves a gateway by ID.
func (s *GatewayStore) Get(ctx context.Context, id string) (*catalog.Gateway, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gatewayColumns+` FROM gateways WHERE id = ?`, id)
	return scanGateway(row)
}

// List returns gateways matching the filter, ordered by (team, name).
func (s *GatewayStore) List(ctx context.Context, filter storage.ListFilter) ([]*catalog.Gateway, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateways`

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
		return nil, fmt.Errorf("querying gateways: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*catalog.Gateway
	for rows.Next() {
		gw, scanErr := scanGateway(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, gw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating gateway rows: %w", err)
	}

	return result, nil
}

// Update replaces a gateway's mutable fields. Reachability state is owned by
// SetReachable and is left untouched.
func (s *GatewayStore) Update(ctx context.Context, gw *catalog.Gateway) error {
	authJSON, propJSON, headersJSON, chainsJSON, err := encodeGatewayBlobs(gw)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE gateways SET
			name = ?, description = ?, url = ?, transport = ?,
			auth_config = jsonb(?), identity_propagation = jsonb(?),
			passthrough_headers = jsonb(?), plugin_chains = jsonb(?),
			team_id = ?, owner_email = ?, visibility = ?, enabled = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`,
		gw.Name, gw.Description, gw.URL, gw.Transport,
		authJSON, propJSON, headersJSON, chainsJSON,
		gw.TeamID, gw.OwnerEmail, string(gw.Visibility),
		boolToInt(gw.Enabled), gw.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("updating gateway: %w", err)
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

// Delete removes a gateway. Tools, resources, and prompts registered under
// it are removed by the schema's cascade rules.
func (s *GatewayStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gateways WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting gateway: %w", err)
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

// SetReachable records the outcome of a reachability probe and refreshes
// last_seen when reachable is true.
func (s *GatewayStore) SetReachable(ctx context.Context, id string, reachable bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateways SET
			reachable = ?,
			last_seen = CASE WHEN ? THEN strftime('%Y-%m-%dT%H:%M:%fZ', 'now') ELSE last_seen END,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`,
		boolToInt(reachable), boolToInt(reachable), id,
	)
	if err != nil {
		return fmt.Errorf("updating gateway reachability: %w", err)
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

// encodeGatewayBlobs marshals a gateway's JSON columns.
func encodeGatewayBlobs(gw *catalog.Gateway) (authJSON, propJSON, headersJSON, chainsJSON string, err error) {
	if authJSON, err = encodeJSON(gw.Auth); err != nil {
		return "", "", "", "", fmt.Errorf("encoding auth config: %w", err)
	}
	if propJSON, err = encodeJSON(gw.IdentityPropagation); err != nil {
		return "", "", "", "", fmt.Errorf("encoding identity propagation: %w", err)
	}
	if headersJSON, err = encodeJSON(gw.PassthroughHeaders); err != nil {
		return "", "", "", "", fmt.Errorf("encoding passthrough headers: %w", err)
	}
	if chainsJSON, err = encodeJSON(gw.PluginChains); err != nil {
		return "", "", "", "", fmt.Errorf("encoding plugin chains: %w", err)
	}
	return authJSON, propJSON, headersJSON, chainsJSON, nil
}

// scanGateway scans a gateway row.
func scanGateway(sc scanner) (*catalog.Gateway, error) {
	var (
		id          string
		name        string
		description string
		gwURL       string
		transport   string
		authBlob    []byte
		propBlob    []byte
		headersBlob []byte
		chainsBlob  []byte
		teamID      string
		ownerEmail  string
		visibility  string
		enabled     int64
		reachable   int64
		lastSeen    sql.NullString
		createdStr  string
		updatedStr  string
	)

	err := sc.Scan(
		&id, &name, &description, &gwURL, &transport, &authBlob,
		&propBlob, &headersBlob, &chainsBlob,
		&teamID, &ownerEmail, &visibility, &enabled, &reachable, &lastSeen,
		&createdStr, &updatedStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning gateway row: %w", err)
	}

	gw := &catalog.Gateway{
		ID:          id,
		Name:        name,
		Description: description,
		URL:         gwURL,
		Transport:   transport,
		TeamID:      teamID,
		OwnerEmail:  ownerEmail,
		Visibility:  catalog.Visibility(visibility),
		Enabled:     enabled != 0,
		Reachable:   reachable != 0,
	}

	if err := decodeJSON(authBlob, &gw.Auth); err != nil {
		return nil, fmt.Errorf("decoding auth config: %w", err)
	}
	if err := decodeJSON(propBlob, &gw.IdentityPropagation); err != nil {
		return nil, fmt.Errorf("decoding identity propagation: %w", err)
	}
	if err := decodeJSON(headersBlob, &gw.PassthroughHeaders); err != nil {
		return nil, fmt.Errorf("decoding passthrough headers: %w", err)
	}
	if err := decodeJSON(chainsBlob, &gw.PluginChains); err != nil {
		return nil, fmt.Errorf("decoding plugin chains: %w", err)
	}

	if lastSeen.Valid {
		ts, err := parseTime(lastSeen.String)
		if err != nil {
			return nil, err
		}
		gw.LastSeen = &ts
	}
	if gw.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, err
	}
	if gw.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, err
	}

	return gw, nil
}
