// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// AuditStore implements storage.AuditStore using SQLite.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates a new SQLite-backed AuditStore.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db.DB()}
}

var _ storage.AuditStore = (*AuditStore)(nil)

// Insert appends a record, assigning its ID and timestamp.
func (s *AuditStore) Insert(ctx context.Context, rec *catalog.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (
			user_id, email, auth_method, action, entity_type, entity_id,
			outcome, detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, jsonb(?))`,
		rec.UserID, rec.Email, rec.AuthMethod, rec.Action,
		rec.EntityType, rec.EntityID, rec.Outcome, encodeRawJSON(rec.Detail),
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting audit record id: %w", err)
	}

	var tsStr string
	if err := tx.QueryRowContext(ctx,
		`SELECT ts FROM audit_log WHERE id = ?`, id,
	).Scan(&tsStr); err != nil {
		return fmt.Errorf("reading audit timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	ts, err := parseTime(tsStr)
	if err != nil {
		return err
	}
	rec.ID = id
	rec.Time = ts
	return nil
}

// List returns records matching the filter, newest first.
func (s *AuditStore) List(ctx context.Context, filter storage.AuditFilter) ([]*catalog.AuditRecord, error) {
	query := `SELECT id, ts, user_id, email, auth_method, action, entity_type,
		entity_id, outcome, json(detail) FROM audit_log`

	var clauses []string
	var args []any
	if filter.UserID != "" {
		clauses = append(clauses, `user_id = ?`)
		args = append(args, filter.UserID)
	}
	if filter.Action != "" {
		clauses = append(clauses, `action = ?`)
		args = append(args, filter.Action)
	}
	if filter.EntityType != "" {
		clauses = append(clauses, `entity_type = ?`)
		args = append(args, filter.EntityType)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, `ts >= ?`)
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = storage.DefaultPerPage
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*catalog.AuditRecord
	for rows.Next() {
		var (
			rec        catalog.AuditRecord
			tsStr      string
			detailBlob []byte
		)
		if err := rows.Scan(
			&rec.ID, &tsStr, &rec.UserID, &rec.Email, &rec.AuthMethod,
			&rec.Action, &rec.EntityType, &rec.EntityID, &rec.Outcome,
			&detailBlob,
		); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		if rec.Time, err = parseTime(tsStr); err != nil {
			return nil, err
		}
		rec.Detail = decodeRawJSON(detailBlob)
		result = append(result, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}

	return result, nil
}
