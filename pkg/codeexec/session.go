// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codeexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/mcp-gateway/pkg/cache"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// Virtual filesystem directories under a session root.
const (
	dirTools   = "tools"
	dirSkills  = "skills"
	dirScratch = "scratch"
	dirResults = "results"

	lockFile = ".session.lock"
)

// registryPrefix keys cluster session rows in the cache.
const registryPrefix = "code_exec_session:"

// lockRetryDelay is the poll interval while waiting on the session lock.
const lockRetryDelay = 100 * time.Millisecond

// Session is one materialized sandbox session.
type Session struct {
	// ID is the deterministic session identifier.
	ID string
	// Root is the session directory on the shared volume.
	Root string
	// Language the session was keyed on.
	Language string

	row *sessionRow
}

// sessionRow is the cluster registry value.
type sessionRow struct {
	SessionID   string            `json:"session_id"`
	ContentHash string            `json:"content_hash"`
	CreatedAt   time.Time         `json:"created_at"`
	LastUsedAt  time.Time         `json:"last_used_at"`
	Tokens      map[string]string `json:"tokens,omitempty"`
}

// SessionID derives the deterministic identifier for one
// (server, user, language) tuple. Every worker computes the same value.
func SessionID(serverID, userEmail, language string) string {
	sum := sha256.Sum256([]byte(serverID + ":" + userEmail + ":" + language))
	return hex.EncodeToString(sum[:])[:24]
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// emailSlug turns an email address into a filesystem-safe path segment.
func emailSlug(email string) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(email), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "anonymous"
	}
	return slug
}

// sessionRoot computes the shared-volume directory for a session.
func (s *Service) sessionRoot(serverID, userEmail, sessionID string) string {
	return filepath.Join(s.cfg.BaseDir, serverID, emailSlug(userEmail), sessionID)
}

func registryKey(serverID, userEmail, language string) string {
	return registryPrefix + serverID + ":" + emailSlug(userEmail) + ":" + language
}

// ensureSession returns the session for (server, user, language),
// materializing the virtual filesystem on first use or when the mounted
// catalog changed. Concurrent initialization across workers is serialized
// with an advisory lock on the shared volume.
func (s *Service) ensureSession(
	ctx context.Context, server *catalog.VirtualServer, userEmail, language string,
) (*Session, error) {
	sessionID := SessionID(server.ID, userEmail, language)
	root := s.sessionRoot(server.ID, userEmail, sessionID)
	key := registryKey(server.ID, userEmail, language)

	catalogDoc, hash, err := s.materializedCatalog(ctx, server, userEmail)
	if err != nil {
		return nil, err
	}

	row := s.loadRow(ctx, key)
	if row != nil && row.ContentHash == hash && dirExists(root) {
		row.LastUsedAt = time.Now()
		s.storeRow(ctx, key, row)
		return &Session{ID: sessionID, Root: root, Language: language, row: row}, nil
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, gwerrors.NewInternalError("failed to create session directory", err)
	}

	lock := flock.New(filepath.Join(root, lockFile))
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait())
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		return nil, gwerrors.NewInternalError("timed out waiting for session initialization", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warnw("failed to release session lock", "session_id", sessionID, "error", err)
		}
	}()

	// Another worker may have finished initialization while we waited.
	row = s.loadRow(ctx, key)
	if row == nil || row.ContentHash != hash || !dirExists(filepath.Join(root, dirTools)) {
		if err := s.materialize(root, catalogDoc); err != nil {
			return nil, err
		}
		created := time.Now()
		if row == nil {
			row = &sessionRow{SessionID: sessionID, CreatedAt: created}
		}
		row.ContentHash = hash
		row.LastUsedAt = created
	} else {
		row.LastUsedAt = time.Now()
	}
	s.storeRow(ctx, key, row)

	return &Session{ID: sessionID, Root: root, Language: language, row: row}, nil
}

// materializedCatalog computes the mounted tool catalog and skills for the
// server and their content hash.
func (s *Service) materializedCatalog(
	ctx context.Context, server *catalog.VirtualServer, userEmail string,
) (*catalogDoc, string, error) {
	var tools []*catalog.Tool
	for page := 1; ; page++ {
		batch, err := s.store.Tools().List(ctx, storage.ListFilter{Page: page, PerPage: storage.MaxPerPage})
		if err != nil {
			return nil, "", gwerrors.NewInternalError("failed to list tools for mounting", err)
		}
		tools = append(tools, batch...)
		if len(batch) < storage.MaxPerPage {
			break
		}
	}
	mounted := mountedTools(server, tools)

	doc := &catalogDoc{Server: server.Name}
	for _, tool := range mounted {
		doc.Tools = append(doc.Tools, toolStub{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
		})
	}
	sort.Slice(doc.Tools, func(i, j int) bool { return doc.Tools[i].Name < doc.Tools[j].Name })

	skills, err := s.mountedSkills(ctx, server, userEmail)
	if err != nil {
		return nil, "", err
	}
	doc.Skills = skills

	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, "", gwerrors.NewInternalError("failed to encode session catalog", err)
	}

	// The hash covers the skills' content too, so a skill edit regenerates
	// the session even though catalog.json only lists tools.
	hasher := sha256.New()
	hasher.Write(encoded)
	for _, skill := range doc.Skills {
		hasher.Write([]byte(skill.Name))
		hasher.Write([]byte{0})
		hasher.Write([]byte(skill.Content))
		hasher.Write([]byte{0})
	}
	return doc, hex.EncodeToString(hasher.Sum(nil)), nil
}

// mountedSkills selects the skill resources for the server's scope. Skills
// are catalog resources tagged "skill", scoped with team:<id> or
// user:<email>; servers requiring approval mount only resources also tagged
// "approved".
func (s *Service) mountedSkills(
	ctx context.Context, server *catalog.VirtualServer, userEmail string,
) ([]skillStub, error) {
	scope := server.SkillsScope
	if scope == "" {
		return nil, nil
	}

	filter := storage.ListFilter{}
	switch {
	case strings.HasPrefix(scope, "team:"):
		filter.Scope = &storage.VisibilityScope{TeamID: strings.TrimPrefix(scope, "team:")}
	case strings.HasPrefix(scope, "user:"):
		filter.Scope = &storage.VisibilityScope{Email: strings.TrimPrefix(scope, "user:")}
	default:
		filter.Scope = &storage.VisibilityScope{Email: userEmail}
	}

	var resources []*catalog.Resource
	for page := 1; ; page++ {
		filter.Page = page
		filter.PerPage = storage.MaxPerPage
		batch, err := s.store.Resources().List(ctx, filter)
		if err != nil {
			return nil, gwerrors.NewInternalError("failed to list skills for mounting", err)
		}
		resources = append(resources, batch...)
		if len(batch) < storage.MaxPerPage {
			break
		}
	}

	var skills []skillStub
	for _, res := range resources {
		if !hasTag(res.Tags, "skill") {
			continue
		}
		if server.SkillsRequireApproval && !hasTag(res.Tags, "approved") {
			continue
		}
		skills = append(skills, skillStub{Name: res.Name, Content: res.Content})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

// catalogDoc is the /tools/catalog.json document.
type catalogDoc struct {
	Server string      `json:"server"`
	Tools  []toolStub  `json:"tools"`
	Skills []skillStub `json:"-"`
}

type toolStub struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type skillStub struct {
	Name    string `json:"name"`
	Content string `json:"-"`
}

// materialize writes the virtual filesystem: the tool catalog and per-tool
// stubs under /tools, skills under /skills, and the writable scratch and
// results directories.
func (s *Service) materialize(root string, doc *catalogDoc) error {
	for _, dir := range []string{dirTools, dirSkills, dirScratch, dirResults} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return gwerrors.NewInternalError("failed to create session directories", err)
		}
	}

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return gwerrors.NewInternalError("failed to encode tool catalog", err)
	}
	if err := os.WriteFile(filepath.Join(root, dirTools, "catalog.json"), encoded, 0o640); err != nil {
		return gwerrors.NewInternalError("failed to write tool catalog", err)
	}

	for _, tool := range doc.Tools {
		stub, err := json.MarshalIndent(tool, "", "  ")
		if err != nil {
			return gwerrors.NewInternalError("failed to encode tool stub", err)
		}
		name := filepath.Join(root, dirTools, tool.Name+".json")
		if err := os.WriteFile(name, stub, 0o640); err != nil {
			return gwerrors.NewInternalError("failed to write tool stub", err)
		}
	}

	for _, skill := range doc.Skills {
		name := filepath.Join(root, dirSkills, skill.Name+".md")
		if err := os.WriteFile(name, []byte(skill.Content), 0o640); err != nil {
			return gwerrors.NewInternalError("failed to write skill", err)
		}
	}
	return nil
}

// loadRow reads the registry row. Cache failures fall back to the in-memory
// table so a single worker keeps functioning without Redis.
func (s *Service) loadRow(ctx context.Context, key string) *sessionRow {
	value, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			logger.Warnw("session registry read failed, using local table", "key", key, "error", err)
			return s.localRow(key)
		}
		return nil
	}
	row := &sessionRow{}
	if err := json.Unmarshal(value, row); err != nil {
		logger.Warnw("dropping malformed session registry row", "key", key, "error", err)
		return nil
	}
	return row
}

// storeRow writes the registry row with the session TTL, mirroring it into
// the local table for the Redis-unavailable path.
func (s *Service) storeRow(ctx context.Context, key string, row *sessionRow) {
	s.mu.Lock()
	s.local[key] = row
	s.mu.Unlock()

	encoded, err := json.Marshal(row)
	if err != nil {
		logger.Warnw("failed to encode session registry row", "key", key, "error", err)
		return
	}
	if err := s.cache.Set(ctx, key, encoded, s.sessionTTL()); err != nil {
		logger.Warnw("session registry write failed, row kept locally", "key", key, "error", err)
	}
}

func (s *Service) localRow(key string) *sessionRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[key]
}

func (s *Service) sessionTTL() time.Duration {
	if d := time.Duration(s.cfg.SessionTTL); d > 0 {
		return d
	}
	return 15 * time.Minute
}

func (s *Service) lockWait() time.Duration {
	if d := time.Duration(s.cfg.LockWait); d > 0 {
		return d
	}
	return 10 * time.Second
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
