// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codeexec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
)

// maxReadBytes caps one fs_browse read.
const maxReadBytes = 1 << 20

// fileEntry describes one filesystem entry in list and stat results.
type fileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Dir     bool      `json:"dir"`
	ModTime time.Time `json:"mod_time"`
}

// fsBrowse serves list, read, and stat over the session's virtual
// filesystem. All paths are confined to the session root.
func (s *Service) fsBrowse(
	ctx context.Context, server *catalog.VirtualServer, user *auth.UserContext, args map[string]any,
) (*mcp.CallToolResult, error) {
	op := stringArg(args, "op")
	language, err := normalizeLanguage(stringArg(args, "language"))
	if err != nil {
		return nil, err
	}

	sess, err := s.ensureSession(ctx, server, userEmail(user), language)
	if err != nil {
		return nil, err
	}

	rel := stringArg(args, "path")
	full, err := resolveSessionPath(sess.Root, rel)
	if err != nil {
		return nil, err
	}

	switch op {
	case "list":
		return s.fsList(sess.Root, full)
	case "read":
		return s.fsRead(full)
	case "stat":
		return s.fsStat(sess.Root, full)
	default:
		return nil, gwerrors.NewInvalidArgsError(
			fmt.Sprintf("unknown fs_browse op %q, want list, read, or stat", op), nil)
	}
}

// resolveSessionPath joins rel onto root and rejects any result that
// escapes it.
func resolveSessionPath(root, rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	full := filepath.Clean(filepath.Join(root, filepath.FromSlash(rel)))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", gwerrors.NewForbiddenError("path escapes the session root", nil)
	}
	return full, nil
}

func (*Service) fsList(root, full string) (*mcp.CallToolResult, error) {
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fsError("list", err)
	}
	out := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == lockFile {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, newFileEntry(root, filepath.Join(full, entry.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return jsonResult(out)
}

func (*Service) fsRead(full string) (*mcp.CallToolResult, error) {
	file, err := os.Open(full)
	if err != nil {
		return nil, fsError("read", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxReadBytes+1))
	if err != nil {
		return nil, fsError("read", err)
	}
	if len(data) > maxReadBytes {
		return nil, gwerrors.NewPayloadTooLargeError("file exceeds the read limit", nil)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (*Service) fsStat(root, full string) (*mcp.CallToolResult, error) {
	info, err := os.Stat(full)
	if err != nil {
		return nil, fsError("stat", err)
	}
	return jsonResult(newFileEntry(root, full, info))
}

func newFileEntry(root, full string, info os.FileInfo) fileEntry {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		rel = info.Name()
	}
	return fileEntry{
		Name:    info.Name(),
		Path:    filepath.ToSlash(rel),
		Size:    info.Size(),
		Dir:     info.IsDir(),
		ModTime: info.ModTime(),
	}
}

func fsError(op string, err error) error {
	if os.IsNotExist(err) {
		return gwerrors.NewNotFoundError("no such file in the session", err)
	}
	return gwerrors.NewInternalError(fmt.Sprintf("fs_browse %s failed", op), err)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, gwerrors.NewInternalError("failed to encode fs_browse result", err)
	}
	return mcp.NewToolResultText(string(encoded)), nil
}
