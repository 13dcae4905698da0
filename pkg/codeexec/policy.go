// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codeexec

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
)

// SandboxPolicy bounds what sandboxed code may do. Stored as an opaque blob
// on the virtual server and decoded here.
type SandboxPolicy struct {
	// AllowRawHTTP permits direct network egress from the sandbox.
	AllowRawHTTP bool `json:"allow_raw_http,omitempty"`

	// WallClockSeconds bounds one execution. Zero uses the default.
	WallClockSeconds int `json:"wall_clock_seconds,omitempty"`

	// MemoryLimitMB and FileSizeLimitMB are forwarded to the runtime.
	MemoryLimitMB   int `json:"memory_limit_mb,omitempty"`
	FileSizeLimitMB int `json:"file_size_limit_mb,omitempty"`

	// ToolCallPermissions gates sandbox-initiated tool bridge calls.
	ToolCallPermissions *ToolCallPermissions `json:"tool_call_permissions,omitempty"`
}

// ToolCallPermissions is an allow/deny pattern pair over tool names. Deny
// wins; an empty allow list permits everything not denied.
type ToolCallPermissions struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// TokenizationPolicy configures PII tokenization for sandbox input and output.
type TokenizationPolicy struct {
	Enabled bool `json:"enabled,omitempty"`
	// Types selects which detectors run. Supported: email, phone.
	Types []string `json:"types,omitempty"`
}

// decodePolicy parses the server's sandbox policy blob. A missing blob means
// default limits.
func decodePolicy(raw json.RawMessage) (*SandboxPolicy, error) {
	policy := &SandboxPolicy{}
	if len(raw) == 0 {
		return policy, nil
	}
	if err := json.Unmarshal(raw, policy); err != nil {
		return nil, gwerrors.NewInternalError("sandbox policy is malformed", err)
	}
	return policy, nil
}

// decodeTokenization parses the server's tokenization blob.
func decodeTokenization(raw json.RawMessage) (*TokenizationPolicy, error) {
	tok := &TokenizationPolicy{}
	if len(raw) == 0 {
		return tok, nil
	}
	if err := json.Unmarshal(raw, tok); err != nil {
		return nil, gwerrors.NewInternalError("tokenization policy is malformed", err)
	}
	return tok, nil
}

// toolCallAllowed applies the bridge permission patterns to a tool name.
func (p *ToolCallPermissions) toolCallAllowed(name string) bool {
	if p == nil {
		return true
	}
	for _, pattern := range p.Deny {
		if matched, err := path.Match(pattern, name); err == nil && matched {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, pattern := range p.Allow {
		if matched, err := path.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return false
}

// mountedTools applies the server's mount rules to the candidate tools:
// includes first, then excludes. A tool is included when the server
// associates it directly, or when any include rule matches; exclusion always
// wins.
func mountedTools(server *catalog.VirtualServer, tools []*catalog.Tool) []*catalog.Tool {
	rules := server.MountRules
	associated := make(map[string]bool, len(server.ToolIDs))
	for _, id := range server.ToolIDs {
		associated[id] = true
	}

	var out []*catalog.Tool
	for _, tool := range tools {
		if tool.IntegrationType == catalog.IntegrationCodeExecution {
			continue
		}
		if !included(tool, associated, rules) {
			continue
		}
		if excluded(tool, rules) {
			continue
		}
		out = append(out, tool)
	}
	return out
}

func included(tool *catalog.Tool, associated map[string]bool, rules *catalog.MountRules) bool {
	if associated[tool.ID] {
		return true
	}
	if rules == nil {
		return false
	}
	for _, name := range rules.IncludeTools {
		if tool.Name == name {
			return true
		}
	}
	for _, id := range rules.IncludeServers {
		if tool.GatewayID != "" && tool.GatewayID == id {
			return true
		}
	}
	for _, tag := range rules.IncludeTags {
		if hasTag(tool.Tags, tag) {
			return true
		}
	}
	return false
}

func excluded(tool *catalog.Tool, rules *catalog.MountRules) bool {
	if rules == nil {
		return false
	}
	for _, name := range rules.ExcludeTools {
		if tool.Name == name {
			return true
		}
	}
	for _, id := range rules.ExcludeServers {
		if tool.GatewayID != "" && tool.GatewayID == id {
			return true
		}
	}
	for _, tag := range rules.ExcludeTags {
		if hasTag(tool.Tags, tag) {
			return true
		}
	}
	return false
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, want) {
			return true
		}
	}
	return false
}
