// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codeexec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
)

func TestMountedTools(t *testing.T) {
	t.Parallel()

	tools := []*catalog.Tool{
		{ID: "t1", Name: "associated"},
		{ID: "t2", Name: "tagged", Tags: []string{"math"}},
		{ID: "t3", Name: "bad", Tags: []string{"math"}},
		{ID: "t4", Name: "unrelated"},
		{ID: "t5", Name: "shell_exec", IntegrationType: catalog.IntegrationCodeExecution},
		{ID: "t6", Name: "from-upstream", GatewayID: "gw1"},
	}
	server := &catalog.VirtualServer{
		ToolIDs: []string{"t1"},
		MountRules: &catalog.MountRules{
			IncludeTags:    []string{"math"},
			IncludeServers: []string{"gw1"},
			ExcludeTools:   []string{"bad"},
		},
	}

	mounted := mountedTools(server, tools)
	names := make([]string, 0, len(mounted))
	for _, tool := range mounted {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"associated", "tagged", "from-upstream"}, names)
}

func TestMountedTools_ExcludeWins(t *testing.T) {
	t.Parallel()

	tools := []*catalog.Tool{{ID: "t1", Name: "x", Tags: []string{"keep", "drop"}}}
	server := &catalog.VirtualServer{
		MountRules: &catalog.MountRules{
			IncludeTags: []string{"keep"},
			ExcludeTags: []string{"drop"},
		},
	}
	assert.Empty(t, mountedTools(server, tools))
}

func TestToolCallAllowed(t *testing.T) {
	t.Parallel()

	var nilPerms *ToolCallPermissions
	assert.True(t, nilPerms.toolCallAllowed("anything"))

	denyOnly := &ToolCallPermissions{Deny: []string{"admin_*"}}
	assert.False(t, denyOnly.toolCallAllowed("admin_reset"))
	assert.True(t, denyOnly.toolCallAllowed("search"))

	allowList := &ToolCallPermissions{Allow: []string{"search_*"}}
	assert.True(t, allowList.toolCallAllowed("search_issues"))
	assert.False(t, allowList.toolCallAllowed("delete_repo"))

	both := &ToolCallPermissions{Allow: []string{"search_*"}, Deny: []string{"search_private"}}
	assert.False(t, both.toolCallAllowed("search_private"), "deny wins over allow")
}

func TestDecodePolicy(t *testing.T) {
	t.Parallel()

	policy, err := decodePolicy(nil)
	require.NoError(t, err)
	assert.False(t, policy.AllowRawHTTP)

	policy, err = decodePolicy(json.RawMessage(`{"wall_clock_seconds":5,"allow_raw_http":true}`))
	require.NoError(t, err)
	assert.True(t, policy.AllowRawHTTP)
	assert.Equal(t, 5, policy.WallClockSeconds)

	_, err = decodePolicy(json.RawMessage(`{broken`))
	assert.Error(t, err)
}

func TestValidateCode(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validateCode(LanguagePython, "print('hi')", nil))
	assert.Error(t, validateCode(LanguagePython, "shutil.rmtree('/')", nil))
	assert.Error(t, validateCode(LanguageDeno, "new Deno.Command('sh')", nil))
	assert.Error(t, validateCode(LanguageDeno, "await fetch('http://x')", nil))
	assert.NoError(t, validateCode(LanguageDeno, "await fetch('http://x')",
		&SandboxPolicy{AllowRawHTTP: true}))
}

func TestNormalizeLanguage(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"":           LanguagePython,
		"python":     LanguagePython,
		"Python3":    LanguagePython,
		"typescript": LanguageDeno,
		"js":         LanguageDeno,
	} {
		got, err := normalizeLanguage(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := normalizeLanguage("cobol")
	assert.Error(t, err)
}
