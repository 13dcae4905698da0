// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cedar

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/plugins"
)

const permitAll = `permit (principal, action, resource);`

func userCtx(user *auth.UserContext) context.Context {
	return auth.WithUser(context.Background(), user)
}

func TestFactoryValidateConfig(t *testing.T) {
	t.Parallel()

	f := &Factory{}

	valid, err := json.Marshal(Config{Policies: []string{permitAll}})
	require.NoError(t, err)
	assert.NoError(t, f.ValidateConfig(valid))

	noPolicies, err := json.Marshal(Config{})
	require.NoError(t, err)
	assert.ErrorIs(t, f.ValidateConfig(noPolicies), ErrNoPolicies)

	assert.Error(t, f.ValidateConfig(json.RawMessage(`{not json`)))
}

func TestNewPluginRejectsMalformedPolicy(t *testing.T) {
	t.Parallel()

	_, err := NewPlugin("guard", Config{Policies: []string{"permit (this is not cedar"}})
	require.Error(t, err)
}

func TestNewPluginRejectsMalformedEntities(t *testing.T) {
	t.Parallel()

	_, err := NewPlugin("guard", Config{
		Policies:     []string{permitAll},
		EntitiesJSON: `{broken`,
	})
	require.Error(t, err)
}

func TestRunAllows(t *testing.T) {
	t.Parallel()

	p, err := NewPlugin("guard", Config{Policies: []string{permitAll}})
	require.NoError(t, err)

	payload := &plugins.ToolPreInvokePayload{Name: "search"}
	outcome, err := p.Run(
		userCtx(&auth.UserContext{UserID: "alice"}),
		plugins.HookToolPreInvoke, payload)

	require.NoError(t, err)
	assert.Nil(t, outcome.Violation)
	assert.Equal(t, payload, outcome.Payload)
}

func TestRunDefaultDenyProducesViolation(t *testing.T) {
	t.Parallel()

	p, err := NewPlugin("guard", Config{
		Policies: []string{`permit (principal, action, resource == Tool::"safe");`},
	})
	require.NoError(t, err)

	outcome, err := p.Run(
		userCtx(&auth.UserContext{UserID: "alice"}),
		plugins.HookToolPreInvoke,
		&plugins.ToolPreInvokePayload{Name: "dangerous"})

	require.NoError(t, err)
	require.NotNil(t, outcome.Violation)
	assert.Equal(t, "guard", outcome.Violation.Plugin)
	assert.Equal(t, plugins.SeverityError, outcome.Violation.Severity)
	assert.Contains(t, outcome.Violation.Reason, "dangerous")
}

func TestRunMissingPrincipal(t *testing.T) {
	t.Parallel()

	p, err := NewPlugin("guard", Config{Policies: []string{permitAll}})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), plugins.HookToolPreInvoke,
		&plugins.ToolPreInvokePayload{Name: "search"})
	assert.ErrorIs(t, err, ErrMissingPrincipal)
}

func TestRunAdminContextCondition(t *testing.T) {
	t.Parallel()

	p, err := NewPlugin("guard", Config{
		Policies: []string{
			`permit (principal, action, resource) when { context.user_is_admin == true };`,
		},
	})
	require.NoError(t, err)

	payload := &plugins.ToolPreInvokePayload{Name: "restart"}

	outcome, err := p.Run(
		userCtx(&auth.UserContext{UserID: "root", IsAdmin: true}),
		plugins.HookToolPreInvoke, payload)
	require.NoError(t, err)
	assert.Nil(t, outcome.Violation)

	outcome, err = p.Run(
		userCtx(&auth.UserContext{UserID: "bob"}),
		plugins.HookToolPreInvoke, payload)
	require.NoError(t, err)
	assert.NotNil(t, outcome.Violation)
}

func TestRunArgumentCondition(t *testing.T) {
	t.Parallel()

	p, err := NewPlugin("guard", Config{
		Policies: []string{
			`permit (principal, action, resource) when { context.arg_env == "staging" };`,
		},
	})
	require.NoError(t, err)

	ctx := userCtx(&auth.UserContext{UserID: "alice"})

	outcome, err := p.Run(ctx, plugins.HookToolPreInvoke,
		&plugins.ToolPreInvokePayload{Name: "deploy", Args: map[string]any{"env": "staging"}})
	require.NoError(t, err)
	assert.Nil(t, outcome.Violation)

	outcome, err = p.Run(ctx, plugins.HookToolPreInvoke,
		&plugins.ToolPreInvokePayload{Name: "deploy", Args: map[string]any{"env": "prod"}})
	require.NoError(t, err)
	assert.NotNil(t, outcome.Violation)
}

func TestRunResourceURISanitized(t *testing.T) {
	t.Parallel()

	p, err := NewPlugin("guard", Config{
		Policies: []string{
			`permit (principal, action, resource == Resource::"file____data_report_pdf");`,
		},
	})
	require.NoError(t, err)

	outcome, err := p.Run(
		userCtx(&auth.UserContext{UserID: "alice"}),
		plugins.HookResourcePreFetch,
		&plugins.ResourcePreFetchPayload{URI: "file:///data/report.pdf"})

	require.NoError(t, err)
	assert.Nil(t, outcome.Violation)
}

func TestRunGroupMembershipFromEntities(t *testing.T) {
	t.Parallel()

	entities := `[
		{"uid": {"type": "User", "id": "alice"}, "parents": [{"type": "Group", "id": "admins"}]},
		{"uid": {"type": "Group", "id": "admins"}}
	]`
	p, err := NewPlugin("guard", Config{
		Policies:     []string{`permit (principal in Group::"admins", action, resource);`},
		EntitiesJSON: entities,
	})
	require.NoError(t, err)

	payload := &plugins.ToolPreInvokePayload{Name: "search"}

	outcome, err := p.Run(userCtx(&auth.UserContext{UserID: "alice"}),
		plugins.HookToolPreInvoke, payload)
	require.NoError(t, err)
	assert.Nil(t, outcome.Violation)

	outcome, err = p.Run(userCtx(&auth.UserContext{UserID: "mallory"}),
		plugins.HookToolPreInvoke, payload)
	require.NoError(t, err)
	assert.NotNil(t, outcome.Violation)
}

func TestRunUnaddressablePayloadContinues(t *testing.T) {
	t.Parallel()

	// Everything is denied, but a payload without a resource entity is
	// not a policy subject.
	p, err := NewPlugin("guard", Config{
		Policies: []string{`forbid (principal, action, resource);`},
	})
	require.NoError(t, err)

	payload := map[string]any{"opaque": true}
	outcome, err := p.Run(userCtx(&auth.UserContext{UserID: "alice"}),
		plugins.HookToolPreInvoke, payload)

	require.NoError(t, err)
	assert.Nil(t, outcome.Violation)
	assert.Equal(t, payload, outcome.Payload)
}
