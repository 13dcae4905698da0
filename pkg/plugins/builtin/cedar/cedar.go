// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cedar provides a pipeline plugin that evaluates Cedar policies
// against hook payloads. The principal is the authenticated user, the action
// is the hook name, and the resource is the tool, prompt, or resource the
// payload addresses.
package cedar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cedar "github.com/cedar-policy/cedar-go"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/plugins"
)

// ConfigType is the plugin type identifier for Cedar policy evaluation.
const ConfigType = "cedar"

func init() {
	// Register the Cedar plugin factory with the plugins registry.
	plugins.Register(ConfigType, &Factory{})
}

// Common errors for Cedar policy evaluation
var (
	ErrNoPolicies       = errors.New("at least one policy is required")
	ErrMissingPrincipal = errors.New("no authenticated user in context")
)

// Config represents the Cedar-specific plugin configuration.
type Config struct {
	// Policies is a list of Cedar policy strings.
	Policies []string `json:"policies" yaml:"policies"`

	// EntitiesJSON is the JSON string representing Cedar entities.
	EntitiesJSON string `json:"entities_json,omitempty" yaml:"entities_json,omitempty"`
}

// Factory implements the plugins.Factory interface for Cedar.
type Factory struct{}

// ValidateConfig validates the Cedar-specific configuration.
func (*Factory) ValidateConfig(rawConfig json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	if len(cfg.Policies) == 0 {
		return ErrNoPolicies
	}
	return nil
}

// CreatePlugin creates a Cedar plugin instance from the configuration.
func (*Factory) CreatePlugin(name string, rawConfig json.RawMessage) (plugins.Plugin, error) {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return NewPlugin(name, cfg)
}

// Plugin evaluates Cedar policies at hook points.
type Plugin struct {
	name      string
	policySet *cedar.PolicySet
	entities  cedar.EntityMap
}

// NewPlugin creates a Cedar plugin from parsed configuration.
func NewPlugin(name string, cfg Config) (*Plugin, error) {
	if len(cfg.Policies) == 0 {
		return nil, ErrNoPolicies
	}

	policySet := cedar.NewPolicySet()
	for i, policyStr := range cfg.Policies {
		var policy cedar.Policy
		if err := policy.UnmarshalCedar([]byte(policyStr)); err != nil {
			return nil, fmt.Errorf("failed to parse policy %d: %w", i, err)
		}
		policySet.Add(cedar.PolicyID(fmt.Sprintf("policy%d", i)), &policy)
	}

	entities := cedar.EntityMap{}
	if cfg.EntitiesJSON != "" {
		if err := json.Unmarshal([]byte(cfg.EntitiesJSON), &entities); err != nil {
			return nil, fmt.Errorf("failed to parse entities JSON: %w", err)
		}
	}

	return &Plugin{name: name, policySet: policySet, entities: entities}, nil
}

// Name returns the configured instance name.
func (p *Plugin) Name() string {
	return p.name
}

// Run evaluates the policy set against the hook payload. A deny decision
// produces a violation; evaluation errors are internal failures.
func (p *Plugin) Run(ctx context.Context, hook plugins.Hook, payload any) (plugins.Outcome, error) {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return plugins.Outcome{}, ErrMissingPrincipal
	}

	resource, ok := resourceUID(payload)
	if !ok {
		// Payload types without an addressable entity are not policy subjects.
		return plugins.Continue(payload), nil
	}

	req := cedar.Request{
		Principal: cedar.NewEntityUID("User", cedar.String(user.UserID)),
		Action:    cedar.NewEntityUID("Action", cedar.String(string(hook))),
		Resource:  resource,
		Context:   requestContext(user, hook, payload),
	}

	decision, diagnostic := cedar.Authorize(p.policySet, p.entities, req)
	if len(diagnostic.Errors) > 0 {
		return plugins.Outcome{}, fmt.Errorf("policy evaluation failed: %v", diagnostic.Errors)
	}
	if decision != cedar.Allow {
		return plugins.Block(&plugins.Violation{
			Plugin:   p.name,
			Severity: plugins.SeverityError,
			Reason:   fmt.Sprintf("policy denied %s on %s", hook, plugins.EntityID(payload)),
		}), nil
	}

	return plugins.Continue(payload), nil
}

// resourceUID maps a payload to the Cedar resource entity it addresses.
func resourceUID(payload any) (cedar.EntityUID, bool) {
	switch p := payload.(type) {
	case *plugins.ToolPreInvokePayload:
		return cedar.NewEntityUID("Tool", cedar.String(p.Name)), true
	case *plugins.ToolPostInvokePayload:
		return cedar.NewEntityUID("Tool", cedar.String(p.Name)), true
	case *plugins.PromptPreFetchPayload:
		return cedar.NewEntityUID("Prompt", cedar.String(p.Name)), true
	case *plugins.PromptPostFetchPayload:
		return cedar.NewEntityUID("Prompt", cedar.String(p.Name)), true
	case *plugins.ResourcePreFetchPayload:
		return cedar.NewEntityUID("Resource", cedar.String(sanitizeURIForCedar(p.URI))), true
	case *plugins.ResourcePostFetchPayload:
		return cedar.NewEntityUID("Resource", cedar.String(sanitizeURIForCedar(p.URI))), true
	}
	return cedar.EntityUID{}, false
}

// requestContext builds the Cedar context record: user identity fields plus
// arg_-prefixed payload arguments.
func requestContext(user *auth.UserContext, hook plugins.Hook, payload any) cedar.Record {
	contextMap := map[string]any{
		"hook":          string(hook),
		"user_id":       user.UserID,
		"user_email":    user.Email,
		"user_is_admin": user.IsAdmin,
		"user_teams":    user.Teams,
		"user_roles":    user.Roles,
	}
	for k, v := range preprocessArguments(plugins.Arguments(payload)) {
		contextMap[k] = v
	}
	return convertMapToCedarRecord(contextMap)
}

// preprocessArguments adds an "arg_" prefix to all argument keys.
// For complex types, it just notes their presence with an "_present" suffix.
func preprocessArguments(arguments map[string]any) map[string]any {
	if arguments == nil {
		return nil
	}

	preprocessed := make(map[string]any)
	for k, v := range arguments {
		argKey := "arg_" + k
		switch val := v.(type) {
		case string, bool, int, int64, float64:
			preprocessed[argKey] = val
		default:
			preprocessed[argKey+"_present"] = true
		}
	}
	return preprocessed
}
