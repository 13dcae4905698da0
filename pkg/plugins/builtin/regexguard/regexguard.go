// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package regexguard provides a pipeline plugin that denies payloads whose
// fields match configured patterns. Fields are addressed with gjson paths
// over the JSON-encoded payload, so rules work on tool arguments and on
// upstream results alike.
package regexguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/stacklok/mcp-gateway/pkg/plugins"
)

// ConfigType is the plugin type identifier for regex deny rules.
const ConfigType = "regex_guard"

func init() {
	// Register the regex guard plugin factory with the plugins registry.
	plugins.Register(ConfigType, &Factory{})
}

// ErrNoRules is returned when the configuration declares no rules.
var ErrNoRules = errors.New("at least one rule is required")

// Config represents the regex guard plugin configuration.
type Config struct {
	// Rules are evaluated in order; the first match denies the payload.
	Rules []Rule `json:"rules" yaml:"rules"`
}

// Rule is one deny rule over a payload field.
type Rule struct {
	// Field is a gjson path evaluated against the JSON-encoded payload,
	// e.g. "args.query" or "result.content".
	Field string `json:"field" yaml:"field"`

	// Patterns are RE2 expressions; any match denies the payload.
	Patterns []string `json:"patterns" yaml:"patterns"`

	// Reason overrides the default violation reason.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Factory implements the plugins.Factory interface for regex guarding.
type Factory struct{}

// ValidateConfig validates the regex guard configuration, including that
// every pattern compiles.
func (*Factory) ValidateConfig(rawConfig json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	if len(cfg.Rules) == 0 {
		return ErrNoRules
	}
	for i, rule := range cfg.Rules {
		if rule.Field == "" {
			return fmt.Errorf("rules[%d].field is required", i)
		}
		if len(rule.Patterns) == 0 {
			return fmt.Errorf("rules[%d] needs at least one pattern", i)
		}
		for _, pattern := range rule.Patterns {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("rules[%d] pattern %q: %w", i, pattern, err)
			}
		}
	}
	return nil
}

// CreatePlugin creates a regex guard plugin instance from the configuration.
func (*Factory) CreatePlugin(name string, rawConfig json.RawMessage) (plugins.Plugin, error) {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return NewPlugin(name, cfg)
}

type compiledRule struct {
	field    string
	patterns []*regexp.Regexp
	reason   string
}

// Plugin denies payloads whose fields match configured patterns.
type Plugin struct {
	name  string
	rules []compiledRule
}

// NewPlugin creates a regex guard plugin from parsed configuration.
func NewPlugin(name string, cfg Config) (*Plugin, error) {
	if len(cfg.Rules) == 0 {
		return nil, ErrNoRules
	}

	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		if rule.Field == "" {
			return nil, fmt.Errorf("rules[%d].field is required", i)
		}
		compiled := compiledRule{field: rule.Field, reason: rule.Reason}
		for _, pattern := range rule.Patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("rules[%d] pattern %q: %w", i, pattern, err)
			}
			compiled.patterns = append(compiled.patterns, re)
		}
		rules = append(rules, compiled)
	}

	return &Plugin{name: name, rules: rules}, nil
}

// Name returns the configured instance name.
func (p *Plugin) Name() string {
	return p.name
}

// Run encodes the payload once and evaluates every rule against it. Fields
// missing from the payload do not match.
func (p *Plugin) Run(_ context.Context, _ plugins.Hook, payload any) (plugins.Outcome, error) {
	doc, err := json.Marshal(payload)
	if err != nil {
		return plugins.Outcome{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	for _, rule := range p.rules {
		field := gjson.GetBytes(doc, rule.field)
		if !field.Exists() {
			continue
		}
		// String() yields the string value for scalars and the raw JSON
		// for objects and arrays, so patterns can scan either.
		text := field.String()
		for _, re := range rule.patterns {
			if !re.MatchString(text) {
				continue
			}
			reason := rule.reason
			if reason == "" {
				reason = fmt.Sprintf("field %s matched deny pattern", rule.field)
			}
			return plugins.Block(&plugins.Violation{
				Plugin:   p.name,
				Severity: plugins.SeverityError,
				Reason:   reason,
			}), nil
		}
	}

	return plugins.Continue(payload), nil
}
