// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package plugins runs ordered pre/post hook chains around prompt, tool, and
// resource operations. Plugin types register factories with the package
// registry; the manager instantiates configured instances and resolves which
// chain applies to a given hook and entity.
package plugins

import (
	"context"
	"fmt"

	"github.com/stacklok/mcp-gateway/pkg/config"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// instance is one configured plugin with its enforcement mode and the hooks
// it attaches to.
type instance struct {
	name   string
	mode   string
	hooks  map[Hook]bool
	plugin Plugin
}

func (i *instance) handlesHook(hook Hook) bool {
	if len(i.hooks) == 0 {
		return true
	}
	return i.hooks[hook]
}

// Manager instantiates configured plugins and runs hook chains.
// Chain resolution: a chain listed on the entity record for a hook takes
// precedence, including an explicitly empty chain, which opts the entity out;
// otherwise the global default chain for that hook runs.
type Manager struct {
	instances map[string]*instance
	defaults  map[Hook][]string
}

// NewManager builds a manager from configuration. A nil configuration yields
// a manager whose chains are all empty, so every run is a pass-through.
func NewManager(cfg *config.PluginsConfig) (*Manager, error) {
	m := &Manager{
		instances: make(map[string]*instance),
		defaults:  make(map[Hook][]string),
	}
	if cfg == nil {
		return m, nil
	}

	for i := range cfg.Instances {
		pc := &cfg.Instances[i]

		factory := GetFactory(pc.Type)
		if factory == nil {
			return nil, fmt.Errorf("unknown plugin type %q for instance %s", pc.Type, pc.Name)
		}

		rawConfig, err := pc.RawConfig()
		if err != nil {
			return nil, err
		}
		if err := factory.ValidateConfig(rawConfig); err != nil {
			return nil, fmt.Errorf("invalid configuration for plugin %s: %w", pc.Name, err)
		}
		plugin, err := factory.CreatePlugin(pc.Name, rawConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create plugin %s: %w", pc.Name, err)
		}

		mode := pc.Mode
		if mode == "" {
			mode = ModeEnforce
		}

		hooks := make(map[Hook]bool, len(pc.Hooks))
		for _, h := range pc.Hooks {
			hooks[Hook(h)] = true
		}

		m.instances[pc.Name] = &instance{
			name:   pc.Name,
			mode:   mode,
			hooks:  hooks,
			plugin: plugin,
		}
	}

	for hook, chain := range cfg.DefaultChains {
		for _, name := range chain {
			if _, ok := m.instances[name]; !ok {
				return nil, fmt.Errorf("default chain for %s references unknown plugin instance %s", hook, name)
			}
		}
		m.defaults[Hook(hook)] = chain
	}

	return m, nil
}

// RunPre runs the resolved chain for an inbound hook. It returns the payload
// the dispatcher should proceed with, the violation that aborted the chain
// (nil when none), and any internal plugin failure.
func (m *Manager) RunPre(
	ctx context.Context, hook Hook, payload any, entityChains map[string][]string,
) (any, *Violation, error) {
	return m.run(ctx, hook, payload, entityChains)
}

// RunPost runs the resolved chain for an outbound hook over the upstream
// result, with the same semantics as RunPre.
func (m *Manager) RunPost(
	ctx context.Context, hook Hook, result any, entityChains map[string][]string,
) (any, *Violation, error) {
	return m.run(ctx, hook, result, entityChains)
}

// HasChain reports whether any chain is configured for the hook, either on
// the entity or as a global default. Dispatchers use this to skip payload
// construction entirely.
func (m *Manager) HasChain(hook Hook, entityChains map[string][]string) bool {
	return len(m.chainFor(hook, entityChains)) > 0
}

func (m *Manager) chainFor(hook Hook, entityChains map[string][]string) []string {
	if entityChains != nil {
		if chain, ok := entityChains[string(hook)]; ok {
			return chain
		}
	}
	return m.defaults[hook]
}

func (m *Manager) run(
	ctx context.Context, hook Hook, payload any, entityChains map[string][]string,
) (any, *Violation, error) {
	for _, name := range m.chainFor(hook, entityChains) {
		inst, ok := m.instances[name]
		if !ok {
			// Entity records come from the database and may reference
			// instances this deployment no longer configures.
			logger.Warnf("hook %s references unknown plugin instance %s, skipping", hook, name)
			continue
		}
		if inst.mode == ModeDisabled || !inst.handlesHook(hook) {
			continue
		}

		outcome, err := inst.plugin.Run(ctx, hook, payload)
		if err != nil {
			if inst.mode == ModeEnforceIgnoreError {
				logger.Warnf("plugin %s failed at %s, proceeding without it: %v", name, hook, err)
				continue
			}
			return payload, nil, fmt.Errorf("plugin %s failed at %s: %w", name, hook, err)
		}

		if outcome.Violation != nil {
			v := outcome.Violation
			if v.Plugin == "" {
				v.Plugin = name
			}
			if v.Severity == "" {
				v.Severity = SeverityError
			}
			if inst.mode == ModePermissive {
				logger.Warnw("plugin violation in permissive mode, continuing",
					"plugin", v.Plugin, "hook", string(hook), "severity", v.Severity, "reason", v.Reason)
				continue
			}
			return payload, v, nil
		}

		if outcome.Payload != nil {
			payload = outcome.Payload
		}
	}
	return payload, nil, nil
}
