// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Plugin is one configured pipeline stage. Implementations must be
// deterministic with respect to their inputs for a given configuration and
// must treat payload fields they do not understand as opaque pass-through.
type Plugin interface {
	// Name returns the instance name used in chain references and violations.
	Name() string

	// Run executes the plugin at one hook point. A returned error is an
	// internal plugin failure, not a policy decision; policy decisions are
	// expressed through the outcome's Violation.
	Run(ctx context.Context, hook Hook, payload any) (Outcome, error)
}

// Factory is the interface plugin implementations satisfy to register
// themselves with the registry. Each plugin type provides validation and
// instantiation from its specific configuration format.
type Factory interface {
	// ValidateConfig validates the plugin-specific configuration.
	// The rawConfig is the JSON-encoded plugin configuration.
	ValidateConfig(rawConfig json.RawMessage) error

	// CreatePlugin creates a Plugin instance from the configuration.
	CreatePlugin(name string, rawConfig json.RawMessage) (Plugin, error)
}

// registry holds the registered plugin factories, keyed by plugin type.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register registers a Factory for the given plugin type. This is typically
// called from an init() function in the plugin package. It panics if a
// factory is already registered for the type.
func Register(pluginType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[pluginType]; exists {
		panic(fmt.Sprintf("plugin factory already registered for type: %s", pluginType))
	}
	registry[pluginType] = factory
}

// GetFactory returns the Factory for the given plugin type.
// Returns nil if no factory is registered for the type.
func GetFactory(pluginType string) Factory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	return registry[pluginType]
}

// IsRegistered returns true if a factory is registered for the given type.
func IsRegistered(pluginType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()

	_, exists := registry[pluginType]
	return exists
}

// RegisteredTypes returns a list of all registered plugin types.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}
