// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultValidator implements comprehensive configuration validation.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate performs comprehensive validation of the configuration.
// Call EnsureDefaults first; validation assumes defaults are applied.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}

	var errs []string

	if err := v.validateBasicFields(cfg); err != nil {
		errs = append(errs, err.Error())
	}

	if err := v.validateAuth(cfg.Auth); err != nil {
		errs = append(errs, err.Error())
	}

	if err := v.validateIdentity(cfg.Identity); err != nil {
		errs = append(errs, err.Error())
	}

	if err := v.validateCache(cfg.Cache); err != nil {
		errs = append(errs, err.Error())
	}

	if err := v.validateSession(cfg.Session); err != nil {
		errs = append(errs, err.Error())
	}

	if err := v.validatePool(cfg.Pool); err != nil {
		errs = append(errs, err.Error())
	}

	if err := v.validatePlugins(cfg.Plugins); err != nil {
		errs = append(errs, err.Error())
	}

	if err := v.validatePassthrough(cfg.Passthrough, cfg.Plugins); err != nil {
		errs = append(errs, err.Error())
	}

	if err := v.validateCodeExecution(cfg.CodeExecution); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

func (*DefaultValidator) validateBasicFields(cfg *Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("name is required")
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if cfg.RootPath != "" && !strings.HasPrefix(cfg.RootPath, "/") {
		return fmt.Errorf("root_path must start with /")
	}

	return nil
}

func (*DefaultValidator) validateAuth(auth *AuthConfig) error {
	if auth == nil {
		return fmt.Errorf("auth is required")
	}

	hasSource := auth.Anonymous ||
		auth.OIDC != nil ||
		len(auth.APIKeys) > 0 ||
		auth.Basic != nil ||
		(auth.SSOProxy != nil && auth.SSOProxy.Enabled)
	if !hasSource {
		return fmt.Errorf("auth must enable at least one credential source or anonymous access")
	}

	if oidc := auth.OIDC; oidc != nil {
		if oidc.Issuer == "" && oidc.JWKSURL == "" {
			return fmt.Errorf("auth.oidc requires issuer or jwks_url")
		}
		if oidc.Audience == "" {
			return fmt.Errorf("auth.oidc.audience is required")
		}
	}

	for i := range auth.APIKeys {
		key := &auth.APIKeys[i]
		if key.KeyEnv == "" {
			return fmt.Errorf("auth.api_keys[%d].key_env is required", i)
		}
		if key.UserID == "" {
			return fmt.Errorf("auth.api_keys[%d].user_id is required", i)
		}
	}

	if basic := auth.Basic; basic != nil {
		if basic.Username == "" {
			return fmt.Errorf("auth.basic.username is required")
		}
		if basic.PasswordEnv == "" {
			return fmt.Errorf("auth.basic.password_env is required")
		}
	}

	return nil
}

func (*DefaultValidator) validateIdentity(identity *IdentityConfig) error {
	if identity == nil {
		return nil // defaults apply
	}

	validModes := []string{PropagationHeaders, PropagationMeta, PropagationBoth}
	if !contains(validModes, identity.PropagationMode) {
		return fmt.Errorf("identity.propagation_mode must be one of: %s", strings.Join(validModes, ", "))
	}

	if identity.SignClaims && identity.SigningSecretEnv == "" {
		return fmt.Errorf("identity.signing_secret_env is required when sign_claims is true")
	}

	return nil
}

func (*DefaultValidator) validateCache(cache *CacheConfig) error {
	if cache == nil {
		return nil // defaults apply
	}

	validProviders := []string{CacheProviderMemory, CacheProviderRedis}
	if !contains(validProviders, cache.Provider) {
		return fmt.Errorf("cache.provider must be one of: %s", strings.Join(validProviders, ", "))
	}

	if cache.Provider == CacheProviderRedis && cache.Address == "" {
		return fmt.Errorf("cache.address is required when provider is 'redis'")
	}

	return nil
}

func (*DefaultValidator) validateSession(session *SessionConfig) error {
	if session == nil {
		return nil // defaults apply
	}

	if session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}

	if session.ForwardTimeout <= 0 {
		return fmt.Errorf("session.forward_timeout must be positive")
	}

	return nil
}

func (*DefaultValidator) validatePool(pool *PoolConfig) error {
	if pool == nil {
		return nil // defaults apply
	}

	if pool.MaxPerKey <= 0 {
		return fmt.Errorf("pool.max_per_key must be positive")
	}

	if pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be positive")
	}

	if pool.TransportTimeout <= 0 {
		return fmt.Errorf("pool.transport_timeout must be positive")
	}

	if pool.SessionTTL <= 0 {
		return fmt.Errorf("pool.session_ttl must be positive")
	}

	if cb := pool.CircuitBreaker; cb != nil {
		if cb.FailureThreshold <= 0 {
			return fmt.Errorf("pool.circuit_breaker.failure_threshold must be positive")
		}
		if cb.ResetTimeout <= 0 {
			return fmt.Errorf("pool.circuit_breaker.reset_timeout must be positive")
		}
	}

	return nil
}

// validHookNames are the hook points plugin instances may attach to.
var validHookNames = []string{
	"prompt_pre_fetch", "prompt_post_fetch",
	"tool_pre_invoke", "tool_post_invoke",
	"resource_pre_fetch", "resource_post_fetch",
}

// validPluginModes are the accepted plugin enforcement modes.
var validPluginModes = []string{"enforce", "enforce_ignore_error", "permissive", "disabled"}

func (v *DefaultValidator) validatePlugins(plugins *PluginsConfig) error {
	if plugins == nil {
		return nil // plugin pipeline is optional
	}

	names := make(map[string]bool)
	for i := range plugins.Instances {
		p := &plugins.Instances[i]
		if p.Name == "" {
			return fmt.Errorf("plugins.instances[%d].name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate plugin instance name: %s", p.Name)
		}
		names[p.Name] = true

		if p.Type == "" {
			return fmt.Errorf("plugins.instances[%d].type is required", i)
		}

		if p.Mode != "" && !contains(validPluginModes, p.Mode) {
			return fmt.Errorf("plugins.instances[%d].mode must be one of: %s",
				i, strings.Join(validPluginModes, ", "))
		}

		for _, hook := range p.Hooks {
			if !contains(validHookNames, hook) {
				return fmt.Errorf("plugins.instances[%d] references unknown hook: %s", i, hook)
			}
		}
	}

	for hook, chain := range plugins.DefaultChains {
		if !contains(validHookNames, hook) {
			return fmt.Errorf("plugins.default_chains references unknown hook: %s", hook)
		}
		if err := v.validateChainRefs(chain, names); err != nil {
			return fmt.Errorf("plugins.default_chains.%s: %w", hook, err)
		}
	}

	return nil
}

func (v *DefaultValidator) validatePassthrough(pt *PassthroughConfig, plugins *PluginsConfig) error {
	if pt == nil {
		return nil // defaults apply
	}

	if pt.DefaultTimeout <= 0 {
		return fmt.Errorf("passthrough.default_timeout must be positive")
	}

	if pt.MaxRequestBytes <= 0 {
		return fmt.Errorf("passthrough.max_request_bytes must be positive")
	}

	if pt.MaxResponseBytes <= 0 {
		return fmt.Errorf("passthrough.max_response_bytes must be positive")
	}

	if pt.DefaultChains != nil {
		names := make(map[string]bool)
		if plugins != nil {
			for i := range plugins.Instances {
				names[plugins.Instances[i].Name] = true
			}
		}
		if err := v.validateChainRefs(pt.DefaultChains.Pre, names); err != nil {
			return fmt.Errorf("passthrough.default_chains.pre: %w", err)
		}
		if err := v.validateChainRefs(pt.DefaultChains.Post, names); err != nil {
			return fmt.Errorf("passthrough.default_chains.post: %w", err)
		}
	}

	return nil
}

func (*DefaultValidator) validateChainRefs(chain []string, declared map[string]bool) error {
	for _, name := range chain {
		if !declared[name] {
			return fmt.Errorf("references undeclared plugin instance: %s", name)
		}
	}
	return nil
}

func (*DefaultValidator) validateCodeExecution(ce *CodeExecutionConfig) error {
	if ce == nil || !ce.Enabled {
		return nil
	}

	if ce.BaseDir == "" {
		return fmt.Errorf("code_execution.base_dir is required when enabled")
	}

	if ce.SessionTTL <= 0 {
		return fmt.Errorf("code_execution.session_ttl must be positive")
	}

	if ce.BridgeMaxDepth <= 0 {
		return fmt.Errorf("code_execution.bridge_max_depth must be positive")
	}

	return nil
}

// Helper functions

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
