// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for the MCP gateway.
//
// A single YAML file configures the whole process. Durations are expressed
// as strings ("30s", "5m"). Secrets are never placed in the file directly;
// fields ending in _env name an environment variable that holds the value,
// resolved once at load time.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transport type constants for upstream gateway connections.
const (
	// TransportSSE is the Server-Sent Events transport protocol.
	TransportSSE = "sse"
	// TransportStreamableHTTP is the streamable HTTP transport protocol.
	TransportStreamableHTTP = "streamable_http"
	// TransportStdio runs the upstream as a subprocess speaking
	// newline-delimited JSON-RPC.
	TransportStdio = "stdio"
)

// AllowedTransports lists the transport types accepted for upstream gateways.
var AllowedTransports = []string{TransportSSE, TransportStreamableHTTP, TransportStdio}

// Identity propagation modes.
const (
	// PropagationHeaders forwards identity as X-Forwarded-User-* headers.
	PropagationHeaders = "headers"
	// PropagationMeta forwards identity inside the MCP _meta object.
	PropagationMeta = "meta"
	// PropagationBoth forwards identity both ways.
	PropagationBoth = "both"
)

// Duration is a wrapper around time.Duration that marshals/unmarshals as a duration string.
// This ensures duration values are serialized as "30s", "1m", etc. instead of nanosecond integers.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration for one gateway worker process.
type Config struct {
	// Name identifies this gateway deployment in logs and audit records.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Host is the listen address for the HTTP surface.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// Port is the listen port for the HTTP surface.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// RootPath is an optional path prefix all routes are mounted under.
	RootPath string `json:"root_path,omitempty" yaml:"root_path,omitempty"`

	// Auth configures client authentication.
	Auth *AuthConfig `json:"auth,omitempty" yaml:"auth,omitempty"`

	// Identity configures identity propagation toward upstreams.
	Identity *IdentityConfig `json:"identity,omitempty" yaml:"identity,omitempty"`

	// Cache configures the shared cache backend.
	Cache *CacheConfig `json:"cache,omitempty" yaml:"cache,omitempty"`

	// Database configures the persistent entity store.
	Database *DatabaseConfig `json:"database,omitempty" yaml:"database,omitempty"`

	// Session configures logical client sessions.
	Session *SessionConfig `json:"session,omitempty" yaml:"session,omitempty"`

	// Pool configures the upstream MCP session pool.
	Pool *PoolConfig `json:"pool,omitempty" yaml:"pool,omitempty"`

	// Plugins configures the plugin pipeline.
	Plugins *PluginsConfig `json:"plugins,omitempty" yaml:"plugins,omitempty"`

	// Passthrough configures the REST passthrough surface.
	Passthrough *PassthroughConfig `json:"passthrough,omitempty" yaml:"passthrough,omitempty"`

	// CodeExecution configures sandbox code-execution sessions.
	CodeExecution *CodeExecutionConfig `json:"code_execution,omitempty" yaml:"code_execution,omitempty"`

	// Federation configures upstream capability discovery.
	Federation *FederationConfig `json:"federation,omitempty" yaml:"federation,omitempty"`
}

// AuthConfig configures how clients authenticate to the gateway.
// Credential precedence is bearer, then API key, then basic, then SSO proxy
// headers; the first credential present wins.
type AuthConfig struct {
	// Anonymous permits unauthenticated requests with a synthetic identity.
	Anonymous bool `json:"anonymous,omitempty" yaml:"anonymous,omitempty"`

	// OIDC configures JWKS-backed bearer token validation.
	OIDC *OIDCConfig `json:"oidc,omitempty" yaml:"oidc,omitempty"`

	// APIKeys lists accepted API keys and the identities they map to.
	APIKeys []APIKeyConfig `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`

	// Basic configures HTTP basic authentication.
	Basic *BasicAuthConfig `json:"basic,omitempty" yaml:"basic,omitempty"`

	// SSOProxy trusts identity headers set by an authenticating reverse
	// proxy in front of the gateway. Never enable without such a proxy.
	SSOProxy *SSOProxyConfig `json:"sso_proxy,omitempty" yaml:"sso_proxy,omitempty"`
}

// OIDCConfig configures bearer token validation.
type OIDCConfig struct {
	// Issuer is the OIDC issuer URL. Used for issuer claim validation and,
	// when JWKSURL is empty, for endpoint discovery.
	Issuer string `json:"issuer,omitempty" yaml:"issuer,omitempty"`

	// Audience is the expected audience claim.
	Audience string `json:"audience,omitempty" yaml:"audience,omitempty"`

	// JWKSURL is the JWKS endpoint to fetch signing keys from.
	JWKSURL string `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty"`
}

// APIKeyConfig maps one API key to a caller identity.
type APIKeyConfig struct {
	// KeyEnv names the environment variable holding the key value.
	KeyEnv string `json:"key_env" yaml:"key_env"`

	// UserID is the identity the key authenticates as.
	UserID string `json:"user_id" yaml:"user_id"`

	// Email is the identity's email address.
	Email string `json:"email,omitempty" yaml:"email,omitempty"`

	// TeamID scopes the identity to a team.
	TeamID string `json:"team_id,omitempty" yaml:"team_id,omitempty"`

	// IsAdmin grants administrative access.
	IsAdmin bool `json:"is_admin,omitempty" yaml:"is_admin,omitempty"`

	// key holds the resolved key value. Populated by the loader.
	key string
}

// Key returns the resolved API key value.
func (c *APIKeyConfig) Key() string { return c.key }

// SetKey sets the resolved API key value. The YAML loader resolves key_env
// references; programmatic configurations call this directly.
func (c *APIKeyConfig) SetKey(value string) { c.key = value }

// BasicAuthConfig configures HTTP basic authentication for one account.
type BasicAuthConfig struct {
	// Username is the accepted username.
	Username string `json:"username" yaml:"username"`

	// PasswordEnv names the environment variable holding the password.
	PasswordEnv string `json:"password_env" yaml:"password_env"`

	// UserID is the identity the account authenticates as. Defaults to
	// the username.
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`

	// Email is the identity's email address.
	Email string `json:"email,omitempty" yaml:"email,omitempty"`

	// password holds the resolved password. Populated by the loader.
	password string
}

// Password returns the resolved basic-auth password.
func (c *BasicAuthConfig) Password() string { return c.password }

// SetPassword sets the resolved basic-auth password. The YAML loader
// resolves password_env references; programmatic configurations call this
// directly.
func (c *BasicAuthConfig) SetPassword(value string) { c.password = value }

// SSOProxyConfig configures trusted identity headers from a fronting proxy.
type SSOProxyConfig struct {
	// Enabled turns the SSO proxy credential source on.
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// HeaderPrefix is the prefix of the trusted identity headers.
	HeaderPrefix string `json:"header_prefix,omitempty" yaml:"header_prefix,omitempty"`
}

// IdentityConfig configures identity propagation and scrubbing.
type IdentityConfig struct {
	// PropagationEnabled turns on X-Forwarded-User-* propagation.
	PropagationEnabled bool `json:"propagation_enabled,omitempty" yaml:"propagation_enabled,omitempty"`

	// PropagationMode selects headers, meta, or both.
	PropagationMode string `json:"propagation_mode,omitempty" yaml:"propagation_mode,omitempty"`

	// AttributeAllowlist restricts which UserContext attributes propagate.
	// Empty means no attributes propagate.
	AttributeAllowlist []string `json:"attribute_allowlist,omitempty" yaml:"attribute_allowlist,omitempty"`

	// SensitiveAttributes are never propagated regardless of the allowlist.
	SensitiveAttributes []string `json:"sensitive_attributes,omitempty" yaml:"sensitive_attributes,omitempty"`

	// SignClaims appends an HMAC-SHA256 signature header over the
	// propagated identity headers.
	SignClaims bool `json:"sign_claims,omitempty" yaml:"sign_claims,omitempty"`

	// SigningSecretEnv names the environment variable holding the HMAC key.
	SigningSecretEnv string `json:"signing_secret_env,omitempty" yaml:"signing_secret_env,omitempty"`

	// HeaderDenyList names extra request headers scrubbed before any
	// outbound call, on top of the built-in identity and correlation headers.
	HeaderDenyList []string `json:"header_deny_list,omitempty" yaml:"header_deny_list,omitempty"`

	// signingSecret holds the resolved HMAC key. Populated by the loader.
	signingSecret string
}

// SigningSecret returns the resolved HMAC signing key.
func (c *IdentityConfig) SigningSecret() string { return c.signingSecret }

// SetSigningSecret sets the resolved HMAC signing key. The YAML loader
// resolves signing_secret_env references; programmatic configurations call
// this directly.
func (c *IdentityConfig) SetSigningSecret(value string) { c.signingSecret = value }

// Cache providers.
const (
	// CacheProviderRedis uses a Redis-compatible backend.
	CacheProviderRedis = "redis"
	// CacheProviderMemory uses the in-process shim. Single worker only.
	CacheProviderMemory = "memory"
)

// CacheConfig configures the shared cache backend.
type CacheConfig struct {
	// Provider selects redis or memory.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Address is the Redis address (host:port).
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// DB is the Redis logical database.
	DB int `json:"db,omitempty" yaml:"db,omitempty"`

	// PasswordEnv names the environment variable holding the Redis password.
	PasswordEnv string `json:"password_env,omitempty" yaml:"password_env,omitempty"`

	// Prefix is prepended to every cache key this worker writes.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// password holds the resolved Redis password. Populated by the loader.
	password string
}

// Password returns the resolved Redis password.
func (c *CacheConfig) Password() string { return c.password }

// SetPassword sets the resolved cache password. The YAML loader resolves
// password_env references; programmatic configurations call this directly.
func (c *CacheConfig) SetPassword(value string) { c.password = value }

// DatabaseConfig configures the persistent entity store.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// SessionConfig configures logical client sessions.
type SessionConfig struct {
	// TTL is the idle lifetime of a session's ownership record,
	// refreshed on activity.
	TTL Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`

	// AffinityEnabled turns on cross-worker session routing. Required
	// true when more than one worker shares the cache.
	AffinityEnabled bool `json:"affinity_enabled,omitempty" yaml:"affinity_enabled,omitempty"`

	// ForwardTimeout bounds a forwarded RPC to the owning worker.
	ForwardTimeout Duration `json:"forward_timeout,omitempty" yaml:"forward_timeout,omitempty"`
}

// PoolConfig configures the upstream MCP session pool.
type PoolConfig struct {
	// MaxPerKey caps concurrent sessions per (url, identity, transport) key.
	MaxPerKey int `json:"max_per_key,omitempty" yaml:"max_per_key,omitempty"`

	// AcquireTimeout bounds waiting for a session when the key is at capacity.
	AcquireTimeout Duration `json:"acquire_timeout,omitempty" yaml:"acquire_timeout,omitempty"`

	// TransportTimeout applies to upstream connect, read, and write.
	TransportTimeout Duration `json:"transport_timeout,omitempty" yaml:"transport_timeout,omitempty"`

	// CreateTimeout bounds transport connect plus MCP initialize.
	CreateTimeout Duration `json:"create_timeout,omitempty" yaml:"create_timeout,omitempty"`

	// SessionTTL is the maximum age of a pooled session; older sessions
	// are closed on release instead of returning to the idle list.
	SessionTTL Duration `json:"session_ttl,omitempty" yaml:"session_ttl,omitempty"`

	// HealthCheckInterval is the idle age beyond which a session is
	// probed before reuse.
	HealthCheckInterval Duration `json:"health_check_interval,omitempty" yaml:"health_check_interval,omitempty"`

	// HealthCheckTimeout bounds one health probe.
	HealthCheckTimeout Duration `json:"health_check_timeout,omitempty" yaml:"health_check_timeout,omitempty"`

	// IdleEviction removes pool keys with no sessions after this long.
	IdleEviction Duration `json:"idle_eviction,omitempty" yaml:"idle_eviction,omitempty"`

	// CircuitBreaker configures the per-URL creation circuit breaker.
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
}

// CircuitBreakerConfig configures the pool's creation circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive creation failures that open the circuit.
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`

	// ResetTimeout is how long the circuit stays open before a half-open probe.
	ResetTimeout Duration `json:"reset_timeout,omitempty" yaml:"reset_timeout,omitempty"`
}

// PluginsConfig configures the plugin pipeline.
type PluginsConfig struct {
	// Instances declares the configured plugin instances.
	Instances []PluginConfig `json:"instances,omitempty" yaml:"instances,omitempty"`

	// DefaultChains maps hook names to ordered instance names, used when
	// an entity declares no chain of its own.
	DefaultChains map[string][]string `json:"default_chains,omitempty" yaml:"default_chains,omitempty"`
}

// PluginConfig declares one plugin instance.
type PluginConfig struct {
	// Name is the unique instance name referenced by chains.
	Name string `json:"name" yaml:"name"`

	// Type selects the registered plugin factory.
	Type string `json:"type" yaml:"type"`

	// Mode is enforce, enforce_ignore_error, permissive, or disabled.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Hooks lists the hooks this instance may run on. Empty means all.
	Hooks []string `json:"hooks,omitempty" yaml:"hooks,omitempty"`

	// Config carries plugin-type-specific settings.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// RawConfig returns the plugin-specific settings re-encoded as JSON for
// factory consumption.
func (p *PluginConfig) RawConfig() (json.RawMessage, error) {
	if p.Config == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(p.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config for plugin %s: %w", p.Name, err)
	}
	return raw, nil
}

// PassthroughConfig configures the REST passthrough surface.
type PassthroughConfig struct {
	// Enabled exposes /passthrough routes. Tools must also opt in.
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// DefaultTimeout bounds one passthrough upstream call when the tool
	// sets none.
	DefaultTimeout Duration `json:"default_timeout,omitempty" yaml:"default_timeout,omitempty"`

	// MaxRequestBytes caps the inbound request body.
	MaxRequestBytes int64 `json:"max_request_bytes,omitempty" yaml:"max_request_bytes,omitempty"`

	// MaxResponseBytes caps the upstream response body.
	MaxResponseBytes int64 `json:"max_response_bytes,omitempty" yaml:"max_response_bytes,omitempty"`

	// AllowPrivateNetworks permits passthrough targets on private address
	// ranges. Off unless you fully control the allowlists.
	AllowPrivateNetworks bool `json:"allow_private_networks,omitempty" yaml:"allow_private_networks,omitempty"`

	// DefaultChains names the pre and post plugin chains applied to
	// passthrough calls when the tool declares none.
	DefaultChains *PassthroughChains `json:"default_chains,omitempty" yaml:"default_chains,omitempty"`
}

// PassthroughChains names the default plugin chains for passthrough calls.
type PassthroughChains struct {
	Pre  []string `json:"pre,omitempty" yaml:"pre,omitempty"`
	Post []string `json:"post,omitempty" yaml:"post,omitempty"`
}

// CodeExecutionConfig configures sandbox code-execution sessions.
type CodeExecutionConfig struct {
	// Enabled turns code-execution dispatch on.
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// BaseDir is the shared volume all workers mount at the same path.
	BaseDir string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`

	// SessionTTL is the idle lifetime of a session registry row.
	SessionTTL Duration `json:"session_ttl,omitempty" yaml:"session_ttl,omitempty"`

	// LockWait bounds waiting for the session initialization lock.
	LockWait Duration `json:"lock_wait,omitempty" yaml:"lock_wait,omitempty"`

	// ShellExecEnabled exposes the shell_exec meta-tool.
	ShellExecEnabled bool `json:"shell_exec_enabled,omitempty" yaml:"shell_exec_enabled,omitempty"`

	// FSBrowseEnabled exposes the fs_browse meta-tool.
	FSBrowseEnabled bool `json:"fs_browse_enabled,omitempty" yaml:"fs_browse_enabled,omitempty"`

	// BridgeMaxDepth bounds recursive tool-bridge invocations.
	BridgeMaxDepth int `json:"bridge_max_depth,omitempty" yaml:"bridge_max_depth,omitempty"`
}

// FederationConfig configures upstream capability discovery.
type FederationConfig struct {
	// DiscoveryTimeout bounds one capability listing against an upstream.
	DiscoveryTimeout Duration `json:"discovery_timeout,omitempty" yaml:"discovery_timeout,omitempty"`

	// SyncOnRegister discovers capabilities immediately when a gateway
	// is registered through the admin API.
	SyncOnRegister bool `json:"sync_on_register,omitempty" yaml:"sync_on_register,omitempty"`
}
