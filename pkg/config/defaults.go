// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"dario.cat/mergo"
)

// Default constants for operational configuration.
const (
	// defaultHost is the default listen address.
	defaultHost = "0.0.0.0"

	// defaultPort is the default listen port.
	defaultPort = 4444

	// defaultDatabasePath is the SQLite file used when none is configured.
	defaultDatabasePath = "mcp-gateway.db"

	// defaultSessionTTL is the idle lifetime of a session ownership record.
	defaultSessionTTL = 300 * time.Second

	// defaultForwardTimeout bounds a forwarded RPC to the owning worker.
	defaultForwardTimeout = 30 * time.Second

	// defaultPoolMaxPerKey caps concurrent sessions per pool key.
	defaultPoolMaxPerKey = 10

	// defaultAcquireTimeout bounds waiting for a session at capacity.
	defaultAcquireTimeout = 30 * time.Second

	// defaultTransportTimeout applies to upstream connect/read/write.
	defaultTransportTimeout = 30 * time.Second

	// defaultCreateTimeout bounds transport connect plus MCP initialize.
	defaultCreateTimeout = 30 * time.Second

	// defaultPoolSessionTTL is the maximum age of a pooled session.
	defaultPoolSessionTTL = 600 * time.Second

	// defaultHealthCheckInterval is the idle age beyond which a pooled
	// session is probed before reuse.
	defaultHealthCheckInterval = 60 * time.Second

	// defaultHealthCheckTimeout bounds one health probe.
	defaultHealthCheckTimeout = 5 * time.Second

	// defaultIdleEviction removes empty pool keys after this long.
	defaultIdleEviction = 600 * time.Second

	// defaultBreakerFailureThreshold is the consecutive creation failures
	// that open the circuit.
	defaultBreakerFailureThreshold = 5

	// defaultBreakerResetTimeout is how long the circuit stays open.
	defaultBreakerResetTimeout = 60 * time.Second

	// defaultPassthroughTimeout bounds one passthrough upstream call.
	defaultPassthroughTimeout = 30 * time.Second

	// defaultMaxRequestBytes caps the inbound passthrough request body.
	defaultMaxRequestBytes = 10 * 1024 * 1024

	// defaultMaxResponseBytes caps the passthrough upstream response body.
	defaultMaxResponseBytes = 50 * 1024 * 1024

	// defaultCodeExecSessionTTL is the idle lifetime of a code-execution
	// session registry row.
	defaultCodeExecSessionTTL = 900 * time.Second

	// defaultCodeExecLockWait bounds waiting for the session init lock.
	defaultCodeExecLockWait = 10 * time.Second

	// defaultBridgeMaxDepth bounds recursive tool-bridge invocations.
	defaultBridgeMaxDepth = 3

	// defaultDiscoveryTimeout bounds one capability listing.
	defaultDiscoveryTimeout = 30 * time.Second
)

// DefaultSessionConfig returns a fully populated SessionConfig.
// This is the single source of truth for session defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		TTL:            Duration(defaultSessionTTL),
		ForwardTimeout: Duration(defaultForwardTimeout),
	}
}

// DefaultPoolConfig returns a fully populated PoolConfig.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxPerKey:           defaultPoolMaxPerKey,
		AcquireTimeout:      Duration(defaultAcquireTimeout),
		TransportTimeout:    Duration(defaultTransportTimeout),
		CreateTimeout:       Duration(defaultCreateTimeout),
		SessionTTL:          Duration(defaultPoolSessionTTL),
		HealthCheckInterval: Duration(defaultHealthCheckInterval),
		HealthCheckTimeout:  Duration(defaultHealthCheckTimeout),
		IdleEviction:        Duration(defaultIdleEviction),
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: defaultBreakerFailureThreshold,
			ResetTimeout:     Duration(defaultBreakerResetTimeout),
		},
	}
}

// DefaultPassthroughConfig returns a fully populated PassthroughConfig.
func DefaultPassthroughConfig() *PassthroughConfig {
	return &PassthroughConfig{
		DefaultTimeout:   Duration(defaultPassthroughTimeout),
		MaxRequestBytes:  defaultMaxRequestBytes,
		MaxResponseBytes: defaultMaxResponseBytes,
	}
}

// DefaultCodeExecutionConfig returns a fully populated CodeExecutionConfig.
func DefaultCodeExecutionConfig() *CodeExecutionConfig {
	return &CodeExecutionConfig{
		SessionTTL:     Duration(defaultCodeExecSessionTTL),
		LockWait:       Duration(defaultCodeExecLockWait),
		BridgeMaxDepth: defaultBridgeMaxDepth,
	}
}

// DefaultFederationConfig returns a fully populated FederationConfig.
func DefaultFederationConfig() *FederationConfig {
	return &FederationConfig{
		DiscoveryTimeout: Duration(defaultDiscoveryTimeout),
	}
}

// DefaultCacheConfig returns a fully populated CacheConfig.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Provider: CacheProviderMemory,
		Prefix:   "mcpgw",
	}
}

// DefaultIdentityConfig returns a fully populated IdentityConfig.
func DefaultIdentityConfig() *IdentityConfig {
	return &IdentityConfig{
		PropagationMode: PropagationHeaders,
		SensitiveAttributes: []string{
			"password", "secret", "token", "api_key", "authorization",
		},
	}
}

// EnsureDefaults fills any missing sections and zero-valued fields with
// defaults while preserving user-provided values.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}

	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}

	if c.Database == nil {
		c.Database = &DatabaseConfig{Path: defaultDatabasePath}
	} else if c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath
	}

	if c.Session == nil {
		c.Session = DefaultSessionConfig()
	} else {
		// Merge defaults into target, only filling zero/nil values.
		// User-provided values are preserved.
		_ = mergo.Merge(c.Session, DefaultSessionConfig())
	}

	if c.Pool == nil {
		c.Pool = DefaultPoolConfig()
	} else {
		_ = mergo.Merge(c.Pool, DefaultPoolConfig())
	}

	if c.Passthrough == nil {
		c.Passthrough = DefaultPassthroughConfig()
	} else {
		_ = mergo.Merge(c.Passthrough, DefaultPassthroughConfig())
	}

	if c.CodeExecution == nil {
		c.CodeExecution = DefaultCodeExecutionConfig()
	} else {
		_ = mergo.Merge(c.CodeExecution, DefaultCodeExecutionConfig())
	}

	if c.Federation == nil {
		c.Federation = DefaultFederationConfig()
	} else {
		_ = mergo.Merge(c.Federation, DefaultFederationConfig())
	}

	if c.Cache == nil {
		c.Cache = DefaultCacheConfig()
	} else {
		_ = mergo.Merge(c.Cache, DefaultCacheConfig())
	}

	if c.Identity == nil {
		c.Identity = DefaultIdentityConfig()
	} else {
		_ = mergo.Merge(c.Identity, DefaultIdentityConfig())
	}
}
