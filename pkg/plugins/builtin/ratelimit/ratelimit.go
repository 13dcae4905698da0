// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides a pipeline plugin that applies a token bucket
// per (user, entity) pair. Exceeding the bucket emits a violation; whether
// that blocks the request depends on the instance mode.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/plugins"
)

// ConfigType is the plugin type identifier for token bucket rate limiting.
const ConfigType = "rate_limit"

// maxBuckets bounds the limiter map; at the cap an arbitrary bucket is
// dropped to make room, which at worst refills one caller's budget early.
const maxBuckets = 16384

func init() {
	// Register the rate limit plugin factory with the plugins registry.
	plugins.Register(ConfigType, &Factory{})
}

// ErrInvalidRate is returned when the configured rate is not positive.
var ErrInvalidRate = errors.New("requests_per_second must be greater than zero")

// Config represents the rate limit plugin configuration.
type Config struct {
	// RequestsPerSecond is the sustained refill rate of each bucket.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the bucket capacity. Defaults to the integer part of
	// RequestsPerSecond, with a minimum of 1.
	Burst int `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// Factory implements the plugins.Factory interface for rate limiting.
type Factory struct{}

// ValidateConfig validates the rate limit configuration.
func (*Factory) ValidateConfig(rawConfig json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	if cfg.RequestsPerSecond <= 0 {
		return ErrInvalidRate
	}
	if cfg.Burst < 0 {
		return errors.New("burst must not be negative")
	}
	return nil
}

// CreatePlugin creates a rate limit plugin instance from the configuration.
func (*Factory) CreatePlugin(name string, rawConfig json.RawMessage) (plugins.Plugin, error) {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return NewPlugin(name, cfg)
}

// Plugin applies a token bucket per (user, entity) pair.
type Plugin struct {
	name  string
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPlugin creates a rate limit plugin from parsed configuration.
func NewPlugin(name string, cfg Config) (*Plugin, error) {
	if cfg.RequestsPerSecond <= 0 {
		return nil, ErrInvalidRate
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Plugin{
		name:     name,
		rps:      rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Name returns the configured instance name.
func (p *Plugin) Name() string {
	return p.name
}

// Run draws one token from the caller's bucket for the addressed entity.
func (p *Plugin) Run(ctx context.Context, _ plugins.Hook, payload any) (plugins.Outcome, error) {
	userID := auth.AnonymousUserID
	if user, ok := auth.UserFromContext(ctx); ok {
		userID = user.UserID
	}
	entity := plugins.EntityID(payload)

	if !p.limiterFor(userID + "\x00" + entity).Allow() {
		return plugins.Block(&plugins.Violation{
			Plugin:   p.name,
			Severity: plugins.SeverityWarn,
			Reason:   fmt.Sprintf("rate limit exceeded for %s", entity),
		}), nil
	}
	return plugins.Continue(payload), nil
}

func (p *Plugin) limiterFor(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.limiters[key]; ok {
		return l
	}
	if len(p.limiters) >= maxBuckets {
		for k := range p.limiters {
			delete(p.limiters, k)
			break
		}
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.limiters[key] = l
	return l
}
