// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	"github.com/stacklok/mcp-gateway/pkg/config"
)

// Propagated identity headers. Only the propagator produces these; the
// scrubber deletes any client-supplied occurrence before they are rebuilt.
const (
	HeaderUserID              = "X-Forwarded-User-Id"
	HeaderUserEmail           = "X-Forwarded-User-Email"
	HeaderUserTeams           = "X-Forwarded-User-Teams"
	HeaderUserRoles           = "X-Forwarded-User-Roles"
	HeaderUserAdmin           = "X-Forwarded-User-Admin"
	HeaderUserAuthMethod      = "X-Forwarded-User-Auth-Method"
	HeaderUserDelegationChain = "X-Forwarded-User-Delegation-Chain"
	HeaderUserSignature       = "X-Forwarded-User-Signature"
)

// Propagator builds the identity headers and MCP _meta objects forwarded to
// upstream gateways. Per-gateway identity_propagation settings override the
// global configuration.
type Propagator struct {
	cfg *config.IdentityConfig
}

// NewPropagator creates a Propagator from the global identity configuration.
// A nil config disables propagation entirely.
func NewPropagator(cfg *config.IdentityConfig) *Propagator {
	return &Propagator{cfg: cfg}
}

// resolveMode returns the effective propagation mode for one upstream.
// The gateway record's own setting wins when present; otherwise the global
// configuration applies.
func (p *Propagator) resolveMode(gw *catalog.IdentityPropagation) (string, bool) {
	if gw != nil {
		mode := gw.Mode
		if mode == "" && p.cfg != nil {
			mode = p.cfg.PropagationMode
		}
		return mode, gw.Enabled
	}
	if p.cfg == nil || !p.cfg.PropagationEnabled {
		return "", false
	}
	return p.cfg.PropagationMode, true
}

// BuildIdentityHeaders produces the X-Forwarded-User-* headers for one
// upstream call. Returns nil when propagation is disabled for the target or
// the effective mode does not include headers.
func (p *Propagator) BuildIdentityHeaders(user *UserContext, gw *catalog.IdentityPropagation) map[string]string {
	mode, enabled := p.resolveMode(gw)
	if !enabled || user == nil {
		return nil
	}
	if mode != config.PropagationHeaders && mode != config.PropagationBoth {
		return nil
	}

	headers := map[string]string{
		HeaderUserID:         user.UserID,
		HeaderUserAdmin:      strconv.FormatBool(user.IsAdmin),
		HeaderUserAuthMethod: user.AuthMethod,
	}
	if user.Email != "" {
		headers[HeaderUserEmail] = user.Email
	}
	if len(user.Teams) > 0 {
		headers[HeaderUserTeams] = strings.Join(user.Teams, ",")
	}
	if len(user.Roles) > 0 {
		headers[HeaderUserRoles] = strings.Join(user.Roles, ",")
	}
	if len(user.DelegationChain) > 0 {
		headers[HeaderUserDelegationChain] = strings.Join(user.DelegationChain, ",")
	}

	if p.cfg != nil && p.cfg.SignClaims && p.cfg.SigningSecret() != "" {
		headers[HeaderUserSignature] = SignIdentityHeaders(p.cfg.SigningSecret(), headers)
	}
	return headers
}

// BuildIdentityMeta produces the identity object carried in the MCP _meta
// field. Returns nil when propagation is disabled for the target or the
// effective mode does not include meta.
func (p *Propagator) BuildIdentityMeta(user *UserContext, gw *catalog.IdentityPropagation) map[string]any {
	mode, enabled := p.resolveMode(gw)
	if !enabled || user == nil {
		return nil
	}
	if mode != config.PropagationMeta && mode != config.PropagationBoth {
		return nil
	}

	meta := map[string]any{
		"user_id":     user.UserID,
		"is_admin":    user.IsAdmin,
		"auth_method": user.AuthMethod,
	}
	if user.Email != "" {
		meta["email"] = user.Email
	}
	if user.FullName != "" {
		meta["full_name"] = user.FullName
	}
	if len(user.Teams) > 0 {
		meta["teams"] = user.Teams
	}
	if len(user.Roles) > 0 {
		meta["roles"] = user.Roles
	}
	if len(user.DelegationChain) > 0 {
		meta["delegation_chain"] = user.DelegationChain
	}
	if attrs := p.filterAttributes(user.Attributes); len(attrs) > 0 {
		meta["attributes"] = attrs
	}
	return meta
}

// filterAttributes applies the propagation allowlist and removes sensitive
// attributes. An empty allowlist means no attributes propagate at all.
func (p *Propagator) filterAttributes(attrs map[string]any) map[string]any {
	if p.cfg == nil || len(p.cfg.AttributeAllowlist) == 0 || len(attrs) == 0 {
		return nil
	}

	allowed := make(map[string]bool, len(p.cfg.AttributeAllowlist))
	for _, name := range p.cfg.AttributeAllowlist {
		allowed[strings.ToLower(name)] = true
	}
	sensitive := make(map[string]bool, len(p.cfg.SensitiveAttributes))
	for _, name := range p.cfg.SensitiveAttributes {
		sensitive[strings.ToLower(name)] = true
	}

	var out map[string]any
	for name, value := range attrs {
		key := strings.ToLower(name)
		if !allowed[key] || sensitive[key] {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[name] = value
	}
	return out
}

// CanonicalHeaderString renders identity headers in the form the signature
// covers: "Name: value" lines, sorted by header name, joined by newlines.
// The signature header itself is excluded.
func CanonicalHeaderString(headers map[string]string) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		if name == HeaderUserSignature {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, name+": "+headers[name])
	}
	return strings.Join(lines, "\n")
}

// SignIdentityHeaders computes the hex HMAC-SHA256 signature of the
// canonical header string under the given secret.
func SignIdentityHeaders(secret string, headers map[string]string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalHeaderString(headers)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyIdentityHeaders reports whether the given signature matches the
// canonical header string under the secret. Comparison is constant time.
func VerifyIdentityHeaders(secret string, headers map[string]string, signature string) bool {
	expected := SignIdentityHeaders(secret, headers)
	return hmac.Equal([]byte(expected), []byte(signature))
}
