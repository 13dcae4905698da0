// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth turns raw authentication material into a UserContext and
// controls how identity crosses the upstream boundary: propagation headers,
// MCP _meta objects, header scrubbing, and the identity hash that keys the
// upstream session pool.
package auth

import (
	"encoding/json"
	"fmt"
	"time"
)

// Authentication methods recorded on a UserContext.
const (
	// MethodBearer is a validated OIDC bearer token.
	MethodBearer = "bearer"
	// MethodAPIKey is a configured API key.
	MethodAPIKey = "api_key"
	// MethodBasic is HTTP basic authentication.
	MethodBasic = "basic"
	// MethodSSOProxy is identity asserted by a trusted fronting proxy.
	MethodSSOProxy = "sso_proxy"
	// MethodAnonymous is the synthetic identity minted when anonymous
	// access is enabled and no credential is presented.
	MethodAnonymous = "anonymous"
)

// AnonymousUserID is the user ID of the synthetic anonymous identity.
const AnonymousUserID = "anonymous"

// UserContext is the full identity record for one authenticated request.
// It is populated by the authenticator and carried in the request context
// for the lifetime of the request.
type UserContext struct {
	// UserID is the stable principal identifier (the 'sub' claim for
	// bearer tokens, the configured user ID otherwise).
	UserID string `json:"user_id"`

	// Email is the principal's email address, if known.
	Email string `json:"email,omitempty"`

	// FullName is the human-readable name, if known.
	FullName string `json:"full_name,omitempty"`

	// IsAdmin grants administrative access to the gateway surface.
	IsAdmin bool `json:"is_admin,omitempty"`

	// Groups are the directory groups the principal belongs to.
	Groups []string `json:"groups,omitempty"`

	// Roles are the application roles granted to the principal.
	Roles []string `json:"roles,omitempty"`

	// Scopes are the OAuth scope values granted to a bearer credential.
	// Empty for every other credential source.
	Scopes []string `json:"scopes,omitempty"`

	// TeamID is the principal's primary team, used for visibility scoping.
	TeamID string `json:"team_id,omitempty"`

	// Teams lists every team the principal belongs to.
	Teams []string `json:"teams,omitempty"`

	// Department is an optional organizational attribute.
	Department string `json:"department,omitempty"`

	// Attributes holds additional claims from the credential. Propagation
	// filters this map through the configured allowlist; it is never
	// forwarded wholesale.
	Attributes map[string]any `json:"attributes,omitempty"`

	// AuthMethod records which credential authenticated the request.
	AuthMethod string `json:"auth_method"`

	// AuthenticatedAt is when the credential was validated.
	AuthenticatedAt time.Time `json:"authenticated_at"`

	// ServiceAccount marks machine identities.
	ServiceAccount bool `json:"service_account,omitempty"`

	// DelegationChain lists upstream principals when a request was made
	// on behalf of another identity. The last entry is the immediate
	// caller.
	DelegationChain []string `json:"delegation_chain,omitempty"`
}

// String returns a short representation safe for logging.
func (u *UserContext) String() string {
	if u == nil {
		return "<nil>"
	}
	return fmt.Sprintf("UserContext{UserID:%q, AuthMethod:%q}", u.UserID, u.AuthMethod)
}

// IsAnonymous reports whether this is the synthetic anonymous identity.
func (u *UserContext) IsAnonymous() bool {
	return u != nil && u.AuthMethod == MethodAnonymous
}

// HasScope reports whether the credential carries the given scope value.
// Scope values are opaque strings matched by equality.
func (u *UserContext) HasScope(scope string) bool {
	if u == nil {
		return false
	}
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// MarshalJSON implements json.Marshaler. Attribute values are rendered as-is;
// credential material never enters a UserContext, so no redaction is needed
// beyond what the propagation allowlist enforces.
func (u *UserContext) MarshalJSON() ([]byte, error) {
	if u == nil {
		return []byte("null"), nil
	}
	type plain UserContext
	return json.Marshal((*plain)(u))
}

// AnonymousUser mints the synthetic identity used when anonymous access is
// enabled and the request carries no credential.
func AnonymousUser() *UserContext {
	return &UserContext{
		UserID:          AnonymousUserID,
		Email:           "anonymous@localhost",
		FullName:        "Anonymous User",
		AuthMethod:      MethodAnonymous,
		AuthenticatedAt: time.Now().UTC(),
	}
}
