// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/mcp-gateway/pkg/auth/token"
	"github.com/stacklok/mcp-gateway/pkg/config"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// APIKeyHeader carries API key credentials.
const APIKeyHeader = "X-API-Key"

// DefaultSSOProxyHeaderPrefix is the prefix of trusted proxy identity headers
// when none is configured. The suffixes follow the oauth2-proxy convention.
const DefaultSSOProxyHeaderPrefix = "X-Auth-Request-"

// TokenAuthenticator validates bearer tokens and returns their claims.
// The concrete *token.Validator satisfies this in production; tests
// substitute a stub.
type TokenAuthenticator interface {
	ValidateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error)
}

// Authenticator resolves request credentials into a UserContext.
//
// Credential precedence is bearer, then API key, then basic, then SSO proxy
// headers; the first credential present wins. A present-but-invalid
// credential fails the request rather than falling through to the next
// source.
type Authenticator struct {
	cfg       *config.AuthConfig
	validator TokenAuthenticator
}

// NewAuthenticator builds an Authenticator from configuration, constructing
// a JWKS-backed bearer validator when OIDC is configured.
func NewAuthenticator(ctx context.Context, cfg *config.AuthConfig) (*Authenticator, error) {
	var validator TokenAuthenticator
	if cfg != nil && cfg.OIDC != nil {
		v, err := token.NewValidator(ctx, token.ValidatorConfig{
			Issuer:   cfg.OIDC.Issuer,
			Audience: cfg.OIDC.Audience,
			JWKSURL:  cfg.OIDC.JWKSURL,
		})
		if err != nil {
			return nil, fmt.Errorf("creating token validator: %w", err)
		}
		validator = v
	}
	return NewAuthenticatorWithValidator(cfg, validator), nil
}

// NewAuthenticatorWithValidator wires a pre-built bearer validator. A nil
// validator disables the bearer credential source.
func NewAuthenticatorWithValidator(cfg *config.AuthConfig, validator TokenAuthenticator) *Authenticator {
	return &Authenticator{cfg: cfg, validator: validator}
}

// Authenticate resolves the request's credential into a UserContext.
// Returns an AuthRequired error when no credential is present and anonymous
// access is disabled, and an AuthInvalid error when a presented credential
// fails validation.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*UserContext, error) {
	if tokenString := bearerToken(r); tokenString != "" {
		return a.authenticateBearer(ctx, tokenString)
	}
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return a.authenticateAPIKey(key)
	}
	if username, password, ok := r.BasicAuth(); ok {
		return a.authenticateBasic(username, password)
	}
	if user := a.ssoProxyUser(r); user != nil {
		return user, nil
	}

	if a.cfg != nil && a.cfg.Anonymous {
		return AnonymousUser(), nil
	}
	return nil, gwerrors.NewAuthRequiredError("authentication required", nil)
}

// Middleware validates the request credential and stores the resulting
// UserContext in the request context. Unauthenticated requests are rejected
// with 401 and a WWW-Authenticate challenge.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.Authenticate(r.Context(), r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", a.buildWWWAuthenticate(err))
			http.Error(w, err.Error(), gwerrors.HTTPStatus(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// bearerToken extracts the bearer token from the Authorization header.
// Returns the empty string when the header is absent or not a bearer scheme,
// so other credential sources can be tried.
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(authHeader, "Bearer ")
}

func (a *Authenticator) authenticateBearer(ctx context.Context, tokenString string) (*UserContext, error) {
	if a.validator == nil {
		return nil, gwerrors.NewAuthInvalidError("bearer credentials are not accepted by this gateway", nil)
	}

	claims, err := a.validator.ValidateToken(ctx, tokenString)
	if err != nil {
		return nil, gwerrors.NewAuthInvalidError("token validation failed", err)
	}

	user, err := claimsToUser(claims)
	if err != nil {
		return nil, gwerrors.NewAuthInvalidError("invalid token claims", err)
	}
	return user, nil
}

func (a *Authenticator) authenticateAPIKey(key string) (*UserContext, error) {
	if a.cfg != nil {
		for i := range a.cfg.APIKeys {
			entry := &a.cfg.APIKeys[i]
			if entry.Key() == "" {
				continue
			}
			if subtle.ConstantTimeCompare([]byte(entry.Key()), []byte(key)) == 1 {
				return &UserContext{
					UserID:          entry.UserID,
					Email:           entry.Email,
					TeamID:          entry.TeamID,
					IsAdmin:         entry.IsAdmin,
					AuthMethod:      MethodAPIKey,
					AuthenticatedAt: time.Now().UTC(),
					ServiceAccount:  true,
				}, nil
			}
		}
	}
	return nil, gwerrors.NewAuthInvalidError("unknown API key", nil)
}

func (a *Authenticator) authenticateBasic(username, password string) (*UserContext, error) {
	basic := (*config.BasicAuthConfig)(nil)
	if a.cfg != nil {
		basic = a.cfg.Basic
	}
	if basic == nil || basic.Password() == "" {
		return nil, gwerrors.NewAuthInvalidError("basic credentials are not accepted by this gateway", nil)
	}

	// Compare both parts unconditionally so the response time does not
	// reveal which one mismatched.
	userOK := subtle.ConstantTimeCompare([]byte(basic.Username), []byte(username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(basic.Password()), []byte(password)) == 1
	if !userOK || !passOK {
		return nil, gwerrors.NewAuthInvalidError("invalid username or password", nil)
	}

	userID := basic.UserID
	if userID == "" {
		userID = basic.Username
	}
	return &UserContext{
		UserID:          userID,
		Email:           basic.Email,
		AuthMethod:      MethodBasic,
		AuthenticatedAt: time.Now().UTC(),
	}, nil
}

// ssoProxyUser reads identity headers asserted by a trusted fronting proxy.
// Returns nil when the source is disabled or the headers are absent.
func (a *Authenticator) ssoProxyUser(r *http.Request) *UserContext {
	if a.cfg == nil || a.cfg.SSOProxy == nil || !a.cfg.SSOProxy.Enabled {
		return nil
	}

	prefix := a.cfg.SSOProxy.HeaderPrefix
	if prefix == "" {
		prefix = DefaultSSOProxyHeaderPrefix
	}

	userID := r.Header.Get(prefix + "User")
	email := r.Header.Get(prefix + "Email")
	if userID == "" && email == "" {
		return nil
	}
	if userID == "" {
		userID = email
	}

	user := &UserContext{
		UserID:          userID,
		Email:           email,
		AuthMethod:      MethodSSOProxy,
		AuthenticatedAt: time.Now().UTC(),
	}
	if groups := r.Header.Get(prefix + "Groups"); groups != "" {
		user.Groups = splitAndTrim(groups)
	}
	return user
}

// buildWWWAuthenticate builds an RFC 6750 WWW-Authenticate value for 401
// responses. The realm is the configured issuer when OIDC is enabled.
func (a *Authenticator) buildWWWAuthenticate(err error) string {
	var parts []string
	if a.cfg != nil && a.cfg.OIDC != nil && a.cfg.OIDC.Issuer != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, EscapeQuotes(a.cfg.OIDC.Issuer)))
	}
	if gwerrors.IsAuthInvalid(err) {
		parts = append(parts, `error="invalid_token"`)
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// EscapeQuotes escapes quotes in a string for use in a quoted-string context.
func EscapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// Claims extracted into dedicated UserContext fields rather than carried in
// Attributes.
var extractedClaims = map[string]bool{
	"iss": true, "sub": true, "aud": true, "exp": true, "nbf": true,
	"iat": true, "jti": true,
	"email": true, "name": true, "is_admin": true, "groups": true,
	"roles": true, "teams": true, "team_id": true, "department": true,
	"scope": true, "scopes": true,
}

// claimsToUser converts validated JWT claims to a UserContext.
// The 'sub' claim is required per OIDC Core 1.0 section 5.1.
func claimsToUser(claims jwt.MapClaims) (*UserContext, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("missing or invalid 'sub' claim (required by OpenID Connect Core 1.0)")
	}

	user := &UserContext{
		UserID:          sub,
		AuthMethod:      MethodBearer,
		AuthenticatedAt: time.Now().UTC(),
	}

	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		user.FullName = name
	}
	if isAdmin, ok := claims["is_admin"].(bool); ok {
		user.IsAdmin = isAdmin
	}
	if department, ok := claims["department"].(string); ok {
		user.Department = department
	}

	user.Groups = stringSliceClaim(claims["groups"])
	user.Roles = stringSliceClaim(claims["roles"])
	user.Teams = stringSliceClaim(claims["teams"])
	user.Scopes = scopeClaim(claims)

	if teamID, ok := claims["team_id"].(string); ok && teamID != "" {
		user.TeamID = teamID
	} else if len(user.Teams) > 0 {
		user.TeamID = user.Teams[0]
	}

	// Remaining custom claims ride along as attributes, subject to the
	// propagation allowlist before they ever leave the gateway.
	for k, v := range claims {
		if extractedClaims[k] {
			continue
		}
		if user.Attributes == nil {
			user.Attributes = make(map[string]any)
		}
		user.Attributes[k] = v
	}

	return user, nil
}

// stringSliceClaim converts a claim value to a string slice. JSON arrays
// decode as []any; single strings are accepted as one-element slices.
func stringSliceClaim(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				logger.Debugf("Ignoring non-string claim entry of type %T", item)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// scopeClaim reads granted scopes from either the RFC 8693 space-separated
// "scope" string or a "scopes" array.
func scopeClaim(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok && s != "" {
		return strings.Fields(s)
	}
	return stringSliceClaim(claims["scopes"])
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
