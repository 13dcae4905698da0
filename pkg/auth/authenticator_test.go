// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/config"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
)

// stubValidator implements TokenAuthenticator for tests.
type stubValidator struct {
	claims jwt.MapClaims
	err    error
}

func (s *stubValidator) ValidateToken(_ context.Context, _ string) (jwt.MapClaims, error) {
	return s.claims, s.err
}

func newRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "/mcp", nil)
	require.NoError(t, err)
	return req
}

func apiKeyConfig(key string) *config.AuthConfig {
	cfg := &config.AuthConfig{
		APIKeys: []config.APIKeyConfig{
			{KeyEnv: "TEST_KEY", UserID: "svc-ci", Email: "ci@example.com", TeamID: "platform"},
		},
	}
	cfg.APIKeys[0].SetKey(key)
	return cfg
}

func TestAuthenticator_BearerToken(t *testing.T) {
	t.Parallel()

	validator := &stubValidator{claims: jwt.MapClaims{
		"sub":     "user123",
		"email":   "alice@example.com",
		"name":    "Alice Smith",
		"teams":   []any{"eng", "sre"},
		"roles":   []any{"developer"},
		"groups":  []any{"employees"},
		"scope":   "crm:tool-1 read:reports",
		"org_id":  "org456",
		"exp":     float64(4102444800),
		"iss":     "https://idp.example.com",
		"aud":     "mcp-gateway",
	}}
	a := NewAuthenticatorWithValidator(&config.AuthConfig{}, validator)

	req := newRequest(t)
	req.Header.Set("Authorization", "Bearer some-token")

	user, err := a.Authenticate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "user123", user.UserID)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, "Alice Smith", user.FullName)
	assert.Equal(t, MethodBearer, user.AuthMethod)
	assert.Equal(t, []string{"eng", "sre"}, user.Teams)
	assert.Equal(t, "eng", user.TeamID, "team_id should default to the first team")
	assert.Equal(t, []string{"developer"}, user.Roles)
	assert.Equal(t, []string{"crm:tool-1", "read:reports"}, user.Scopes)
	assert.True(t, user.HasScope("crm:tool-1"))
	assert.False(t, user.HasScope("crm:tool-2"))
	assert.False(t, user.AuthenticatedAt.IsZero())

	// Custom claims ride along as attributes; registered claims do not.
	assert.Equal(t, "org456", user.Attributes["org_id"])
	assert.NotContains(t, user.Attributes, "exp")
	assert.NotContains(t, user.Attributes, "iss")
	assert.NotContains(t, user.Attributes, "aud")
}

func TestAuthenticator_BearerInvalidDoesNotFallThrough(t *testing.T) {
	t.Parallel()

	validator := &stubValidator{err: errors.New("signature mismatch")}
	a := NewAuthenticatorWithValidator(apiKeyConfig("valid-key"), validator)

	// A bad bearer token plus a valid API key must still fail: a presented
	// credential is validated, never silently skipped.
	req := newRequest(t)
	req.Header.Set("Authorization", "Bearer bad-token")
	req.Header.Set(APIKeyHeader, "valid-key")

	_, err := a.Authenticate(context.Background(), req)
	require.Error(t, err)
	assert.True(t, gwerrors.IsAuthInvalid(err))
}

func TestAuthenticator_BearerWithoutValidator(t *testing.T) {
	t.Parallel()

	a := NewAuthenticatorWithValidator(&config.AuthConfig{Anonymous: true}, nil)

	req := newRequest(t)
	req.Header.Set("Authorization", "Bearer some-token")

	_, err := a.Authenticate(context.Background(), req)
	require.Error(t, err)
	assert.True(t, gwerrors.IsAuthInvalid(err))
}

func TestAuthenticator_APIKey(t *testing.T) {
	t.Parallel()

	a := NewAuthenticatorWithValidator(apiKeyConfig("valid-key"), nil)

	req := newRequest(t)
	req.Header.Set(APIKeyHeader, "valid-key")

	user, err := a.Authenticate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "svc-ci", user.UserID)
	assert.Equal(t, "platform", user.TeamID)
	assert.Equal(t, MethodAPIKey, user.AuthMethod)
	assert.True(t, user.ServiceAccount)

	req = newRequest(t)
	req.Header.Set(APIKeyHeader, "wrong-key")
	_, err = a.Authenticate(context.Background(), req)
	require.Error(t, err)
	assert.True(t, gwerrors.IsAuthInvalid(err))
}

func TestAuthenticator_Basic(t *testing.T) {
	t.Parallel()

	cfg := &config.AuthConfig{
		Basic: &config.BasicAuthConfig{Username: "admin", PasswordEnv: "TEST_PW", Email: "admin@example.com"},
	}
	cfg.Basic.SetPassword("hunter2")
	a := NewAuthenticatorWithValidator(cfg, nil)

	req := newRequest(t)
	req.SetBasicAuth("admin", "hunter2")
	user, err := a.Authenticate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "admin", user.UserID, "user ID defaults to the username")
	assert.Equal(t, MethodBasic, user.AuthMethod)

	req = newRequest(t)
	req.SetBasicAuth("admin", "wrong")
	_, err = a.Authenticate(context.Background(), req)
	require.Error(t, err)
	assert.True(t, gwerrors.IsAuthInvalid(err))
}

func TestAuthenticator_SSOProxy(t *testing.T) {
	t.Parallel()

	cfg := &config.AuthConfig{
		SSOProxy: &config.SSOProxyConfig{Enabled: true},
	}
	a := NewAuthenticatorWithValidator(cfg, nil)

	req := newRequest(t)
	req.Header.Set("X-Auth-Request-User", "bob")
	req.Header.Set("X-Auth-Request-Email", "bob@example.com")
	req.Header.Set("X-Auth-Request-Groups", "eng, security")

	user, err := a.Authenticate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "bob", user.UserID)
	assert.Equal(t, "bob@example.com", user.Email)
	assert.Equal(t, []string{"eng", "security"}, user.Groups)
	assert.Equal(t, MethodSSOProxy, user.AuthMethod)
}

func TestAuthenticator_SSOProxyDisabledIgnoresHeaders(t *testing.T) {
	t.Parallel()

	a := NewAuthenticatorWithValidator(&config.AuthConfig{}, nil)

	req := newRequest(t)
	req.Header.Set("X-Auth-Request-User", "mallory")

	_, err := a.Authenticate(context.Background(), req)
	require.Error(t, err)
	assert.True(t, gwerrors.IsAuthRequired(err))
}

func TestAuthenticator_Anonymous(t *testing.T) {
	t.Parallel()

	a := NewAuthenticatorWithValidator(&config.AuthConfig{Anonymous: true}, nil)

	user, err := a.Authenticate(context.Background(), newRequest(t))
	require.NoError(t, err)
	assert.Equal(t, AnonymousUserID, user.UserID)
	assert.Equal(t, MethodAnonymous, user.AuthMethod)
	assert.True(t, user.IsAnonymous())
}

func TestAuthenticator_NoCredentialAnonymousDisabled(t *testing.T) {
	t.Parallel()

	a := NewAuthenticatorWithValidator(&config.AuthConfig{}, nil)

	_, err := a.Authenticate(context.Background(), newRequest(t))
	require.Error(t, err)
	assert.True(t, gwerrors.IsAuthRequired(err))
}

func TestAuthenticator_Middleware(t *testing.T) {
	t.Parallel()

	a := NewAuthenticatorWithValidator(apiKeyConfig("valid-key"), nil)

	var captured *UserContext
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Missing credential: 401 with a challenge, handler never runs.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Nil(t, captured)

	// Valid credential: handler runs with the user in context.
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set(APIKeyHeader, "valid-key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, captured)
	assert.Equal(t, "svc-ci", captured.UserID)
}

func TestClaimsToUser_MissingSubject(t *testing.T) {
	t.Parallel()

	_, err := claimsToUser(jwt.MapClaims{"email": "nobody@example.com"})
	require.Error(t, err)
}

func TestStringSliceClaim(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b"}, stringSliceClaim([]any{"a", "b"}))
	assert.Equal(t, []string{"a"}, stringSliceClaim("a"))
	assert.Equal(t, []string{"a"}, stringSliceClaim([]any{"a", 42}), "non-string entries are dropped")
	assert.Nil(t, stringSliceClaim(nil))
	assert.Nil(t, stringSliceClaim(""))
}
