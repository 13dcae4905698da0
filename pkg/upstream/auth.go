// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
)

// StrategyTypeUnauthenticated is the strategy used when a gateway record
// carries no auth configuration.
const StrategyTypeUnauthenticated = "unauthenticated"

// Strategy adds authentication to an outgoing upstream request.
//
// Implementations must be safe for concurrent use; a single strategy
// instance serves every gateway of its type.
type Strategy interface {
	// Name returns the strategy identifier.
	Name() string

	// Validate checks that the auth configuration carries the fields the
	// strategy needs. Called once at session creation to fail fast.
	Validate(authCfg *catalog.UpstreamAuth) error

	// Authenticate mutates req with the credentials described by authCfg.
	Authenticate(ctx context.Context, req *http.Request, authCfg *catalog.UpstreamAuth) error
}

// StrategyRegistry maps auth scheme names to strategies.
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewStrategyRegistry returns a registry pre-populated with the built-in
// strategies: unauthenticated, bearer, basic, headers, and oauth.
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{strategies: make(map[string]Strategy)}
	for _, s := range []Strategy{
		&unauthenticatedStrategy{},
		&bearerStrategy{},
		&basicStrategy{},
		&headersStrategy{},
		newOAuthStrategy(),
	} {
		_ = r.RegisterStrategy(s.Name(), s)
	}
	return r
}

// RegisterStrategy registers a strategy under name. It returns an error if
// the name is empty, the strategy is nil, or the name is already taken.
func (r *StrategyRegistry) RegisterStrategy(name string, strategy Strategy) error {
	if name == "" {
		return errors.New("strategy name cannot be empty")
	}
	if strategy == nil {
		return errors.New("strategy cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[name]; exists {
		return fmt.Errorf("strategy %q is already registered", name)
	}
	r.strategies[name] = strategy
	return nil
}

// GetStrategy retrieves a strategy by name.
func (r *StrategyRegistry) GetStrategy(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	strategy, exists := r.strategies[name]
	if !exists {
		return nil, fmt.Errorf("strategy %q not found", name)
	}
	return strategy, nil
}

// resolveStrategy picks the strategy for a gateway's auth configuration,
// defaulting to unauthenticated when none is set.
func (r *StrategyRegistry) resolveStrategy(authCfg *catalog.UpstreamAuth) (Strategy, error) {
	name := StrategyTypeUnauthenticated
	if authCfg != nil {
		name = string(authCfg.Type)
	}
	return r.GetStrategy(name)
}

// unauthenticatedStrategy sends requests unchanged.
type unauthenticatedStrategy struct{}

func (*unauthenticatedStrategy) Name() string { return StrategyTypeUnauthenticated }

func (*unauthenticatedStrategy) Validate(_ *catalog.UpstreamAuth) error { return nil }

func (*unauthenticatedStrategy) Authenticate(_ context.Context, _ *http.Request, _ *catalog.UpstreamAuth) error {
	return nil
}

// bearerStrategy sends a static bearer token in the Authorization header.
type bearerStrategy struct{}

func (*bearerStrategy) Name() string { return string(catalog.UpstreamAuthBearer) }

func (*bearerStrategy) Validate(authCfg *catalog.UpstreamAuth) error {
	if authCfg == nil || authCfg.Token == "" {
		return errors.New("bearer auth requires a token")
	}
	return nil
}

func (*bearerStrategy) Authenticate(_ context.Context, req *http.Request, authCfg *catalog.UpstreamAuth) error {
	req.Header.Set("Authorization", "Bearer "+authCfg.Token)
	return nil
}

// basicStrategy sends HTTP basic credentials.
type basicStrategy struct{}

func (*basicStrategy) Name() string { return string(catalog.UpstreamAuthBasic) }

func (*basicStrategy) Validate(authCfg *catalog.UpstreamAuth) error {
	if authCfg == nil || authCfg.Username == "" {
		return errors.New("basic auth requires a username")
	}
	return nil
}

func (*basicStrategy) Authenticate(_ context.Context, req *http.Request, authCfg *catalog.UpstreamAuth) error {
	req.SetBasicAuth(authCfg.Username, authCfg.Password)
	return nil
}

// headersStrategy sends a fixed set of headers verbatim.
type headersStrategy struct{}

func (*headersStrategy) Name() string { return string(catalog.UpstreamAuthHeaders) }

func (*headersStrategy) Validate(authCfg *catalog.UpstreamAuth) error {
	if authCfg == nil || len(authCfg.Headers) == 0 {
		return errors.New("headers auth requires at least one header")
	}
	for name := range authCfg.Headers {
		if strings.ContainsAny(name, "\r\n") {
			return fmt.Errorf("invalid header name %q", name)
		}
	}
	return nil
}

func (*headersStrategy) Authenticate(_ context.Context, req *http.Request, authCfg *catalog.UpstreamAuth) error {
	for name, value := range authCfg.Headers {
		req.Header.Set(name, value)
	}
	return nil
}

// oauthStrategy obtains tokens via the OAuth2 client credentials grant.
// Token sources are cached per (token URL, client ID, scopes) so tokens
// are reused and refreshed instead of minted per request.
type oauthStrategy struct {
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func newOAuthStrategy() *oauthStrategy {
	return &oauthStrategy{sources: make(map[string]oauth2.TokenSource)}
}

func (*oauthStrategy) Name() string { return string(catalog.UpstreamAuthOAuth) }

func (*oauthStrategy) Validate(authCfg *catalog.UpstreamAuth) error {
	if authCfg == nil || authCfg.TokenURL == "" {
		return errors.New("oauth auth requires a token_url")
	}
	if authCfg.ClientID == "" {
		return errors.New("oauth auth requires a client_id")
	}
	return nil
}

func (o *oauthStrategy) Authenticate(_ context.Context, req *http.Request, authCfg *catalog.UpstreamAuth) error {
	token, err := o.tokenSource(authCfg).Token()
	if err != nil {
		return fmt.Errorf("failed to obtain oauth token from %s: %w", authCfg.TokenURL, err)
	}
	token.SetAuthHeader(req)
	return nil
}

func (o *oauthStrategy) tokenSource(authCfg *catalog.UpstreamAuth) oauth2.TokenSource {
	key := authCfg.TokenURL + "\x00" + authCfg.ClientID + "\x00" + strings.Join(authCfg.Scopes, ",")

	o.mu.Lock()
	defer o.mu.Unlock()

	if src, ok := o.sources[key]; ok {
		return src
	}
	cfg := &clientcredentials.Config{
		ClientID:     authCfg.ClientID,
		ClientSecret: authCfg.ClientSecret,
		TokenURL:     authCfg.TokenURL,
		Scopes:       authCfg.Scopes,
	}
	// The source outlives any single request, so it is bound to the
	// background context rather than the caller's.
	src := cfg.TokenSource(context.Background())
	o.sources[key] = src
	return src
}
