// Package session supplies the bearer tokens used for upstream calls. Tokens
// are read through a model.TokenSource handed to the invoker; nothing here is
// process-global.
package session

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

// defaultRevocationTTL applies when a forwarded token carries no exp claim.
const defaultRevocationTTL = time.Hour

// ForwardedTokenSource forwards the caller's own bearer token upstream.
// Invalidate revokes it so later requests on the same session are refused.
type ForwardedTokenSource struct {
	revoked *Revocations
}

// NewForwardedTokenSource creates a token source backed by the given
// revocation set, which may be nil.
func NewForwardedTokenSource(revoked *Revocations) *ForwardedTokenSource {
	return &ForwardedTokenSource{revoked: revoked}
}

// Token returns the caller's bearer token.
func (s *ForwardedTokenSource) Token(_ context.Context, rctx *model.RequestContext, _ string) (string, error) {
	if rctx == nil || rctx.Token == "" {
		return "", model.NewUnauthorizedError("no session token")
	}
	if s.revoked.IsRevoked(rctx.Token) {
		return "", model.NewUnauthorizedError("session has been invalidated")
	}
	return rctx.Token, nil
}

// Invalidate revokes the caller's token until its expiry.
func (s *ForwardedTokenSource) Invalidate(_ context.Context, rctx *model.RequestContext, _ string) {
	if rctx == nil || rctx.Token == "" {
		return
	}
	s.revoked.Revoke(rctx.Token, tokenExpiry(rctx))
}

func tokenExpiry(rctx *model.RequestContext) time.Time {
	switch exp := rctx.Claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0)
	case int64:
		return time.Unix(exp, 0)
	case time.Time:
		return exp
	}
	return time.Now().Add(defaultRevocationTTL)
}

// ClientCredentialsTokenSource obtains service tokens with the OAuth2
// client-credentials grant. Each service's token is cached until it expires
// or is invalidated; concurrent refreshes for one service share one fetch.
type ClientCredentialsTokenSource struct {
	configs map[string]*clientcredentials.Config
	client  *http.Client
	logger  *zap.Logger

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
	group  singleflight.Group
}

// NewClientCredentialsTokenSource builds a source for every service whose
// auth strategy is client_credentials. Secrets are read through getenv.
func NewClientCredentialsTokenSource(services map[string]config.ServiceConfig, getenv func(string) string, logger *zap.Logger) *ClientCredentialsTokenSource {
	if getenv == nil {
		getenv = os.Getenv
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ClientCredentialsTokenSource{
		configs: make(map[string]*clientcredentials.Config),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		tokens:  make(map[string]*oauth2.Token),
	}
	for id, svc := range services {
		if svc.Auth.Strategy != config.AuthClientCredentials {
			continue
		}
		s.configs[id] = &clientcredentials.Config{
			ClientID:     svc.Auth.ClientID,
			ClientSecret: getenv(svc.Auth.ClientSecretEnv),
			TokenURL:     svc.Auth.TokenEndpoint,
			Scopes:       svc.Auth.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
	}
	return s
}

// Handles reports whether serviceID is configured for client credentials.
func (s *ClientCredentialsTokenSource) Handles(serviceID string) bool {
	_, ok := s.configs[serviceID]
	return ok
}

// Token returns a valid access token for serviceID, fetching one if needed.
func (s *ClientCredentialsTokenSource) Token(ctx context.Context, _ *model.RequestContext, serviceID string) (string, error) {
	cfg, ok := s.configs[serviceID]
	if !ok {
		return "", fmt.Errorf("session: service %q has no client credentials", serviceID)
	}

	s.mu.Lock()
	tok := s.tokens[serviceID]
	s.mu.Unlock()
	if tok.Valid() {
		return tok.AccessToken, nil
	}

	v, err, _ := s.group.Do(serviceID, func() (any, error) {
		fetchCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, s.client)
		fresh, err := cfg.Token(fetchCtx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.tokens[serviceID] = fresh
		s.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		s.logger.Warn("client credentials token fetch failed",
			zap.String("service_id", serviceID),
			zap.Error(err),
		)
		return "", model.NewBackendUnavailableError()
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// Invalidate drops the cached token for serviceID.
func (s *ClientCredentialsTokenSource) Invalidate(_ context.Context, _ *model.RequestContext, serviceID string) {
	s.mu.Lock()
	delete(s.tokens, serviceID)
	s.mu.Unlock()
}

// Router picks a token source per upstream service: client credentials where
// configured, the caller's forwarded token otherwise.
type Router struct {
	forwarded *ForwardedTokenSource
	service   *ClientCredentialsTokenSource
}

// NewRouter creates a Router.
func NewRouter(forwarded *ForwardedTokenSource, service *ClientCredentialsTokenSource) *Router {
	return &Router{forwarded: forwarded, service: service}
}

func (r *Router) pick(serviceID string) model.TokenSource {
	if r.service != nil && r.service.Handles(serviceID) {
		return r.service
	}
	return r.forwarded
}

// Token implements model.TokenSource.
func (r *Router) Token(ctx context.Context, rctx *model.RequestContext, serviceID string) (string, error) {
	return r.pick(serviceID).Token(ctx, rctx, serviceID)
}

// Invalidate implements model.TokenSource.
func (r *Router) Invalidate(ctx context.Context, rctx *model.RequestContext, serviceID string) {
	r.pick(serviceID).Invalidate(ctx, rctx, serviceID)
}
