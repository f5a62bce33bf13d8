// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/addielabs/mcpbroker/pkg/broker/crypto"
	"github.com/addielabs/mcpbroker/pkg/logger"
)

// Compile-time interface compliance check.
var _ Provider = (*OIDCProvider)(nil)

// OIDCProvider implements Provider for OIDC-compliant identity providers.
// Endpoints are resolved once via OIDC discovery at construction.
type OIDCProvider struct {
	config      *Config
	oauthConfig *oauth2.Config
	issuer      string
	jwksURL     string
	httpClient  *http.Client
	timeout     time.Duration
}

// OIDCProviderOption configures an OIDCProvider.
type OIDCProviderOption func(*OIDCProvider)

// WithHTTPClient sets a custom HTTP client for discovery and token calls.
func WithHTTPClient(client *http.Client) OIDCProviderOption {
	return func(p *OIDCProvider) {
		p.httpClient = client
	}
}

// NewOIDCProvider creates a new OIDC provider. It performs OIDC discovery
// against the configured issuer to resolve the authorization, token, and
// JWKS endpoints.
func NewOIDCProvider(ctx context.Context, config *Config, opts ...OIDCProviderOption) (*OIDCProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &OIDCProvider{
		config:  config,
		timeout: config.Timeout,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		},
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}

	for _, opt := range opts {
		opt(p)
	}

	discoveryCtx, cancel := context.WithTimeout(oidc.ClientContext(ctx, p.httpClient), p.timeout)
	defer cancel()

	provider, err := oidc.NewProvider(discoveryCtx, config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery failed: %v", ErrUnavailable, err)
	}

	var claims struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to read discovery document: %w", err)
	}

	p.issuer = config.Issuer
	p.jwksURL = claims.JWKSURI
	p.oauthConfig = &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RedirectURL:  config.RedirectURI,
		Endpoint:     provider.Endpoint(),
		Scopes:       config.Scopes,
	}

	logger.Infow("discovered upstream OIDC endpoints",
		"issuer", p.issuer,
		"jwks_url", p.jwksURL,
	)

	return p, nil
}

// Name returns the provider name.
func (*OIDCProvider) Name() string {
	return "oidc"
}

// Issuer returns the configured issuer identifier.
func (p *OIDCProvider) Issuer() string {
	return p.issuer
}

// JWKSURL returns the discovered JWKS endpoint.
func (p *OIDCProvider) JWKSURL() string {
	return p.jwksURL
}

// AuthorizationURL builds the URL to redirect the user-agent to the IdP.
func (p *OIDCProvider) AuthorizationURL(state, codeChallenge, nonce string) (string, error) {
	if state == "" {
		return "", errors.New("state parameter is required")
	}

	authOpts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", crypto.ChallengeMethodS256),
	}
	if nonce != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("nonce", nonce))
	}

	authURL := p.oauthConfig.AuthCodeURL(state, authOpts...)
	if _, err := url.Parse(authURL); err != nil {
		return "", fmt.Errorf("invalid authorization URL: %w", err)
	}
	return authURL, nil
}

// ExchangeCode exchanges an upstream authorization code for tokens using
// the stored PKCE verifier.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()

	token, err := p.oauthConfig.Exchange(callCtx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, classifyTokenError("code exchange", err)
	}
	return tokensFromOAuth2(token), nil
}

// RefreshTokens runs the refresh grant against the IdP.
func (p *OIDCProvider) RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error) {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()

	source := p.oauthConfig.TokenSource(callCtx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, classifyTokenError("refresh", err)
	}

	tokens := tokensFromOAuth2(token)
	// Some IdPs do not rotate refresh tokens; keep the old one usable.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// callContext bounds an outbound call and pins the provider's HTTP client.
func (p *OIDCProvider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	return context.WithTimeout(ctx, p.timeout)
}

// classifyTokenError separates IdP grant rejections (4xx) from dependency
// failures (transport errors, timeouts, 5xx).
func classifyTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if status >= 400 && status < 500 {
			logger.Warnw("upstream rejected grant",
				"operation", op,
				"status", status,
				"oauth_error", retrieveErr.ErrorCode,
			)
			return fmt.Errorf("%w: %s", ErrGrantRejected, op)
		}
	}
	logger.Errorw("upstream call failed",
		"operation", op,
		"error", err,
	)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func tokensFromOAuth2(token *oauth2.Token) *Tokens {
	tokens := &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	return tokens
}
