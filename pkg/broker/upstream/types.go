// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

// Package upstream handles communication with the upstream OpenID Connect
// identity provider the broker delegates end-user authentication to. Any
// compliant IdP is substitutable; the broker treats it purely as an
// OAuth/OIDC peer.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds every outbound call to the IdP. Timeouts surface
// as ErrUnavailable (a retryable dependency failure), never as a grant
// rejection.
const DefaultTimeout = 10 * time.Second

// Classification sentinels for upstream failures. Wrap-and-match with
// errors.Is.
var (
	// ErrUnavailable marks transport failures, timeouts, and 5xx
	// responses from the IdP: the dependency is down, the grant may
	// still be good.
	ErrUnavailable = errors.New("upstream identity provider unavailable")

	// ErrGrantRejected marks 4xx responses from the IdP token endpoint:
	// the code or refresh token was refused and retrying will not help.
	ErrGrantRejected = errors.New("upstream identity provider rejected the grant")
)

// Config contains configuration for the upstream identity provider.
type Config struct {
	// Issuer is the IdP's issuer URL, used for OIDC discovery.
	Issuer string

	// ClientID is the broker's client ID registered with the IdP.
	ClientID string

	// ClientSecret is the broker's client secret registered with the IdP.
	ClientSecret string

	// RedirectURI is the broker's own callback endpoint; the IdP
	// redirects here after the user authenticates.
	RedirectURI string

	// Scopes are the scopes the broker requests from the IdP.
	Scopes []string

	// Timeout bounds each outbound call. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Validate checks that the configuration is complete.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("redirect URI is required")
	}
	return nil
}

// Tokens represents the tokens obtained from the upstream IdP.
type Tokens struct {
	// AccessToken is the access token from the upstream IdP.
	AccessToken string

	// RefreshToken is the refresh token from the upstream IdP, if issued.
	RefreshToken string

	// IDToken is the ID token from the upstream IdP, if issued.
	IDToken string

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time
}

// IsExpired returns true if the access token has expired.
func (t *Tokens) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// Provider is the broker's view of the upstream IdP.
type Provider interface {
	// Name returns the provider name (e.g. "oidc").
	Name() string

	// Issuer returns the discovered issuer identifier.
	Issuer() string

	// JWKSURL returns the discovered JWKS endpoint, used by the bearer
	// token verifier.
	JWKSURL() string

	// AuthorizationURL builds the URL to redirect the user-agent to.
	// state correlates the callback; codeChallenge is the broker's own
	// upstream PKCE challenge; nonce protects the ID token from replay.
	AuthorizationURL(state, codeChallenge, nonce string) (string, error)

	// ExchangeCode exchanges an upstream authorization code for tokens.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error)

	// RefreshTokens runs the refresh grant against the IdP.
	RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error)
}
