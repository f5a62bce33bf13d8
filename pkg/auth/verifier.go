// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Common errors
var (
	ErrNoToken         = errors.New("no token provided")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")

	// ErrJWKSUnavailable means the verifier could not obtain signing keys
	// from the IdP. This is a dependency failure of the broker, not a
	// defect of the presented token, and callers must surface it as a
	// 5xx rather than 401.
	ErrJWKSUnavailable = errors.New("JWKS unavailable")

	ErrMissingJWKSURL = errors.New("missing JWKS URL")
)

const jwksRegistrationTimeout = 5 * time.Second

// VerifierConfig contains configuration for the token verifier.
type VerifierConfig struct {
	// Issuer is the expected iss claim (the upstream IdP issuer URL).
	Issuer string

	// Audience is the expected audience; empty disables the check.
	Audience string

	// JWKSURL is the IdP's JWKS endpoint.
	JWKSURL string

	// HTTPClient is used for JWKS fetches. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Verifier validates bearer JWTs against the upstream IdP's published
// signing keys.
type Verifier struct {
	issuer   string
	audience string
	jwksURL  string
	cache    *jwk.Cache

	// Lazy JWKS registration
	registered     bool
	registrationMu sync.Mutex
}

// NewVerifier creates a token verifier. The JWKS URL is registered with
// the cache lazily on first use so construction never blocks on the IdP.
func NewVerifier(ctx context.Context, config VerifierConfig) (*Verifier, error) {
	if config.JWKSURL == "" {
		return nil, ErrMissingJWKSURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Verifier{
		issuer:   config.Issuer,
		audience: config.Audience,
		jwksURL:  config.JWKSURL,
		cache:    cache,
	}, nil
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first
// use. Registration failures are not latched: a transient IdP outage at
// startup must not poison every later request.
func (v *Verifier) ensureJWKSRegistered(ctx context.Context) error {
	v.registrationMu.Lock()
	defer v.registrationMu.Unlock()

	if v.registered {
		return nil
	}

	registrationCtx, cancel := context.WithTimeout(ctx, jwksRegistrationTimeout)
	defer cancel()

	if err := v.cache.Register(registrationCtx, v.jwksURL); err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}

	v.registered = true
	return nil
}

// getKeyFromJWKS resolves the signing key named by the token's kid
// header.
func (v *Verifier) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	return rawKey, nil
}

// validateClaims checks issuer, audience, and expiry.
func (v *Verifier) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("failed to get issuer from claims: %w", err)
		}
		if strings.TrimSpace(issuerClaim) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		found := false
		if audiences, err := claims.GetAudience(); err == nil {
			for _, aud := range audiences {
				if aud == v.audience {
					found = true
					break
				}
			}
		}
		// Some IdPs put the client in azp instead of aud.
		if !found {
			if azp, ok := claims["azp"].(string); !ok || azp != v.audience {
				return ErrInvalidAudience
			}
		}
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
		return ErrTokenExpired
	}

	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil && nbf.After(time.Now()) {
		return ErrInvalidToken
	}

	return nil
}

// VerifyToken validates a bearer JWT and returns the caller's identity.
// ErrJWKSUnavailable in the returned chain means key material could not
// be fetched; everything else means the token itself is invalid.
func (v *Verifier) VerifyToken(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.getKeyFromJWKS(ctx, token)
	})
	if err != nil {
		if errors.Is(err, ErrJWKSUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return identityFromClaims(claims), nil
}

// JWKSURL returns the JWKS URL used by the verifier.
func (v *Verifier) JWKSURL() string {
	return v.jwksURL
}

// Issuer returns the expected token issuer.
func (v *Verifier) Issuer() string {
	return v.issuer
}
