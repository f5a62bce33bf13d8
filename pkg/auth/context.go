// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

// Package auth validates bearer tokens issued by the upstream identity
// provider and exposes the verified identity to request handlers.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified caller extracted from a bearer token.
type Identity struct {
	// Subject is the token's sub claim.
	Subject string

	// OrganizationID is the caller's organization, when the IdP includes
	// one (org_id claim).
	OrganizationID string

	// Email is the caller's email claim, if present.
	Email string

	// Scopes are the space-separated entries of the scope claim.
	Scopes []string

	// IsMachine is true for machine-to-machine tokens.
	IsMachine bool

	// ExpiresAt is the token's expiry.
	ExpiresAt time.Time

	// Claims is the full validated claim set for anything not broken out
	// above.
	Claims jwt.MapClaims
}

type identityContextKey struct{}

// WithIdentity returns a context carrying the verified identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the verified identity stored by the
// middleware, or nil if the request was not authenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}

// identityFromClaims maps a validated claim set onto an Identity.
func identityFromClaims(claims jwt.MapClaims) *Identity {
	id := &Identity{Claims: claims}

	if sub, err := claims.GetSubject(); err == nil {
		id.Subject = sub
	}
	if org, ok := claims["org_id"].(string); ok {
		id.OrganizationID = org
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	if scope, ok := claims["scope"].(string); ok {
		id.Scopes = strings.Fields(scope)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}

	// Machine tokens carry a client_credentials grant marker or a
	// client_ subject prefix, depending on the IdP.
	if gt, ok := claims["gty"].(string); ok && gt == "client_credentials" {
		id.IsMachine = true
	}
	if strings.HasPrefix(id.Subject, "client_") {
		id.IsMachine = true
	}

	return id
}
