// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

// Package storage provides storage interfaces and implementations for the
// MCP OAuth broker. All durable protocol state (registered clients, pending
// authorizations, authorization codes) lives behind the Store interface so
// that any broker instance can serve any request.
package storage

import (
	"context"
	"errors"
	"time"
)

// Default lifetimes for short-lived protocol state. Pending authorizations
// live long enough for a user to finish logging in upstream; authorization
// codes are exchanged immediately after the redirect, so their window is
// much tighter.
const (
	DefaultPendingAuthorizationTTL = 10 * time.Minute
	DefaultAuthorizationCodeTTL    = 60 * time.Second
	DefaultCleanupInterval         = time.Minute
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when a record does not exist. Consume
	// operations return it both for identifiers that never existed and
	// for identifiers that were already consumed; callers must not be
	// able to tell the two apart.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when inserting a pending authorization
	// or authorization code whose key is already present. Keys are
	// generated from crypto/rand, so a collision indicates a bug or an
	// entropy problem, not a condition to retry.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrDuplicateClient is returned when registering a client whose
	// client_id is already taken.
	ErrDuplicateClient = errors.New("client already registered")
)

// Client is a dynamically registered OAuth client (RFC 7591).
// Records are immutable after registration and never expire.
type Client struct {
	// ClientID uniquely identifies the client, assigned at registration.
	ClientID string `json:"client_id"`

	// RedirectURIs are the client's registered callback URLs.
	RedirectURIs []string `json:"redirect_uris"`

	// ClientName is the human-readable client name, if supplied.
	ClientName string `json:"client_name,omitempty"`

	// TokenEndpointAuthMethod is the client's token endpoint auth method.
	// Public MCP clients use "none".
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// GrantTypes are the grant types the client may use.
	GrantTypes []string `json:"grant_types,omitempty"`

	// ResponseTypes are the response types the client may use.
	ResponseTypes []string `json:"response_types,omitempty"`

	// CreatedAt is when the client was registered.
	CreatedAt time.Time `json:"created_at"`
}

// IsPublic reports whether the client authenticates at the token endpoint.
// Public clients must use PKCE.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "" || c.TokenEndpointAuthMethod == "none"
}

// PendingAuthorization tracks a client's authorization request while the
// user authenticates with the upstream identity provider. Exactly one
// record exists per in-flight attempt; it is consumed atomically when the
// upstream callback arrives.
type PendingAuthorization struct {
	// ClientID is the OAuth client that started the authorization request.
	ClientID string `json:"client_id"`

	// RedirectURI is the client's callback URL for the final redirect.
	RedirectURI string `json:"redirect_uri"`

	// State is the client's opaque state parameter, echoed back verbatim.
	State string `json:"state"`

	// CodeChallenge is the client's PKCE code challenge (S256).
	CodeChallenge string `json:"code_challenge"`

	// CodeChallengeMethod is the PKCE challenge method (must be "S256").
	CodeChallengeMethod string `json:"code_challenge_method"`

	// Scopes are the OAuth scopes requested by the client.
	Scopes []string `json:"scopes,omitempty"`

	// Resource is the target resource URI (RFC 8707), if supplied.
	Resource string `json:"resource,omitempty"`

	// UpstreamVerifier is the broker's own PKCE code_verifier for the
	// upstream leg of the flow.
	UpstreamVerifier string `json:"upstream_verifier"`

	// UpstreamNonce is the OIDC nonce sent upstream for ID token replay
	// protection.
	UpstreamNonce string `json:"upstream_nonce,omitempty"`

	// CreatedAt is when the pending authorization was created.
	CreatedAt time.Time `json:"created_at"`
}

// AuthorizationCode binds a broker-issued authorization code to the
// upstream tokens obtained on the user's behalf. Single-use: consumed
// atomically during code-to-token exchange.
type AuthorizationCode struct {
	// ClientID is the client the code was issued to.
	ClientID string `json:"client_id"`

	// RedirectURI is the redirect URI the code is bound to (RFC 6749
	// section 4.1.3).
	RedirectURI string `json:"redirect_uri"`

	// CodeChallenge is carried over from the pending authorization so the
	// token endpoint can verify the client's code_verifier.
	CodeChallenge string `json:"code_challenge"`

	// AccessToken is the upstream access token released on exchange.
	AccessToken string `json:"access_token"`

	// RefreshToken is the upstream refresh token, if the IdP issued one.
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the upstream ID token, if the IdP issued one.
	IDToken string `json:"id_token,omitempty"`

	// TokenExpiresAt is when the upstream access token expires.
	TokenExpiresAt time.Time `json:"token_expires_at"`

	// Subject is the authenticated end user, when known.
	Subject string `json:"subject,omitempty"`

	// CreatedAt is when the code was minted.
	CreatedAt time.Time `json:"created_at"`
}

// Store is the single home of OAuth protocol state. Implementations must
// be safe for concurrent use and must make the two consume operations
// linearizable: under concurrent calls with the same key, exactly one
// caller gets the record and every other caller gets ErrNotFound.
type Store interface {
	// RegisterClient persists a new client record. Returns
	// ErrDuplicateClient if the client_id is already registered.
	RegisterClient(ctx context.Context, client *Client) error

	// GetClient retrieves a registered client by client_id.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// StorePendingAuthorization stores a pending authorization keyed by
	// the broker-generated pending id. Returns ErrAlreadyExists on key
	// collision.
	StorePendingAuthorization(ctx context.Context, pendingID string, pending *PendingAuthorization) error

	// ConsumePendingAuthorization atomically retrieves and deletes a
	// pending authorization. Expired records count as absent.
	ConsumePendingAuthorization(ctx context.Context, pendingID string) (*PendingAuthorization, error)

	// StoreAuthorizationCode stores an authorization code record.
	// Returns ErrAlreadyExists on key collision.
	StoreAuthorizationCode(ctx context.Context, code string, record *AuthorizationCode) error

	// GetAuthorizationCode retrieves a code record without consuming it.
	// Used to recover the PKCE challenge before the actual exchange.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically retrieves and deletes a code
	// record. Expired records count as absent.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// CleanupExpired removes expired pending authorizations and codes.
	// Advisory hygiene only; single-use correctness never depends on it.
	CleanupExpired(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// TTLConfig carries the lifetimes a store enforces on short-lived records.
type TTLConfig struct {
	PendingAuthorization time.Duration
	AuthorizationCode    time.Duration
}

// withDefaults fills in zero durations.
func (c TTLConfig) withDefaults() TTLConfig {
	if c.PendingAuthorization <= 0 {
		c.PendingAuthorization = DefaultPendingAuthorizationTTL
	}
	if c.AuthorizationCode <= 0 {
		c.AuthorizationCode = DefaultAuthorizationCodeTTL
	}
	return c
}
