// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the server side of OAuth 2.1
// authorization-code-with-PKCE for MCP clients while delegating end-user
// authentication to an upstream OpenID Connect identity provider.
//
// The broker issues its own short-lived, single-use authorization codes
// and hands back the upstream IdP's access and refresh tokens when a code
// is exchanged. All protocol state lives in the storage layer, never in
// process memory, so any broker instance can serve any request.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/addielabs/mcpbroker/pkg/broker/crypto"
	"github.com/addielabs/mcpbroker/pkg/broker/storage"
	"github.com/addielabs/mcpbroker/pkg/broker/upstream"
	"github.com/addielabs/mcpbroker/pkg/logger"
)

// Broker wires the client registry, the storage layer, and the upstream
// IdP into the OAuth protocol operations.
type Broker struct {
	registry *Registry
	store    storage.Store
	upstream upstream.Provider
}

// New creates a Broker.
func New(registry *Registry, store storage.Store, idp upstream.Provider) *Broker {
	return &Broker{
		registry: registry,
		store:    store,
		upstream: idp,
	}
}

// Registry exposes the broker's client registry.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// AuthorizeRequest carries the parsed parameters of an authorization
// request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
}

// Authorize validates an authorization request, persists the pending
// authorization, and returns the upstream IdP URL to redirect the
// user-agent to. The broker's pending id travels in the upstream state
// parameter; no tokens are issued at this step.
//
// Failures after the redirect URI has been validated are returned as
// *FlowError so the caller can deliver them via redirect; earlier
// failures are plain *OAuthError and must end in an error page.
func (b *Broker) Authorize(ctx context.Context, req *AuthorizeRequest) (string, error) {
	client, err := b.registry.Resolve(ctx, req.ClientID)
	if err != nil {
		return "", err
	}

	if req.RedirectURI == "" {
		return "", errInvalidRequest("redirect_uri is required")
	}
	if !client.MatchesRedirectURI(req.RedirectURI) {
		logger.Warnw("redirect_uri does not match registered URIs",
			"client_id", req.ClientID,
			"redirect_uri", req.RedirectURI,
		)
		return "", errInvalidRequest("redirect_uri does not match registered URIs")
	}

	// From here on errors are safe to deliver to the client's redirect_uri.
	fail := func(oauthErr *OAuthError) error {
		return &FlowError{OAuth: oauthErr, RedirectURI: req.RedirectURI, State: req.State}
	}

	if req.ResponseType != "code" {
		return "", fail(NewOAuthError(ErrorCodeUnsupportedResponseType, "only response_type=code is supported"))
	}

	if client.IsPublic() {
		if req.CodeChallenge == "" {
			return "", fail(errInvalidRequest("code_challenge is required for public clients"))
		}
		if req.CodeChallengeMethod != crypto.ChallengeMethodS256 {
			return "", fail(errInvalidRequest("code_challenge_method must be S256"))
		}
	}

	pendingID := crypto.NewRandomToken()
	upstreamVerifier := crypto.GeneratePKCEVerifier()
	upstreamNonce := crypto.NewRandomToken()

	pending := &storage.PendingAuthorization{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scopes:              splitScopes(req.Scope),
		Resource:            req.Resource,
		UpstreamVerifier:    upstreamVerifier,
		UpstreamNonce:       upstreamNonce,
		CreatedAt:           time.Now(),
	}

	if err := b.store.StorePendingAuthorization(ctx, pendingID, pending); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			logger.Errorw("pending id collision",
				"client_id", req.ClientID,
			)
			return "", collisionError("pending authorization")
		}
		logger.Errorw("failed to store pending authorization",
			"client_id", req.ClientID,
			"error", err,
		)
		return "", fail(errServerError("failed to store authorization request"))
	}

	upstreamURL, err := b.upstream.AuthorizationURL(pendingID, crypto.ComputePKCEChallenge(upstreamVerifier), upstreamNonce)
	if err != nil {
		logger.Errorw("failed to build upstream authorization URL",
			"error", err,
		)
		// Best effort: the pending record would otherwise linger until the sweep.
		_, _ = b.store.ConsumePendingAuthorization(ctx, pendingID)
		return "", fail(errServerError("failed to build authorization URL"))
	}

	logger.Infow("redirecting to upstream IdP",
		"client_id", req.ClientID,
		"upstream_provider", b.upstream.Name(),
	)

	return upstreamURL, nil
}

// HandleCallback processes the upstream IdP's redirect back to the
// broker. It atomically consumes the pending authorization (replayed or
// stale callbacks fail here), exchanges the upstream code for tokens,
// mints the broker's own authorization code, and returns the client
// redirect URL carrying that code and the client's original state.
func (b *Broker) HandleCallback(ctx context.Context, pendingID, upstreamCode, upstreamError, upstreamErrorDescription string) (string, error) {
	if pendingID == "" {
		return "", errInvalidRequest("missing state parameter")
	}

	// Single-use: the first caller wins; every later consume of the same
	// pending id observes not-found, indistinguishable from an id that
	// never existed.
	pending, err := b.store.ConsumePendingAuthorization(ctx, pendingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warnw("pending authorization not found",
				"error", err,
			)
			return "", errInvalidRequest("authorization request not found or expired")
		}
		return "", fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	fail := func(oauthErr *OAuthError) error {
		return &FlowError{OAuth: oauthErr, RedirectURI: pending.RedirectURI, State: pending.State}
	}

	if upstreamError != "" {
		logger.Warnw("upstream IdP returned error",
			"error", upstreamError,
			"error_description", upstreamErrorDescription,
		)
		return "", fail(NewOAuthError(upstreamError, upstreamErrorDescription))
	}
	if upstreamCode == "" {
		return "", fail(errInvalidRequest("missing code parameter"))
	}

	idpTokens, err := b.upstream.ExchangeCode(ctx, upstreamCode, pending.UpstreamVerifier)
	if err != nil {
		logger.Errorw("failed to exchange code with upstream IdP",
			"client_id", pending.ClientID,
			"error", err,
		)
		return "", fail(errServerError("failed to exchange authorization code"))
	}

	code := crypto.NewRandomToken()
	record := &storage.AuthorizationCode{
		ClientID:       pending.ClientID,
		RedirectURI:    pending.RedirectURI,
		CodeChallenge:  pending.CodeChallenge,
		AccessToken:    idpTokens.AccessToken,
		RefreshToken:   idpTokens.RefreshToken,
		IDToken:        idpTokens.IDToken,
		TokenExpiresAt: idpTokens.ExpiresAt,
		Subject:        subjectFromIDToken(idpTokens.IDToken),
		CreatedAt:      time.Now(),
	}

	if err := b.store.StoreAuthorizationCode(ctx, code, record); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			logger.Errorw("authorization code collision",
				"client_id", pending.ClientID,
			)
			return "", collisionError("authorization code")
		}
		logger.Errorw("failed to store authorization code",
			"client_id", pending.ClientID,
			"error", err,
		)
		return "", fail(errServerError("failed to store authorization code"))
	}

	logger.Infow("authorization successful, redirecting to client",
		"client_id", pending.ClientID,
	)

	return buildCallbackURL(pending.RedirectURI, code, pending.State), nil
}

// ChallengeForAuthorizationCode returns the PKCE challenge stored with an
// authorization code without consuming the code. The caller can verify
// the client-supplied code_verifier against it before any token material
// is released.
func (b *Broker) ChallengeForAuthorizationCode(ctx context.Context, clientID, code string) (string, error) {
	record, err := b.store.GetAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", errInvalidGrant("authorization code is invalid or expired")
		}
		return "", fmt.Errorf("failed to look up authorization code: %w", err)
	}
	if record.ClientID != clientID {
		return "", errInvalidGrant("authorization code was issued to another client")
	}
	return record.CodeChallenge, nil
}

// ExchangeAuthorizationCode atomically consumes a broker authorization
// code and returns the upstream tokens bound to it. A consumed, expired,
// or never-issued code all fail with the same invalid_grant. The code is
// bound to the issuing client, the redirect URI used at authorization
// time, and the PKCE challenge.
func (b *Broker) ExchangeAuthorizationCode(ctx context.Context, clientID, code, redirectURI, codeVerifier string) (*upstream.Tokens, error) {
	record, err := b.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errInvalidGrant("authorization code is invalid, expired, or already used")
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if record.ClientID != clientID {
		logger.Warnw("authorization code client mismatch",
			"expected", record.ClientID,
			"got", clientID,
		)
		return nil, errInvalidGrant("authorization code was issued to another client")
	}

	// RFC 6749 section 4.1.3: the redirect_uri at exchange must match
	// the one the code was issued against.
	if record.RedirectURI != "" && record.RedirectURI != redirectURI {
		logger.Warnw("authorization code redirect_uri mismatch",
			"client_id", clientID,
		)
		return nil, errInvalidGrant("redirect_uri does not match the authorization request")
	}

	if record.CodeChallenge != "" && !crypto.VerifyPKCE(codeVerifier, record.CodeChallenge) {
		return nil, errInvalidGrant("PKCE verification failed")
	}

	return &upstream.Tokens{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		IDToken:      record.IDToken,
		ExpiresAt:    record.TokenExpiresAt,
	}, nil
}

// ExchangeRefreshToken forwards a refresh grant to the upstream IdP and
// returns the fresh tokens. PKCE is not re-validated here; refresh is a
// distinct grant type.
func (b *Broker) ExchangeRefreshToken(ctx context.Context, clientID, refreshToken string) (*upstream.Tokens, error) {
	if refreshToken == "" {
		return nil, errInvalidRequest("refresh_token is required")
	}

	tokens, err := b.upstream.RefreshTokens(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, upstream.ErrGrantRejected) {
			return nil, errInvalidGrant("refresh token was rejected")
		}
		logger.Errorw("upstream refresh failed",
			"client_id", clientID,
			"error", err,
		)
		return nil, err
	}
	return tokens, nil
}

// buildCallbackURL builds the client callback URL with code and state.
func buildCallbackURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}

	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// subjectFromIDToken extracts the sub claim for audit logging. The token
// arrived directly from the IdP's token endpoint over TLS, so the
// signature is not re-verified here.
func subjectFromIDToken(idToken string) string {
	if idToken == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
