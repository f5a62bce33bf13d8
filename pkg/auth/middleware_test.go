// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testResourceMetadataURL = "https://broker.test/.well-known/oauth-protected-resource/mcp"

func protectedHandler(t *testing.T, gotIdentity **Identity) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotIdentity = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestTokenMiddleware_ValidToken(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)
	v := f.verifier(t, "")

	var identity *Identity
	handler := TokenMiddleware(v, testResourceMetadataURL)(protectedHandler(t, &identity))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+f.signToken(t, f.defaultClaims()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, identity)
	assert.Equal(t, "user-123", identity.Subject)
}

func TestTokenMiddleware_MissingHeader(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)
	v := f.verifier(t, "")

	var identity *Identity
	handler := TokenMiddleware(v, testResourceMetadataURL)(protectedHandler(t, &identity))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, identity)

	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, "Bearer ")
	assert.Contains(t, challenge, `realm="`+f.issuer+`"`)
	assert.Contains(t, challenge, `resource_metadata="`+testResourceMetadataURL+`"`)
	assert.NotContains(t, challenge, "invalid_token", "a missing token carries no error attribute")
}

func TestTokenMiddleware_MalformedHeader(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)
	v := f.verifier(t, "")

	var identity *Identity
	handler := TokenMiddleware(v, testResourceMetadataURL)(protectedHandler(t, &identity))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, identity)
}

func TestTokenMiddleware_InvalidToken(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)
	v := f.verifier(t, "")

	var identity *Identity
	handler := TokenMiddleware(v, testResourceMetadataURL)(protectedHandler(t, &identity))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, identity)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestTokenMiddleware_JWKSDown(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)

	deadServer := httptest.NewServer(http.NotFoundHandler())
	deadServer.Close()

	v, err := NewVerifier(context.Background(), VerifierConfig{
		Issuer:  f.issuer,
		JWKSURL: deadServer.URL,
	})
	require.NoError(t, err)

	var identity *Identity
	handler := TokenMiddleware(v, testResourceMetadataURL)(protectedHandler(t, &identity))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+f.signToken(t, f.defaultClaims()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "a key outage is the broker's fault, not the caller's")
	assert.Nil(t, identity)
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestEscapeQuotes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `a\"b`, EscapeQuotes(`a"b`))
	assert.Equal(t, `a\\b`, EscapeQuotes(`a\b`))
	assert.Equal(t, "plain", EscapeQuotes("plain"))
}
