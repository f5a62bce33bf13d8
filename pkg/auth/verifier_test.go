// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-key-1"

// jwksFixture signs tokens with a generated RSA key and serves the
// matching public JWKS over httptest.
type jwksFixture struct {
	key    *rsa.PrivateKey
	server *httptest.Server
	issuer string
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.Import(key.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, "RS256"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(server.Close)

	return &jwksFixture{
		key:    key,
		server: server,
		issuer: "https://idp.test",
	}
}

func (f *jwksFixture) verifier(t *testing.T, audience string) *Verifier {
	t.Helper()
	v, err := NewVerifier(context.Background(), VerifierConfig{
		Issuer:   f.issuer,
		Audience: audience,
		JWKSURL:  f.server.URL,
	})
	require.NoError(t, err)
	return v
}

func (f *jwksFixture) signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func (f *jwksFixture) defaultClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":    f.issuer,
		"sub":    "user-123",
		"email":  "dev@example.com",
		"org_id": "org-42",
		"scope":  "openid profile",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"iat":    time.Now().Unix(),
	}
}

func TestVerifier_VerifyToken(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)
	v := f.verifier(t, "")

	id, err := v.VerifyToken(context.Background(), f.signToken(t, f.defaultClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-123", id.Subject)
	assert.Equal(t, "dev@example.com", id.Email)
	assert.Equal(t, "org-42", id.OrganizationID)
	assert.Equal(t, []string{"openid", "profile"}, id.Scopes)
	assert.False(t, id.IsMachine)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, time.Minute)
}

func TestVerifier_VerifyToken_MachineTokens(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)
	v := f.verifier(t, "")

	claims := f.defaultClaims()
	claims["gty"] = "client_credentials"
	id, err := v.VerifyToken(context.Background(), f.signToken(t, claims))
	require.NoError(t, err)
	assert.True(t, id.IsMachine)

	claims = f.defaultClaims()
	claims["sub"] = "client_abc123"
	id, err = v.VerifyToken(context.Background(), f.signToken(t, claims))
	require.NoError(t, err)
	assert.True(t, id.IsMachine)
}

func TestVerifier_VerifyToken_Rejections(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)

	tests := []struct {
		name    string
		mutate  func(jwt.MapClaims)
		wantErr error
	}{
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "https://other.test" }, ErrInvalidIssuer},
		{"expired", func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }, ErrInvalidToken},
		{"not yet valid", func(c jwt.MapClaims) { c["nbf"] = time.Now().Add(time.Hour).Unix() }, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := f.verifier(t, "")
			claims := f.defaultClaims()
			tt.mutate(claims)

			_, err := v.VerifyToken(context.Background(), f.signToken(t, claims))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifier_VerifyToken_Audience(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)
	v := f.verifier(t, "https://broker.test/mcp")

	claims := f.defaultClaims()
	claims["aud"] = "https://broker.test/mcp"
	_, err := v.VerifyToken(context.Background(), f.signToken(t, claims))
	require.NoError(t, err)

	claims = f.defaultClaims()
	claims["aud"] = "https://somewhere-else.test"
	_, err = v.VerifyToken(context.Background(), f.signToken(t, claims))
	assert.ErrorIs(t, err, ErrInvalidAudience)

	claims = f.defaultClaims()
	delete(claims, "aud")
	_, err = v.VerifyToken(context.Background(), f.signToken(t, claims))
	assert.ErrorIs(t, err, ErrInvalidAudience)

	// azp satisfies the audience check when aud is absent.
	claims = f.defaultClaims()
	delete(claims, "aud")
	claims["azp"] = "https://broker.test/mcp"
	_, err = v.VerifyToken(context.Background(), f.signToken(t, claims))
	assert.NoError(t, err)
}

func TestVerifier_VerifyToken_UnknownKeyID(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)
	v := f.verifier(t, "")

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, f.defaultClaims())
	token.Header["kid"] = "unknown-key"
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)

	_, err = v.VerifyToken(context.Background(), signed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_VerifyToken_TamperedToken(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)
	v := f.verifier(t, "")

	signed := f.signToken(t, f.defaultClaims())
	tampered := signed[:len(signed)-4] + "AAAA"

	_, err := v.VerifyToken(context.Background(), tampered)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_VerifyToken_EmptyToken(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)
	v := f.verifier(t, "")

	_, err := v.VerifyToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestVerifier_JWKSUnavailable(t *testing.T) {
	t.Parallel()
	f := newJWKSFixture(t)

	// A server that is already closed makes every JWKS fetch fail.
	deadServer := httptest.NewServer(http.NotFoundHandler())
	deadServer.Close()

	v, err := NewVerifier(context.Background(), VerifierConfig{
		Issuer:  f.issuer,
		JWKSURL: deadServer.URL,
	})
	require.NoError(t, err)

	_, err = v.VerifyToken(context.Background(), f.signToken(t, f.defaultClaims()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJWKSUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidToken, "a key fetch failure must not be reported as a bad token")
}

func TestNewVerifier_RequiresJWKSURL(t *testing.T) {
	t.Parallel()
	_, err := NewVerifier(context.Background(), VerifierConfig{Issuer: "https://idp.test"})
	assert.ErrorIs(t, err, ErrMissingJWKSURL)
}
