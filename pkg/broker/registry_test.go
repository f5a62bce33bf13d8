// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addielabs/mcpbroker/pkg/broker/storage"
)

func newTestRegistry(t *testing.T, allowUnregistered bool) *Registry {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return NewRegistry(store, allowUnregistered)
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := newTestRegistry(t, false)

	registered, err := registry.Register(ctx, &storage.Client{
		RedirectURIs: []string{"http://127.0.0.1:3000/callback"},
		ClientName:   "cli client",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, registered.ClientID, "client_id should be assigned")
	assert.False(t, registered.CreatedAt.IsZero())

	resolved, err := registry.Resolve(ctx, registered.ClientID)
	require.NoError(t, err)
	assert.False(t, resolved.Delegated)
	assert.Equal(t, "cli client", resolved.ClientName)
}

func TestRegistry_Register_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		redirectURIs []string
	}{
		{"no redirect URIs", nil},
		{"relative URI", []string{"/callback"}},
		{"fragment in URI", []string{"http://127.0.0.1:3000/callback#frag"}},
		{"not a URL", []string{"::not a url::"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			registry := newTestRegistry(t, false)

			_, err := registry.Register(context.Background(), &storage.Client{
				RedirectURIs: tt.redirectURIs,
			})
			require.Error(t, err)
			oauthErr := AsOAuthError(err)
			require.NotNil(t, oauthErr)
			assert.Equal(t, ErrorCodeInvalidRequest, oauthErr.Code)
		})
	}
}

func TestRegistry_Resolve_UnknownClient(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t, false)

	_, err := registry.Resolve(context.Background(), "missing")
	require.Error(t, err)
	oauthErr := AsOAuthError(err)
	require.NotNil(t, oauthErr)
	assert.Equal(t, ErrorCodeInvalidClient, oauthErr.Code)
}

func TestRegistry_Resolve_Delegated(t *testing.T) {
	t.Parallel()
	registry := newTestRegistry(t, true)

	resolved, err := registry.Resolve(context.Background(), "never-registered")
	require.NoError(t, err)
	assert.True(t, resolved.Delegated)
	assert.Equal(t, "never-registered", resolved.ClientID)
	assert.True(t, resolved.IsPublic())

	// Delegated clients have no registration to match against; any
	// structurally valid URI is accepted.
	assert.True(t, resolved.MatchesRedirectURI("https://example.com/cb"))
	assert.False(t, resolved.MatchesRedirectURI("not-a-url"))
}

func TestResolvedClient_MatchesRedirectURI(t *testing.T) {
	t.Parallel()
	client := &ResolvedClient{Client: &storage.Client{
		ClientID: "c1",
		RedirectURIs: []string{
			"http://127.0.0.1:3000/callback",
			"https://app.example.com/oauth/done",
		},
	}}

	tests := []struct {
		name string
		uri  string
		want bool
	}{
		{"exact match", "https://app.example.com/oauth/done", true},
		{"exact loopback match", "http://127.0.0.1:3000/callback", true},
		{"loopback different port", "http://127.0.0.1:49152/callback", true},
		{"loopback localhost alias is a different host", "http://localhost:3000/callback", false},
		{"loopback different path", "http://127.0.0.1:3000/other", false},
		{"different host", "https://evil.example.com/oauth/done", false},
		{"different scheme", "http://app.example.com/oauth/done", false},
		{"structurally invalid", "://bad", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, client.MatchesRedirectURI(tt.uri))
		})
	}
}
