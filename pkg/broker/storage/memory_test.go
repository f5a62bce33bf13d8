// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withMemoryStore(t *testing.T, opts ...MemoryStoreOption) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(opts...)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testClient(id string) *Client {
	return &Client{
		ClientID:                id,
		RedirectURIs:            []string{"http://127.0.0.1:3000/callback"},
		ClientName:              "test client",
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		CreatedAt:               time.Now(),
	}
}

func testPending() *PendingAuthorization {
	return &PendingAuthorization{
		ClientID:            "test-client",
		RedirectURI:         "http://127.0.0.1:3000/callback",
		State:               "client-state",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		Scopes:              []string{"openid", "profile"},
		UpstreamVerifier:    "verifier",
		UpstreamNonce:       "nonce",
		CreatedAt:           time.Now(),
	}
}

func testCode() *AuthorizationCode {
	return &AuthorizationCode{
		ClientID:       "test-client",
		RedirectURI:    "http://127.0.0.1:3000/callback",
		CodeChallenge:  "challenge",
		AccessToken:    "upstream-access",
		RefreshToken:   "upstream-refresh",
		IDToken:        "upstream-id",
		TokenExpiresAt: time.Now().Add(time.Hour),
		Subject:        "user-1",
		CreatedAt:      time.Now(),
	}
}

func TestMemoryStore_ImplementsStore(t *testing.T) {
	t.Parallel()
	var _ Store = (*MemoryStore)(nil)
}

func TestMemoryStore_RegisterClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withMemoryStore(t)

	require.NoError(t, store.RegisterClient(ctx, testClient("c1")))

	got, err := store.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, []string{"http://127.0.0.1:3000/callback"}, got.RedirectURIs)
}

func TestMemoryStore_RegisterClient_Duplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withMemoryStore(t)

	require.NoError(t, store.RegisterClient(ctx, testClient("c1")))
	err := store.RegisterClient(ctx, testClient("c1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateClient)
}

func TestMemoryStore_GetClient_NotFound(t *testing.T) {
	t.Parallel()
	store := withMemoryStore(t)

	got, err := store.GetClient(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, got)
}

func TestMemoryStore_ConsumePendingAuthorization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withMemoryStore(t)

	require.NoError(t, store.StorePendingAuthorization(ctx, "p1", testPending()))

	got, err := store.ConsumePendingAuthorization(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "test-client", got.ClientID)
	assert.Equal(t, "verifier", got.UpstreamVerifier)

	// Second consume must look like the id never existed.
	_, err = store.ConsumePendingAuthorization(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConsumePendingAuthorization_Expired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withMemoryStore(t, WithTTLs(TTLConfig{PendingAuthorization: time.Millisecond}))

	require.NoError(t, store.StorePendingAuthorization(ctx, "p1", testPending()))
	time.Sleep(5 * time.Millisecond)

	_, err := store.ConsumePendingAuthorization(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConsumePendingAuthorization_Concurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withMemoryStore(t)

	require.NoError(t, store.StorePendingAuthorization(ctx, "p1", testPending()))

	const goroutines = 16
	var wg sync.WaitGroup
	results := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumePendingAuthorization(ctx, "p1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrNotFound)
		}
	}
	assert.Equal(t, 1, successes, "exactly one consumer should win")
}

func TestMemoryStore_AuthorizationCode_PeekThenConsume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withMemoryStore(t)

	require.NoError(t, store.StoreAuthorizationCode(ctx, "code1", testCode()))

	// Peek does not consume.
	peeked, err := store.GetAuthorizationCode(ctx, "code1")
	require.NoError(t, err)
	assert.Equal(t, "challenge", peeked.CodeChallenge)

	consumed, err := store.ConsumeAuthorizationCode(ctx, "code1")
	require.NoError(t, err)
	assert.Equal(t, "upstream-access", consumed.AccessToken)
	assert.Equal(t, "upstream-refresh", consumed.RefreshToken)

	_, err = store.ConsumeAuthorizationCode(ctx, "code1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetAuthorizationCode(ctx, "code1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_StoreAuthorizationCode_Duplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withMemoryStore(t)

	require.NoError(t, store.StoreAuthorizationCode(ctx, "code1", testCode()))
	err := store.StoreAuthorizationCode(ctx, "code1", testCode())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStore_ConsumeAuthorizationCode_Concurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withMemoryStore(t)

	const codes = 4
	for i := 0; i < codes; i++ {
		require.NoError(t, store.StoreAuthorizationCode(ctx, fmt.Sprintf("code%d", i), testCode()))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := make(map[string]int)
	for i := 0; i < codes; i++ {
		code := fmt.Sprintf("code%d", i)
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.ConsumeAuthorizationCode(ctx, code); err == nil {
					mu.Lock()
					wins[code]++
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	for code, n := range wins {
		assert.Equalf(t, 1, n, "code %s consumed more than once", code)
	}
	assert.Len(t, wins, codes)
}

func TestMemoryStore_CleanupExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := withMemoryStore(t, WithTTLs(TTLConfig{
		PendingAuthorization: time.Millisecond,
		AuthorizationCode:    time.Millisecond,
	}))

	require.NoError(t, store.StorePendingAuthorization(ctx, "p1", testPending()))
	require.NoError(t, store.StoreAuthorizationCode(ctx, "code1", testCode()))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.CleanupExpired(ctx))

	_, err := store.ConsumePendingAuthorization(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ConsumeAuthorizationCode(ctx, "code1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CloseStopsSweep(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(WithCleanupInterval(time.Millisecond))
	require.NoError(t, store.Close())
	// Close is idempotent for the backing maps; a second Close must not
	// panic the sweep goroutine shutdown.
	assert.NotPanics(t, func() { _ = store.CleanupExpired(context.Background()) })
}
