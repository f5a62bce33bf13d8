// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRedisStore(t *testing.T, opts ...RedisStoreOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:", opts...)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_ImplementsStore(t *testing.T) {
	t.Parallel()
	var _ Store = (*RedisStore)(nil)
}

func TestRedisStore_RegisterClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := withRedisStore(t)

	require.NoError(t, store.RegisterClient(ctx, testClient("c1")))
	assert.True(t, mr.Exists("test:client:c1"))

	got, err := store.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, []string{"http://127.0.0.1:3000/callback"}, got.RedirectURIs)

	err = store.RegisterClient(ctx, testClient("c1"))
	assert.ErrorIs(t, err, ErrDuplicateClient)
}

func TestRedisStore_GetClient_NotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := withRedisStore(t)

	_, err := store.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_ConsumePendingAuthorization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := withRedisStore(t)

	require.NoError(t, store.StorePendingAuthorization(ctx, "p1", testPending()))

	got, err := store.ConsumePendingAuthorization(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "test-client", got.ClientID)
	assert.Equal(t, "verifier", got.UpstreamVerifier)

	_, err = store.ConsumePendingAuthorization(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_PendingAuthorization_TTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := withRedisStore(t, WithRedisTTLs(TTLConfig{PendingAuthorization: time.Minute}))

	require.NoError(t, store.StorePendingAuthorization(ctx, "p1", testPending()))

	// Advancing miniredis past the TTL evicts the key server-side.
	mr.FastForward(2 * time.Minute)

	_, err := store.ConsumePendingAuthorization(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_AuthorizationCode_PeekThenConsume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := withRedisStore(t)

	require.NoError(t, store.StoreAuthorizationCode(ctx, "code1", testCode()))

	peeked, err := store.GetAuthorizationCode(ctx, "code1")
	require.NoError(t, err)
	assert.Equal(t, "challenge", peeked.CodeChallenge)

	consumed, err := store.ConsumeAuthorizationCode(ctx, "code1")
	require.NoError(t, err)
	assert.Equal(t, "upstream-access", consumed.AccessToken)

	_, err = store.ConsumeAuthorizationCode(ctx, "code1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_StoreAuthorizationCode_Duplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := withRedisStore(t)

	require.NoError(t, store.StoreAuthorizationCode(ctx, "code1", testCode()))
	err := store.StoreAuthorizationCode(ctx, "code1", testCode())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRedisStore_AuthorizationCode_TTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := withRedisStore(t, WithRedisTTLs(TTLConfig{AuthorizationCode: 30 * time.Second}))

	require.NoError(t, store.StoreAuthorizationCode(ctx, "code1", testCode()))
	mr.FastForward(time.Minute)

	_, err := store.ConsumeAuthorizationCode(ctx, "code1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_KeyPrefixIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	storeA := NewRedisStoreWithClient(clientA, "a:")
	storeB := NewRedisStoreWithClient(clientB, "b:")
	t.Cleanup(func() {
		_ = storeA.Close()
		_ = storeB.Close()
	})

	require.NoError(t, storeA.StorePendingAuthorization(ctx, "p1", testPending()))

	_, err := storeB.ConsumePendingAuthorization(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = storeA.ConsumePendingAuthorization(ctx, "p1")
	assert.NoError(t, err)
}

func TestRedisStore_CleanupExpiredIsNoop(t *testing.T) {
	t.Parallel()
	store, _ := withRedisStore(t)
	assert.NoError(t, store.CleanupExpired(context.Background()))
}
