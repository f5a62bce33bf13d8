// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key type segments for namespacing broker records.
const (
	keyTypeClient  = "client"
	keyTypePending = "pending"
	keyTypeCode    = "code"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Username and Password authenticate against Redis ACLs. Optional.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces all broker keys, e.g. "mcpbroker:oauth:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store on a Redis backend, enabling horizontal
// scaling of broker instances. Records carry server-side TTLs, so
// CleanupExpired is a no-op; single-use consumption relies on the
// atomicity of GETDEL.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       TTLConfig
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisTTLs overrides the default record lifetimes.
func WithRedisTTLs(ttl TTLConfig) RedisStoreOption {
	return func(s *RedisStore) {
		s.ttl = ttl.withDefaults()
	}
}

// NewRedisStore creates a RedisStore from connection configuration.
func NewRedisStore(cfg RedisConfig, opts ...RedisStoreOption) *RedisStore {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = DefaultDialTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = DefaultReadTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, opts...)
}

// NewRedisStoreWithClient creates a RedisStore with an existing client.
// Useful for tests (miniredis) and for callers that manage their own
// connection pooling.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       TTLConfig{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifies connectivity to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

// RegisterClient persists a new client record. Client records have no TTL.
func (s *RedisStore) RegisterClient(ctx context.Context, client *Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(keyTypeClient, client.ClientID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	if !ok {
		return ErrDuplicateClient
	}
	return nil
}

// GetClient retrieves a registered client by client_id.
func (s *RedisStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeClient, clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &client, nil
}

// StorePendingAuthorization stores a pending authorization with its TTL.
func (s *RedisStore) StorePendingAuthorization(ctx context.Context, pendingID string, pending *PendingAuthorization) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(keyTypePending, pendingID), data, s.ttl.PendingAuthorization).Result()
	if err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes a pending
// authorization via GETDEL, so concurrent consumers of the same id cannot
// both succeed.
func (s *RedisStore) ConsumePendingAuthorization(ctx context.Context, pendingID string) (*PendingAuthorization, error) {
	data, err := s.client.GetDel(ctx, s.key(keyTypePending, pendingID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	var pending PendingAuthorization
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	return &pending, nil
}

// StoreAuthorizationCode stores an authorization code with its TTL.
func (s *RedisStore) StoreAuthorizationCode(ctx context.Context, code string, record *AuthorizationCode) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(keyTypeCode, code), data, s.ttl.AuthorizationCode).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// GetAuthorizationCode retrieves a code record without consuming it.
func (s *RedisStore) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeCode, code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var record AuthorizationCode
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &record, nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code record.
func (s *RedisStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	data, err := s.client.GetDel(ctx, s.key(keyTypeCode, code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var record AuthorizationCode
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &record, nil
}

// CleanupExpired is a no-op: Redis evicts expired keys server-side.
func (*RedisStore) CleanupExpired(_ context.Context) error {
	return nil
}
