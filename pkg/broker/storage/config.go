// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/addielabs/mcpbroker/pkg/logger"
)

// BackendType identifies a storage backend.
type BackendType string

// Supported storage backends.
const (
	BackendMemory   BackendType = "memory"
	BackendRedis    BackendType = "redis"
	BackendPostgres BackendType = "postgres"
)

// Config selects and configures a storage backend.
type Config struct {
	// Backend selects the implementation. Defaults to memory.
	Backend BackendType

	// TTL overrides the default record lifetimes.
	TTL TTLConfig

	// CleanupInterval is how often the expiry sweep runs for backends
	// that need one. Defaults to DefaultCleanupInterval.
	CleanupInterval time.Duration

	// Redis holds connection settings when Backend is redis.
	Redis RedisConfig

	// PostgresDSN is the connection string when Backend is postgres.
	PostgresDSN string
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, "":
		return nil
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
		return nil
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres DSN is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage backend %q", c.Backend)
	}
}

// New creates the Store described by the configuration.
func New(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(WithTTLs(cfg.TTL), WithCleanupInterval(interval)), nil
	case BackendRedis:
		s := NewRedisStore(cfg.Redis, WithRedisTTLs(cfg.TTL))
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return s, nil
	case BackendPostgres:
		return NewPostgresStore(ctx, cfg.PostgresDSN, WithPostgresTTLs(cfg.TTL))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// StartSweeper runs store.CleanupExpired on a ticker until ctx is done.
// The returned channel closes when the sweeper has stopped. Backends with
// server-side expiry make this a cheap no-op.
func StartSweeper(ctx context.Context, store Store, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := store.CleanupExpired(ctx); err != nil {
					logger.Warnw("storage sweep failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}
