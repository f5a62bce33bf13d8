// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/addielabs/mcpbroker/pkg/logger"
)

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryStore implements Store with in-memory maps. It is thread-safe and
// suitable for development, testing, and single-instance deployments; it
// cannot serve a horizontally scaled broker because state is process-local.
type MemoryStore struct {
	mu sync.RWMutex

	clients map[string]*Client
	pending map[string]*timedEntry[*PendingAuthorization]
	codes   map[string]*timedEntry[*AuthorizationCode]

	ttl TTLConfig

	// cleanupInterval is how often the background sweep runs.
	cleanupInterval time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// WithTTLs overrides the default record lifetimes.
func WithTTLs(ttl TTLConfig) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.ttl = ttl.withDefaults()
	}
}

// NewMemoryStore creates a MemoryStore and starts its background sweep.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clients:         make(map[string]*Client),
		pending:         make(map[string]*timedEntry[*PendingAuthorization]),
		codes:           make(map[string]*timedEntry[*AuthorizationCode]),
		ttl:             TTLConfig{}.withDefaults(),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Close stops the background sweep and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

// cleanupLoop runs the periodic sweep of expired entries.
func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.CleanupExpired(context.Background()); err != nil {
				logger.Warnw("storage sweep failed", "error", err)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// RegisterClient persists a new client record.
func (s *MemoryStore) RegisterClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return ErrDuplicateClient
	}
	s.clients[client.ClientID] = client
	return nil
}

// GetClient retrieves a registered client by client_id.
func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return client, nil
}

// StorePendingAuthorization stores a pending authorization keyed by pending id.
func (s *MemoryStore) StorePendingAuthorization(_ context.Context, pendingID string, pending *PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.pending[pendingID]; exists && !entry.expired(time.Now()) {
		return ErrAlreadyExists
	}
	s.pending[pendingID] = &timedEntry[*PendingAuthorization]{
		value:     pending,
		expiresAt: pending.CreatedAt.Add(s.ttl.PendingAuthorization),
	}
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes a pending
// authorization. The write lock spans the lookup and delete, so concurrent
// callers with the same id cannot both succeed.
func (s *MemoryStore) ConsumePendingAuthorization(_ context.Context, pendingID string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[pendingID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.pending, pendingID)
	if entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// StoreAuthorizationCode stores an authorization code record.
func (s *MemoryStore) StoreAuthorizationCode(_ context.Context, code string, record *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.codes[code]; exists && !entry.expired(time.Now()) {
		return ErrAlreadyExists
	}
	s.codes[code] = &timedEntry[*AuthorizationCode]{
		value:     record,
		expiresAt: record.CreatedAt.Add(s.ttl.AuthorizationCode),
	}
	return nil
}

// GetAuthorizationCode retrieves a code record without consuming it.
func (s *MemoryStore) GetAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.codes[code]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code record.
func (s *MemoryStore) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.codes, code)
	if entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// CleanupExpired removes expired pending authorizations and codes.
func (s *MemoryStore) CleanupExpired(_ context.Context) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.pending {
		if entry.expired(now) {
			delete(s.pending, id)
		}
	}
	for code, entry := range s.codes {
		if entry.expired(now) {
			delete(s.codes, code)
		}
	}
	return nil
}
