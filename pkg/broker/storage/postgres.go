// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the three tables the broker owns. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id                  TEXT PRIMARY KEY,
	redirect_uris              TEXT[] NOT NULL,
	client_name                TEXT NOT NULL DEFAULT '',
	token_endpoint_auth_method TEXT NOT NULL DEFAULT 'none',
	grant_types                TEXT[] NOT NULL DEFAULT '{}',
	response_types             TEXT[] NOT NULL DEFAULT '{}',
	created_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS oauth_pending_auth (
	pending_id            TEXT PRIMARY KEY,
	client_id             TEXT NOT NULL,
	redirect_uri          TEXT NOT NULL,
	state                 TEXT NOT NULL DEFAULT '',
	code_challenge        TEXT NOT NULL DEFAULT '',
	code_challenge_method TEXT NOT NULL DEFAULT '',
	scopes                TEXT[] NOT NULL DEFAULT '{}',
	resource              TEXT NOT NULL DEFAULT '',
	upstream_verifier     TEXT NOT NULL DEFAULT '',
	upstream_nonce        TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS oauth_codes (
	code             TEXT PRIMARY KEY,
	client_id        TEXT NOT NULL,
	redirect_uri     TEXT NOT NULL DEFAULT '',
	code_challenge   TEXT NOT NULL DEFAULT '',
	access_token     TEXT NOT NULL,
	refresh_token    TEXT NOT NULL DEFAULT '',
	id_token         TEXT NOT NULL DEFAULT '',
	token_expires_at TIMESTAMPTZ,
	subject          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore implements Store on a Postgres backend. Single-use
// consumption is a single DELETE ... RETURNING statement, so it is
// linearizable without any additional locking: under concurrent exchange
// attempts exactly one caller gets the row back.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  TTLConfig
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithPostgresTTLs overrides the default record lifetimes.
func WithPostgresTTLs(ttl TTLConfig) PostgresStoreOption {
	return func(s *PostgresStore) {
		s.ttl = ttl.withDefaults()
	}
}

// NewPostgresStore connects to Postgres, verifies the connection, and
// bootstraps the schema.
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresStoreOption) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{
		pool: pool,
		ttl:  TTLConfig{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	return s, nil
}

// NewPostgresStoreWithPool wraps an existing pool without touching the schema.
func NewPostgresStoreWithPool(pool *pgxpool.Pool, opts ...PostgresStoreOption) *PostgresStore {
	s := &PostgresStore{
		pool: pool,
		ttl:  TTLConfig{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// RegisterClient persists a new client record. The primary key constraint
// makes concurrent duplicate registration safe: the second insert affects
// zero rows and surfaces as ErrDuplicateClient.
func (s *PostgresStore) RegisterClient(ctx context.Context, client *Client) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_clients (client_id, redirect_uris, client_name, token_endpoint_auth_method, grant_types, response_types, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_id) DO NOTHING
	`, client.ClientID, client.RedirectURIs, client.ClientName, client.TokenEndpointAuthMethod,
		client.GrantTypes, client.ResponseTypes, client.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to register client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateClient
	}
	return nil
}

// GetClient retrieves a registered client by client_id.
func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, redirect_uris, client_name, token_endpoint_auth_method, grant_types, response_types, created_at
		FROM oauth_clients
		WHERE client_id = $1
	`, clientID).Scan(&client.ClientID, &client.RedirectURIs, &client.ClientName,
		&client.TokenEndpointAuthMethod, &client.GrantTypes, &client.ResponseTypes, &client.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &client, nil
}

// StorePendingAuthorization stores a pending authorization keyed by pending id.
func (s *PostgresStore) StorePendingAuthorization(ctx context.Context, pendingID string, pending *PendingAuthorization) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_pending_auth (pending_id, client_id, redirect_uri, state, code_challenge, code_challenge_method, scopes, resource, upstream_verifier, upstream_nonce, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (pending_id) DO NOTHING
	`, pendingID, pending.ClientID, pending.RedirectURI, pending.State, pending.CodeChallenge,
		pending.CodeChallengeMethod, pending.Scopes, pending.Resource,
		pending.UpstreamVerifier, pending.UpstreamNonce, pending.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes a pending
// authorization. Expired rows are excluded from the DELETE and left for
// the sweep, so they count as absent here.
func (s *PostgresStore) ConsumePendingAuthorization(ctx context.Context, pendingID string) (*PendingAuthorization, error) {
	cutoff := time.Now().Add(-s.ttl.PendingAuthorization)

	var pending PendingAuthorization
	err := s.pool.QueryRow(ctx, `
		DELETE FROM oauth_pending_auth
		WHERE pending_id = $1 AND created_at >= $2
		RETURNING client_id, redirect_uri, state, code_challenge, code_challenge_method, scopes, resource, upstream_verifier, upstream_nonce, created_at
	`, pendingID, cutoff).Scan(&pending.ClientID, &pending.RedirectURI, &pending.State,
		&pending.CodeChallenge, &pending.CodeChallengeMethod, &pending.Scopes, &pending.Resource,
		&pending.UpstreamVerifier, &pending.UpstreamNonce, &pending.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}
	return &pending, nil
}

// StoreAuthorizationCode stores an authorization code record.
func (s *PostgresStore) StoreAuthorizationCode(ctx context.Context, code string, record *AuthorizationCode) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_codes (code, client_id, redirect_uri, code_challenge, access_token, refresh_token, id_token, token_expires_at, subject, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (code) DO NOTHING
	`, code, record.ClientID, record.RedirectURI, record.CodeChallenge, record.AccessToken,
		record.RefreshToken, record.IDToken, record.TokenExpiresAt, record.Subject, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetAuthorizationCode retrieves a code record without consuming it.
func (s *PostgresStore) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	cutoff := time.Now().Add(-s.ttl.AuthorizationCode)

	var record AuthorizationCode
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, redirect_uri, code_challenge, access_token, refresh_token, id_token, token_expires_at, subject, created_at
		FROM oauth_codes
		WHERE code = $1 AND created_at >= $2
	`, code, cutoff).Scan(&record.ClientID, &record.RedirectURI, &record.CodeChallenge,
		&record.AccessToken, &record.RefreshToken, &record.IDToken, &record.TokenExpiresAt,
		&record.Subject, &record.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	return &record, nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code record.
func (s *PostgresStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	cutoff := time.Now().Add(-s.ttl.AuthorizationCode)

	var record AuthorizationCode
	err := s.pool.QueryRow(ctx, `
		DELETE FROM oauth_codes
		WHERE code = $1 AND created_at >= $2
		RETURNING client_id, redirect_uri, code_challenge, access_token, refresh_token, id_token, token_expires_at, subject, created_at
	`, code, cutoff).Scan(&record.ClientID, &record.RedirectURI, &record.CodeChallenge,
		&record.AccessToken, &record.RefreshToken, &record.IDToken, &record.TokenExpiresAt,
		&record.Subject, &record.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	return &record, nil
}

// CleanupExpired deletes expired pending authorizations and codes.
func (s *PostgresStore) CleanupExpired(ctx context.Context) error {
	now := time.Now()

	if _, err := s.pool.Exec(ctx, `
		DELETE FROM oauth_pending_auth WHERE created_at < $1
	`, now.Add(-s.ttl.PendingAuthorization)); err != nil {
		return fmt.Errorf("failed to sweep pending authorizations: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		DELETE FROM oauth_codes WHERE created_at < $1
	`, now.Add(-s.ttl.AuthorizationCode)); err != nil {
		return fmt.Errorf("failed to sweep authorization codes: %w", err)
	}

	return nil
}
