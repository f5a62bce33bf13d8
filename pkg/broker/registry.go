// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/addielabs/mcpbroker/pkg/broker/storage"
	"github.com/addielabs/mcpbroker/pkg/logger"
)

// ResolvedClient is the result of a client lookup. Delegated marks
// synthetic records for unregistered client ids: the broker has no local
// registration and trust is deferred to the upstream IdP. Keeping the
// distinction explicit (rather than silently fabricating records) makes
// the trust boundary visible to callers.
type ResolvedClient struct {
	*storage.Client

	// Delegated is true when the record was synthesized rather than
	// loaded from the registry.
	Delegated bool
}

// Registry resolves and registers OAuth clients on top of the storage
// layer.
type Registry struct {
	store             storage.Store
	allowUnregistered bool
}

// NewRegistry creates a client registry. When allowUnregistered is set,
// lookups of unknown client ids return a delegated synthetic client
// instead of failing; redirect URI validation for those clients is
// reduced to structural checks.
func NewRegistry(store storage.Store, allowUnregistered bool) *Registry {
	return &Registry{
		store:             store,
		allowUnregistered: allowUnregistered,
	}
}

// Register persists a new client record, assigning a client_id when the
// submitted metadata carries none. Submitted fields are stored unchanged.
func (r *Registry) Register(ctx context.Context, client *storage.Client) (*storage.Client, error) {
	if len(client.RedirectURIs) == 0 {
		return nil, errInvalidRequest("redirect_uris is required")
	}
	for _, uri := range client.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, errInvalidRequest(fmt.Sprintf("invalid redirect_uri %q: %v", uri, err))
		}
	}

	if client.ClientID == "" {
		client.ClientID = uuid.NewString()
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now()
	}

	if err := r.store.RegisterClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrDuplicateClient) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to register client: %w", err)
	}

	logger.Infow("registered OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
	)

	return client, nil
}

// Resolve looks up a client by id.
func (r *Registry) Resolve(ctx context.Context, clientID string) (*ResolvedClient, error) {
	if clientID == "" {
		return nil, errInvalidRequest("client_id is required")
	}

	client, err := r.store.GetClient(ctx, clientID)
	if err == nil {
		return &ResolvedClient{Client: client}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}

	if r.allowUnregistered {
		return &ResolvedClient{
			Client: &storage.Client{
				ClientID:                clientID,
				TokenEndpointAuthMethod: "none",
			},
			Delegated: true,
		}, nil
	}

	return nil, errInvalidClient("client not found")
}

// MatchesRedirectURI reports whether the candidate redirect URI is
// acceptable for the client. Registered clients get exact matching, with
// RFC 8252 section 7.3 port-insensitive matching for loopback addresses.
// Delegated clients only get structural validation, since there is no
// registration to compare against.
func (c *ResolvedClient) MatchesRedirectURI(redirectURI string) bool {
	if err := validateRedirectURI(redirectURI); err != nil {
		return false
	}
	if c.Delegated {
		return true
	}

	for _, registered := range c.RedirectURIs {
		if registered == redirectURI {
			return true
		}
		if loopbackMatch(registered, redirectURI) {
			return true
		}
	}
	return false
}

// validateRedirectURI requires an absolute URI with no fragment.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() {
		return errors.New("must be absolute")
	}
	if u.Fragment != "" {
		return errors.New("must not contain a fragment")
	}
	return nil
}

// loopbackMatch implements RFC 8252 section 7.3: native apps bind an
// ephemeral port on the loopback interface, so the port is ignored when
// comparing loopback redirect URIs.
func loopbackMatch(registered, candidate string) bool {
	ru, err := url.Parse(registered)
	if err != nil {
		return false
	}
	cu, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	if !isLoopbackHost(ru.Hostname()) || !isLoopbackHost(cu.Hostname()) {
		return false
	}
	return ru.Scheme == cu.Scheme &&
		ru.Hostname() == cu.Hostname() &&
		ru.Path == cu.Path
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
