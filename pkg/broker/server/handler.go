// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the broker's OAuth endpoints over HTTP.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/addielabs/mcpbroker/pkg/auth"
	"github.com/addielabs/mcpbroker/pkg/broker"
)

// Handler provides HTTP handlers for the OAuth broker endpoints.
type Handler struct {
	broker   *broker.Broker
	verifier *auth.Verifier

	// issuer is the broker's own externally visible base URL.
	issuer string

	// resourceURL identifies the protected MCP resource (RFC 9728).
	resourceURL string
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(b *broker.Broker, verifier *auth.Verifier, issuer, resourceURL string) *Handler {
	return &Handler{
		broker:      b,
		verifier:    verifier,
		issuer:      issuer,
		resourceURL: resourceURL,
	}
}

// Routes returns a router with all broker endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	h.ProtectedRoutes(r)

	return r
}

// OAuthRoutes registers the OAuth endpoints (authorize, callback, token,
// register) on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/authorize", h.AuthorizeHandler)
	r.Post("/authorize", h.AuthorizeHandler)
	r.Get("/oauth/callback", h.CallbackHandler)
	r.Post("/token", h.TokenHandler)
	r.Post("/register", h.RegisterClientHandler)
}

// WellKnownRoutes registers the discovery endpoints on the provided
// router. Both the RFC 8414 authorization-server document and the
// RFC 9728 protected-resource documents are served; MCP clients probe
// the path-suffixed protected-resource variant as well.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", h.AuthorizationServerMetadataHandler)
	r.Get("/.well-known/oauth-protected-resource", h.ProtectedResourceMetadataHandler)
	r.Get("/.well-known/oauth-protected-resource/mcp", h.ProtectedResourceMetadataHandler)
}

// ProtectedRoutes mounts the MCP endpoint behind the bearer middleware.
func (h *Handler) ProtectedRoutes(r chi.Router) {
	if h.verifier == nil {
		return
	}
	r.Group(func(r chi.Router) {
		r.Use(auth.TokenMiddleware(h.verifier, h.issuer+"/.well-known/oauth-protected-resource/mcp"))
		r.Post("/mcp", h.MCPHandler)
	})
}
