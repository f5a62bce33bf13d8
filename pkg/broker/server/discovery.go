// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/addielabs/mcpbroker/pkg/logger"
)

// AuthorizationServerMetadata is the RFC 8414 discovery document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// ProtectedResourceMetadata is the RFC 9728 discovery document.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	BearerMethods        []string `json:"bearer_methods_supported"`
}

// AuthorizationServerMetadataHandler handles
// GET /.well-known/oauth-authorization-server requests.
func (h *Handler) AuthorizationServerMetadataHandler(w http.ResponseWriter, _ *http.Request) {
	doc := AuthorizationServerMetadata{
		Issuer:                            h.issuer,
		AuthorizationEndpoint:             h.issuer + "/authorize",
		TokenEndpoint:                     h.issuer + "/token",
		RegistrationEndpoint:              h.issuer + "/register",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}

	writeDiscoveryDocument(w, doc)
}

// ProtectedResourceMetadataHandler handles
// GET /.well-known/oauth-protected-resource requests (and the
// path-suffixed /mcp variant that MCP clients probe).
func (h *Handler) ProtectedResourceMetadataHandler(w http.ResponseWriter, _ *http.Request) {
	resource := h.resourceURL
	if resource == "" {
		resource = h.issuer + "/mcp"
	}

	doc := ProtectedResourceMetadata{
		Resource:             resource,
		AuthorizationServers: []string{h.issuer},
		BearerMethods:        []string{"header"},
	}

	writeDiscoveryDocument(w, doc)
}

func writeDiscoveryDocument(w http.ResponseWriter, doc any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")

	if err := json.NewEncoder(w).Encode(doc); err != nil {
		logger.Errorw("failed to encode discovery document",
			"error", err,
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
}
