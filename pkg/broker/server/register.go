// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/addielabs/mcpbroker/pkg/broker"
	"github.com/addielabs/mcpbroker/pkg/broker/storage"
	"github.com/addielabs/mcpbroker/pkg/logger"
)

// maxRegistrationBodySize caps registration request bodies at 64KB,
// generous enough for many redirect URIs.
const maxRegistrationBodySize = 64 * 1024

// RFC 7591 section 3.2.2 error codes.
const (
	dcrErrorInvalidClientMetadata = "invalid_client_metadata"
	dcrErrorInvalidRedirectURI    = "invalid_redirect_uri"
)

// registrationRequest is the RFC 7591 client metadata accepted by the
// broker.
type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

// registrationResponse is the RFC 7591 section 3.2.1 success body.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

type registrationError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// RegisterClientHandler handles POST /register requests. It implements
// RFC 7591 Dynamic Client Registration for public clients.
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	req.Body = http.MaxBytesReader(w, req.Body, maxRegistrationBodySize)

	// RFC 7591 requires application/json.
	contentType := req.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		writeRegistrationError(w, http.StatusBadRequest, dcrErrorInvalidClientMetadata,
			"Content-Type must be application/json")
		return
	}

	var dcrReq registrationRequest
	if err := json.NewDecoder(req.Body).Decode(&dcrReq); err != nil {
		writeRegistrationError(w, http.StatusBadRequest, dcrErrorInvalidClientMetadata,
			"invalid JSON request body")
		return
	}

	if len(dcrReq.RedirectURIs) == 0 {
		writeRegistrationError(w, http.StatusBadRequest, dcrErrorInvalidRedirectURI,
			"redirect_uris is required")
		return
	}

	authMethod := dcrReq.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	if authMethod != "none" {
		writeRegistrationError(w, http.StatusBadRequest, dcrErrorInvalidClientMetadata,
			"only token_endpoint_auth_method=none is supported")
		return
	}

	grantTypes := dcrReq.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := dcrReq.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	client := &storage.Client{
		RedirectURIs:            dcrReq.RedirectURIs,
		ClientName:              dcrReq.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
	}

	registered, err := h.broker.Registry().Register(ctx, client)
	if err != nil {
		if oauthErr := brokerOAuthError(err); oauthErr != "" {
			writeRegistrationError(w, http.StatusBadRequest, dcrErrorInvalidRedirectURI, oauthErr)
			return
		}
		logger.Errorw("failed to register client", "error", err)
		writeRegistrationError(w, http.StatusInternalServerError, "server_error",
			"failed to register client")
		return
	}

	logger.Debugw("registered new client",
		"client_id", registered.ClientID,
		"client_name", registered.ClientName,
	)

	response := registrationResponse{
		ClientID:                registered.ClientID,
		ClientIDIssuedAt:        time.Now().Unix(),
		RedirectURIs:            registered.RedirectURIs,
		ClientName:              registered.ClientName,
		TokenEndpointAuthMethod: registered.TokenEndpointAuthMethod,
		GrantTypes:              registered.GrantTypes,
		ResponseTypes:           registered.ResponseTypes,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorw("failed to encode registration response", "error", err)
	}
}

// brokerOAuthError returns a client-facing description for validation
// failures, or empty for internal failures.
func brokerOAuthError(err error) string {
	if errors.Is(err, storage.ErrDuplicateClient) {
		return "client is already registered"
	}
	if oauthErr := broker.AsOAuthError(err); oauthErr != nil {
		return oauthErr.Description
	}
	return ""
}

// writeRegistrationError writes an error response per RFC 7591 section
// 3.2.2.
func writeRegistrationError(w http.ResponseWriter, statusCode int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already written; encoding failures can only be logged.
	if err := json.NewEncoder(w).Encode(registrationError{Error: code, ErrorDescription: description}); err != nil {
		logger.Debugw("failed to encode registration error response", "error", err)
	}
}
