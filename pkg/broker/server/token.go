// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/addielabs/mcpbroker/pkg/broker"
	"github.com/addielabs/mcpbroker/pkg/broker/upstream"
	"github.com/addielabs/mcpbroker/pkg/logger"
)

// tokenResponse is the RFC 6749 section 5.1 success body. The broker
// relays the upstream IdP's tokens verbatim.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// TokenHandler handles POST /token requests for the authorization_code
// and refresh_token grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, broker.ErrorCodeInvalidRequest, "failed to parse request body")
		return
	}

	clientID := req.PostForm.Get("client_id")

	var (
		tokens *upstream.Tokens
		err    error
	)
	switch grantType := req.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		tokens, err = h.broker.ExchangeAuthorizationCode(
			req.Context(),
			clientID,
			req.PostForm.Get("code"),
			req.PostForm.Get("redirect_uri"),
			req.PostForm.Get("code_verifier"),
		)
	case "refresh_token":
		tokens, err = h.broker.ExchangeRefreshToken(
			req.Context(),
			clientID,
			req.PostForm.Get("refresh_token"),
		)
	default:
		writeTokenError(w, http.StatusBadRequest, broker.ErrorCodeUnsupportedGrantType, "unsupported grant_type")
		return
	}

	if err != nil {
		h.writeTokenFailure(w, clientID, err)
		return
	}

	resp := tokenResponse{
		AccessToken:  tokens.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
	}
	if !tokens.ExpiresAt.IsZero() {
		if remaining := time.Until(tokens.ExpiresAt); remaining > 0 {
			resp.ExpiresIn = int64(remaining.Seconds())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorw("failed to encode token response", "error", err)
	}
}

// writeTokenFailure maps protocol and dependency failures onto RFC 6749
// section 5.2 error responses.
func (*Handler) writeTokenFailure(w http.ResponseWriter, clientID string, err error) {
	if errors.Is(err, upstream.ErrUnavailable) {
		logger.Errorw("upstream IdP unavailable during token request",
			"client_id", clientID,
			"error", err,
		)
		writeTokenError(w, http.StatusBadGateway, broker.ErrorCodeServerError, "upstream identity provider unavailable")
		return
	}

	if oauthErr := broker.AsOAuthError(err); oauthErr != nil {
		status := http.StatusBadRequest
		switch oauthErr.Code {
		case broker.ErrorCodeInvalidClient:
			status = http.StatusUnauthorized
		case broker.ErrorCodeServerError:
			status = http.StatusInternalServerError
		}
		writeTokenError(w, status, oauthErr.Code, oauthErr.Description)
		return
	}

	logger.Errorw("token request failed",
		"client_id", clientID,
		"error", err,
	)
	writeTokenError(w, http.StatusInternalServerError, broker.ErrorCodeServerError, "internal server error")
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(broker.NewOAuthError(code, description)); err != nil {
		logger.Debugw("failed to encode token error response", "error", err)
	}
}
