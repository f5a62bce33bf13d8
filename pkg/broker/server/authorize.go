// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/addielabs/mcpbroker/pkg/broker"
	"github.com/addielabs/mcpbroker/pkg/logger"
)

// AuthorizeHandler handles GET and POST /authorize requests. On success
// the user-agent is redirected to the upstream IdP; the broker issues
// nothing at this step.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "failed to parse request parameters", http.StatusBadRequest)
		return
	}

	authReq := &broker.AuthorizeRequest{
		ClientID:            req.Form.Get("client_id"),
		RedirectURI:         req.Form.Get("redirect_uri"),
		ResponseType:        req.Form.Get("response_type"),
		State:               req.Form.Get("state"),
		CodeChallenge:       req.Form.Get("code_challenge"),
		CodeChallengeMethod: req.Form.Get("code_challenge_method"),
		Scope:               req.Form.Get("scope"),
		Resource:            req.Form.Get("resource"),
	}

	upstreamURL, err := h.broker.Authorize(req.Context(), authReq)
	if err != nil {
		h.writeAuthorizeError(w, err)
		return
	}

	http.Redirect(w, req, upstreamURL, http.StatusFound)
}

// writeAuthorizeError delivers an authorization failure. Errors raised
// after redirect URI validation travel back to the client as a redirect;
// everything else must end at the user-agent as an error page, never a
// redirect to an unvalidated URI.
func (*Handler) writeAuthorizeError(w http.ResponseWriter, err error) {
	var flowErr *broker.FlowError
	if errors.As(err, &flowErr) && flowErr.RedirectURI != "" {
		redirectWithError(w, flowErr.RedirectURI, flowErr.State, flowErr.OAuth.Code, flowErr.OAuth.Description)
		return
	}

	if oauthErr := broker.AsOAuthError(err); oauthErr != nil {
		status := http.StatusBadRequest
		if oauthErr.Code == broker.ErrorCodeServerError {
			status = http.StatusInternalServerError
		}
		http.Error(w, oauthErr.Description, status)
		return
	}

	logger.Errorw("authorize failed",
		"error", err,
	)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// redirectWithError redirects to the client with an OAuth error response.
func redirectWithError(w http.ResponseWriter, redirectURI, state, errorCode, description string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect URI", http.StatusBadRequest)
		return
	}

	q := u.Query()
	q.Set("error", errorCode)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	// Manual redirect header so no request is needed.
	w.Header().Set("Location", u.String())
	w.WriteHeader(http.StatusFound)
}
