// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"

	"github.com/addielabs/mcpbroker/pkg/broker"
	"github.com/addielabs/mcpbroker/pkg/logger"
)

// CallbackHandler handles GET /oauth/callback, the upstream IdP's
// redirect back to the broker. The upstream state parameter carries the
// broker's pending id. A stale or replayed callback has no recoverable
// client redirect URI and ends in an error page.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()

	clientURL, err := h.broker.HandleCallback(
		req.Context(),
		query.Get("state"),
		query.Get("code"),
		query.Get("error"),
		query.Get("error_description"),
	)
	if err != nil {
		var flowErr *broker.FlowError
		if errors.As(err, &flowErr) && flowErr.RedirectURI != "" {
			redirectWithError(w, flowErr.RedirectURI, flowErr.State, flowErr.OAuth.Code, flowErr.OAuth.Description)
			return
		}
		if oauthErr := broker.AsOAuthError(err); oauthErr != nil {
			http.Error(w, oauthErr.Description, http.StatusBadRequest)
			return
		}
		logger.Errorw("callback processing failed",
			"error", err,
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, req, clientURL, http.StatusFound)
}
