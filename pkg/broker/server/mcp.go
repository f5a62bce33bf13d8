// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/addielabs/mcpbroker/pkg/auth"
	"github.com/addielabs/mcpbroker/pkg/logger"
)

// MCPHandler is the protected MCP endpoint. It only demonstrates the
// authenticated identity reaching the handler; the MCP transport itself
// lives behind this mount point.
func (*Handler) MCPHandler(w http.ResponseWriter, req *http.Request) {
	id := auth.IdentityFromContext(req.Context())
	if id == nil {
		// The middleware guarantees an identity; reaching here means the
		// route was mounted without it.
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"subject":    id.Subject,
		"email":      id.Email,
		"is_machine": id.IsMachine,
	}); err != nil {
		logger.Debugw("failed to encode MCP response", "error", err)
	}
}
