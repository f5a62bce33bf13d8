// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/addielabs/mcpbroker/pkg/logger"
)

// TokenMiddleware creates an HTTP middleware that validates bearer JWTs.
// resourceMetadataURL, when set, is advertised in WWW-Authenticate per
// RFC 9728 so MCP clients can discover the authorization server.
func TokenMiddleware(verifier *Verifier, resourceMetadataURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(verifier, resourceMetadataURL, ""))
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(verifier, resourceMetadataURL, ""))
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			id, err := verifier.VerifyToken(r.Context(), tokenString)
			if err != nil {
				// A JWKS outage is the broker's problem, not the caller's.
				if errors.Is(err, ErrJWKSUnavailable) {
					logger.Errorw("token verification unavailable",
						"error", err,
					)
					http.Error(w, "Token verification temporarily unavailable", http.StatusServiceUnavailable)
					return
				}
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(verifier, resourceMetadataURL, err.Error()))
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// buildWWWAuthenticate builds a RFC 6750 / RFC 9728 compliant value for
// the WWW-Authenticate header. It always includes realm and, if set,
// resource_metadata. A non-empty errDescription appends
// error="invalid_token" and the description.
func buildWWWAuthenticate(verifier *Verifier, resourceMetadataURL, errDescription string) string {
	var parts []string

	parts = append(parts, fmt.Sprintf(`realm="%s"`, EscapeQuotes(verifier.Issuer())))

	if resourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, EscapeQuotes(resourceMetadataURL)))
	}

	if errDescription != "" {
		parts = append(parts, `error="invalid_token"`)
		parts = append(parts, fmt.Sprintf(`error_description="%s"`, EscapeQuotes(errDescription)))
	}

	return "Bearer " + strings.Join(parts, ", ")
}

// EscapeQuotes escapes quotes in a string for use in a quoted-string
// context.
func EscapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
