// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
)

// OAuth 2.0 error codes from RFC 6749 and RFC 6750.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
)

// OAuthError is a protocol-level error carrying an OAuth error code. It is
// surfaced to clients either as a JSON body (token endpoint) or as
// error/error_description redirect parameters (authorization endpoint).
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// NewOAuthError creates an OAuthError with the given code and description.
func NewOAuthError(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

// Common constructors. Consume misses deliberately collapse "never
// existed" and "already used" into the same invalid_grant.
func errInvalidRequest(description string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidRequest, description)
}

func errInvalidClient(description string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidClient, description)
}

func errInvalidGrant(description string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidGrant, description)
}

func errServerError(description string) *OAuthError {
	return NewOAuthError(ErrorCodeServerError, description)
}

// AsOAuthError extracts an OAuthError from an error chain, or nil when
// the chain carries none.
func AsOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return nil
}

// FlowError is an authorization-flow failure that should, when possible,
// terminate with a redirect back to the client's redirect_uri carrying
// error/error_description and the client's original state. RedirectURI is
// empty when no safe redirect target could be determined; those cases are
// the only ones allowed to end in a bare error page.
type FlowError struct {
	OAuth       *OAuthError
	RedirectURI string
	State       string
}

func (e *FlowError) Error() string {
	return e.OAuth.Error()
}

// Unwrap exposes the underlying OAuthError for errors.As matching.
func (e *FlowError) Unwrap() error {
	return e.OAuth
}

// ErrIDCollision reports a pending-id or code collision on insert.
// Cryptographically this should never happen; it indicates a bug or an
// entropy failure and must alert operators rather than be retried.
var ErrIDCollision = errors.New("random identifier collision on insert")

func collisionError(kind string) error {
	return fmt.Errorf("%w: %s", ErrIDCollision, kind)
}
