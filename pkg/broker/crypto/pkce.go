// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides the PKCE and random-identifier primitives used
// by the broker.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// ChallengeMethodS256 is the only PKCE challenge method the broker accepts
// (RFC 7636). The "plain" method is rejected.
const ChallengeMethodS256 = "S256"

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1, delegating to oauth2.GenerateVerifier.
// It panics on crypto/rand read failure.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the S256 code_challenge from a
// code_verifier: BASE64URL(SHA256(code_verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE reports whether the supplied code_verifier hashes to the
// stored code_challenge under S256. Constant-time comparison.
func VerifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := ComputePKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// NewRandomToken returns a 256-bit random identifier in unpadded
// base64url, used for pending ids, broker authorization codes, and
// upstream state values. It panics on crypto/rand read failure, which is
// unrecoverable anyway.
func NewRandomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
