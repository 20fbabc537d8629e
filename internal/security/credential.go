// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements NIST 800-53 IA-5: Authenticator Management.
// The admin password is verified against a bcrypt hash from configuration;
// a plaintext fallback exists only for legacy deployments and is flagged
// loudly at startup.
package security

import (
	"crypto/subtle"
	"errors"
	"log"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrNoCredentialConfigured is returned when neither a password hash nor
// a plaintext fallback is configured.
var ErrNoCredentialConfigured = errors.New("no admin credential configured")

// ErrMalformedHash is returned when the configured password hash is not a
// valid bcrypt hash.
var ErrMalformedHash = errors.New("configured password hash is malformed")

// CredentialVerifier checks a candidate password against the configured
// admin credential. Verification never reveals, via error or timing,
// which part of the comparison failed.
type CredentialVerifier struct {
	hash      string
	plaintext string
}

// NewCredentialVerifier builds a verifier from configuration.
//
// hash, when non-empty, must be a bcrypt hash and is the preferred
// reference. plaintext is a backward-compatibility fallback used only
// when no hash is configured; configuring it logs a deployment warning.
// Malformed hash input fails here, at construction, so Verify itself can
// stay silent on failure.
func NewCredentialVerifier(hash, plaintext string) (*CredentialVerifier, error) {
	hash = strings.TrimSpace(hash)

	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, ErrMalformedHash
		}
		return &CredentialVerifier{hash: hash}, nil
	}

	if plaintext == "" {
		return nil, ErrNoCredentialConfigured
	}

	// SECURITY: plaintext comparison is a degraded mode kept for legacy
	// deployments that predate hashed credentials.
	log.Printf("CREDENTIAL_FALLBACK | mode=plaintext warning=configure_a_bcrypt_password_hash")
	return &CredentialVerifier{plaintext: plaintext}, nil
}

// Verify reports whether candidate matches the configured credential.
// A wrong password returns false, never an error.
func (v *CredentialVerifier) Verify(candidate string) bool {
	if candidate == "" {
		return false
	}

	if v.hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(v.hash), []byte(candidate)) == nil
	}

	return subtle.ConstantTimeCompare([]byte(candidate), []byte(v.plaintext)) == 1
}

// UsesPlaintextFallback reports whether the degraded comparison mode is
// active, so callers can surface it in diagnostics.
func (v *CredentialVerifier) UsesPlaintextFallback() bool {
	return v.hash == ""
}

// HashPassword produces a bcrypt hash suitable for the password hash
// configuration value. Exposed for provisioning tooling.
func HashPassword(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
