// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements NIST 800-53 SC-23: Session Authenticity.
// Sessions are stateless HS256-signed tokens carried in an HTTP-only
// cookie. A token is authenticated only when its signature verifies, it
// has not expired, and its subject type matches; there is no partial
// trust and no server-side session table.
package security

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// SESSION CONSTANTS
// =============================================================================

const (
	// DefaultSessionDuration is how long a session token stays valid.
	DefaultSessionDuration = 4 * time.Hour

	// SubjectTypeAdmin is the only subject type this service issues.
	SubjectTypeAdmin = "admin"

	// SessionCookieName is the cookie carrying the session token.
	SessionCookieName = "admin_session"

	// minSigningKeyLen is the minimum accepted HMAC key length in bytes.
	minSigningKeyLen = 32
)

// ErrWeakSigningKey is returned when the configured signing key is too
// short to resist brute force.
var ErrWeakSigningKey = errors.New("session signing key must be at least 32 bytes")

// =============================================================================
// CLAIMS AND SESSION
// =============================================================================

// sessionClaims is the JWT payload for an admin session token.
type sessionClaims struct {
	Authenticated bool   `json:"authenticated"`
	SubjectType   string `json:"subject_type"`
	jwt.RegisteredClaims
}

// Session is the decoded, verified view of a session token.
type Session struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TimeRemaining returns the duration until the session expires relative
// to the given clock, floored at zero.
func (s *Session) TimeRemaining(now time.Time) time.Duration {
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// SessionManager mints and verifies signed session tokens and manages
// the session cookie lifecycle. All operations are pure functions over
// the token and wall-clock time.
type SessionManager struct {
	signingKey []byte
	duration   time.Duration

	// secureCookies marks cookies Secure; enabled in production.
	secureCookies bool

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// SessionManagerOption is a functional option for configuring SessionManager.
type SessionManagerOption func(*SessionManager)

// WithSessionDuration sets the token lifetime.
func WithSessionDuration(d time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.duration = d
		}
	}
}

// WithSecureCookies controls the Secure attribute on issued cookies.
func WithSecureCookies(secure bool) SessionManagerOption {
	return func(m *SessionManager) {
		m.secureCookies = secure
	}
}

// WithSessionClock sets the time source for issuing and verification.
func WithSessionClock(now func() time.Time) SessionManagerOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewSessionManager creates a SessionManager signing with the given key.
func NewSessionManager(signingKey []byte, opts ...SessionManagerOption) (*SessionManager, error) {
	if len(signingKey) < minSigningKeyLen {
		return nil, ErrWeakSigningKey
	}

	m := &SessionManager{
		signingKey: signingKey,
		duration:   DefaultSessionDuration,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateSession mints a signed token encoding authenticated=true,
// issuedAt=now, expiresAt=now+duration, subjectType="admin". Each login
// issues a fresh token; tokens are never extended.
func (m *SessionManager) CreateSession() (string, error) {
	now := m.now()

	claims := sessionClaims{
		Authenticated: true,
		SubjectType:   SubjectTypeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

// VerifySession validates a token and returns its decoded session, or
// nil when the token is malformed, carries a bad signature, has expired,
// is not marked authenticated, or has the wrong subject type. Callers
// uniformly treat nil as "not authenticated"; the failure cause is
// deliberately not distinguished.
func (m *SessionManager) VerifySession(token string) *Session {
	if token == "" {
		return nil
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil
	}

	if !claims.Authenticated || claims.SubjectType != SubjectTypeAdmin {
		return nil
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil
	}

	return &Session{
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}
}

// Duration returns the configured token lifetime.
func (m *SessionManager) Duration() time.Duration {
	return m.duration
}

// =============================================================================
// COOKIE LIFECYCLE
// =============================================================================

// SetCookie attaches the session token to the response. The cookie is
// HTTP-only, same-site strict, scoped to the site root, Secure in
// production, and expires with the token itself.
func (m *SessionManager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(m.duration.Seconds()),
	})
}

// ClearCookie expires the session cookie. Tokens are self-expiring, so
// logout is purely client-side; a stolen token remains valid until its
// own expiry.
func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// TokenFromRequest extracts the session token from the request cookie.
// Returns the empty string when no cookie is present.
func TokenFromRequest(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
