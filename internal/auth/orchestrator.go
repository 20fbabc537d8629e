// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth composes the security primitives into the two-step admin
// login flow.
//
// The state machine is AwaitingPassword -> AwaitingSecondFactor ->
// Authenticated, with no server-side state between the two HTTP calls
// that drive it: the client resubmits the password alongside the second
// factor and the password is verified again on the second call. The
// accepted cost is a second bcrypt comparison per login; the gain is
// that no partial-login session ever exists server-side.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jeranaias/admingate/internal/security"
	"github.com/jeranaias/admingate/internal/store"
)

// =============================================================================
// STEPS AND ERRORS
// =============================================================================

// Login step identifiers, carried in the request and response bodies.
const (
	StepPassword = "password"
	Step2FA      = "2fa"
	StepComplete = "complete"
)

// Auth method labels recorded in audit details and returned to clients.
const (
	MethodTOTP         = "totp"
	MethodRecoveryCode = "recovery_code"
)

var (
	// ErrInvalidCredential covers a wrong password at either step.
	ErrInvalidCredential = errors.New("invalid credentials")

	// ErrSecondFactorNotConfigured is the fail-closed denial when no
	// TOTP secret is configured. Password-only admin login never succeeds.
	ErrSecondFactorNotConfigured = errors.New("second factor setup required")

	// ErrInvalidSecondFactor covers a wrong TOTP or recovery code.
	ErrInvalidSecondFactor = errors.New("invalid second factor")

	// ErrMissingSecondFactor is returned when the 2fa step carries no code.
	ErrMissingSecondFactor = errors.New("second factor code required")

	// ErrUnknownStep is returned for a step other than password or 2fa.
	ErrUnknownStep = errors.New("unknown login step")
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// recoveryClassifyLength is the normalized-length threshold at which a
// submitted second-factor code is treated as a recovery code rather than
// a TOTP code. Recovery codes normalize to exactly 10 characters; TOTP
// codes are 6 digits. Changing this threshold reclassifies login
// attempts, so it is fixed.
const recoveryClassifyLength = 10

// Deps are the collaborators the orchestrator drives. All fields are
// required except TOTPSecret, whose absence triggers the fail-closed
// path.
type Deps struct {
	Limiter    *security.RateLimiter
	Credential *security.CredentialVerifier
	TOTP       *security.TOTPEngine
	Recovery   *store.RecoveryCodeStore
	Sessions   *security.SessionManager
	Audit      *store.AuditLog

	// TOTPSecret is the configured shared secret; empty means the second
	// factor is not set up.
	TOTPSecret string

	// LoginLimit is the attempt budget per client IP per limiter window.
	LoginLimit int
}

// Orchestrator is the only entry point the HTTP layer uses for login.
// Session verification on later requests goes straight to the
// SessionManager and bypasses the orchestrator.
type Orchestrator struct {
	deps Deps
}

// New creates an Orchestrator. A zero LoginLimit falls back to the
// limiter default of 5 attempts per window.
func New(deps Deps) *Orchestrator {
	if deps.LoginLimit <= 0 {
		deps.LoginLimit = security.DefaultLoginLimit
	}
	return &Orchestrator{deps: deps}
}

// LoginRequest carries one step of the login protocol.
type LoginRequest struct {
	Step     string
	Password string
	TOTPCode string

	// IP and UserAgent describe the client, for rate limiting and audit.
	IP        string
	UserAgent string
}

// LoginResult is the successful outcome of a login step.
type LoginResult struct {
	Step                   string
	AuthMethod             string
	SessionToken           string
	ExpiresAt              time.Time
	RemainingRecoveryCodes int
	LowRecoveryCodes       bool
}

// Login runs one step of the login state machine.
//
// Order of checks is fixed: rate limit first (a rejected request records
// nothing further), then password, then second-factor policy. Every
// failed attempt past the rate limiter produces exactly one login_failed
// audit entry; a completed login produces one login entry.
func (o *Orchestrator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if _, err := o.deps.Limiter.Check(o.deps.LoginLimit, "login:"+req.IP); err != nil {
		return nil, err
	}

	switch req.Step {
	case StepPassword:
		return o.stepPassword(ctx, req)
	case Step2FA:
		return o.step2FA(ctx, req)
	default:
		return nil, ErrUnknownStep
	}
}

func (o *Orchestrator) stepPassword(_ context.Context, req LoginRequest) (*LoginResult, error) {
	if !o.deps.Credential.Verify(req.Password) {
		o.recordFailure(req, "invalid_password")
		return nil, ErrInvalidCredential
	}

	if o.deps.TOTPSecret == "" {
		// SECURITY: fail closed. A correct password with no second factor
		// configured is a hard denial, never a session.
		o.recordFailure(req, "2fa_not_configured")
		return nil, ErrSecondFactorNotConfigured
	}

	return &LoginResult{Step: Step2FA}, nil
}

func (o *Orchestrator) step2FA(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if req.TOTPCode == "" {
		return nil, ErrMissingSecondFactor
	}

	if !o.deps.Credential.Verify(req.Password) {
		o.recordFailure(req, "invalid_password")
		return nil, ErrInvalidCredential
	}

	if o.deps.TOTPSecret == "" {
		o.recordFailure(req, "2fa_not_configured")
		return nil, ErrSecondFactorNotConfigured
	}

	method := MethodTOTP
	var verified bool
	if len(store.NormalizeRecoveryCode(req.TOTPCode)) >= recoveryClassifyLength {
		method = MethodRecoveryCode
		ok, err := o.deps.Recovery.Verify(ctx, req.TOTPCode)
		if err != nil {
			return nil, err
		}
		verified = ok
	} else {
		verified = o.deps.TOTP.Verify(req.TOTPCode, o.deps.TOTPSecret)
	}

	if !verified {
		reason := "invalid_totp"
		if method == MethodRecoveryCode {
			reason = "invalid_recovery_code"
		}
		o.recordFailure(req, reason)
		return nil, ErrInvalidSecondFactor
	}

	token, err := o.deps.Sessions.CreateSession()
	if err != nil {
		return nil, err
	}

	remaining, err := o.deps.Recovery.RemainingCount(ctx)
	if err != nil {
		// The login itself succeeded; a failed count read only degrades
		// the advisory fields in the response.
		remaining = 0
	}

	actor := security.SubjectTypeAdmin
	o.deps.Audit.Record(store.Entry{
		ActorID:   &actor,
		Action:    store.ActionLogin,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
		Success:   true,
		Details:   map[string]string{"auth_method": method},
	})

	session := o.deps.Sessions.VerifySession(token)
	result := &LoginResult{
		Step:                   StepComplete,
		AuthMethod:             method,
		SessionToken:           token,
		RemainingRecoveryCodes: remaining,
		LowRecoveryCodes:       remaining < store.LowCodeThreshold,
	}
	if session != nil {
		result.ExpiresAt = session.ExpiresAt
	}
	return result, nil
}

// Logout records the logout event. Token invalidation is client-side
// only; the cookie is cleared by the HTTP layer.
func (o *Orchestrator) Logout(ip, userAgent string) {
	actor := security.SubjectTypeAdmin
	o.deps.Audit.Record(store.Entry{
		ActorID:   &actor,
		Action:    store.ActionLogout,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   true,
	})
}

// recordFailure writes the single login_failed entry for a rejected
// attempt. Failed attempts are unauthenticated and carry no actor.
func (o *Orchestrator) recordFailure(req LoginRequest, reason string) {
	o.deps.Audit.Record(store.Entry{
		Action:    store.ActionLoginFailed,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
		Success:   false,
		Details:   map[string]string{"reason": reason, "step": req.Step},
	})
}
