// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements NIST 800-53 IA-2(1): Multi-Factor Authentication.
// TOTP codes use the standard 30-second step with one step of skew in
// either direction, tolerating up to ±30s of client clock drift.
package security

import (
	"bytes"
	"encoding/base32"
	"errors"
	"fmt"
	"image/png"
	"regexp"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// =============================================================================
// TOTP CONSTANTS
// =============================================================================

const (
	// TOTPPeriod is the time-step size in seconds.
	TOTPPeriod = 30

	// TOTPSkew is the number of adjacent steps accepted around the current one.
	TOTPSkew = 1

	// qrImageSize is the pixel width and height of provisioning QR images.
	qrImageSize = 256
)

// totpCodePattern matches exactly six ASCII digits.
var totpCodePattern = regexp.MustCompile(`^[0-9]{6}$`)

// ErrNoSecret is returned when an operation requires a TOTP secret and
// none was provided.
var ErrNoSecret = errors.New("no TOTP secret provided")

// =============================================================================
// TOTP ENGINE
// =============================================================================

// Provisioning holds the material generated during the one-time TOTP
// setup flow. The operator scans the QR (or enters the secret manually)
// and persists the secret into server configuration.
type Provisioning struct {
	// Secret is the base32-encoded shared secret.
	Secret string

	// URL is the otpauth:// provisioning URI encoded in the QR.
	URL string
}

// TOTPEngine generates TOTP secrets and verifies time-step codes.
// Verification is a pure function over the secret and the clock; no
// attempt state is kept here.
type TOTPEngine struct {
	issuer string

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// TOTPEngineOption is a functional option for configuring TOTPEngine.
type TOTPEngineOption func(*TOTPEngine)

// WithTOTPClock sets the time source used during verification.
func WithTOTPClock(now func() time.Time) TOTPEngineOption {
	return func(e *TOTPEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewTOTPEngine creates a TOTPEngine that labels provisioning URIs with
// the given issuer.
func NewTOTPEngine(issuer string, opts ...TOTPEngineOption) *TOTPEngine {
	if issuer == "" {
		issuer = "admingate"
	}
	e := &TOTPEngine{
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateSecret creates a fresh shared secret and provisioning URI for
// the given account label. The secret is not persisted anywhere by the
// running system; the operator carries it into configuration.
func (e *TOTPEngine) GenerateSecret(accountLabel string) (*Provisioning, error) {
	if accountLabel == "" {
		accountLabel = "admin"
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountLabel,
		Period:      TOTPPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generating TOTP secret: %w", err)
	}

	return &Provisioning{
		Secret: key.Secret(),
		URL:    key.URL(),
	}, nil
}

// GenerateProvisioningQR renders the provisioning URI for an existing
// secret as a PNG QR code.
func (e *TOTPEngine) GenerateProvisioningQR(secret, accountLabel string) ([]byte, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if accountLabel == "" {
		accountLabel = "admin"
	}

	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decoding TOTP secret: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountLabel,
		Period:      TOTPPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Secret:      raw,
	})
	if err != nil {
		return nil, fmt.Errorf("building provisioning key: %w", err)
	}

	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("rendering provisioning QR: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding provisioning QR: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify reports whether code is valid for secret at the current time
// step, or one step before or after. Codes that are not exactly six
// digits are rejected without touching the secret.
func (e *TOTPEngine) Verify(code, secret string) bool {
	if secret == "" {
		return false
	}
	if !totpCodePattern.MatchString(code) {
		return false
	}

	ok, err := totp.ValidateCustom(code, secret, e.now().UTC(), totp.ValidateOpts{
		Period:    TOTPPeriod,
		Skew:      TOTPSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
