// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/jeranaias/admingate/internal/auth"
	"github.com/jeranaias/admingate/internal/security"
	"github.com/jeranaias/admingate/internal/store"
)

// maxRequestBody caps JSON request bodies. Login payloads are tiny; a
// large body is hostile.
const maxRequestBody = 16 * 1024

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("RESPONSE_ENCODE_FAILED | error=%v", err)
	}
}

type errorResponse struct {
	Success       bool   `json:"success"`
	Error         string `json:"error"`
	RequiresSetup bool   `json:"requiresSetup,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: message})
}

// =============================================================================
// LOGIN
// =============================================================================

type loginRequest struct {
	Password string `json:"password"`
	TOTPCode string `json:"totpCode"`
	Step     string `json:"step"`
}

type loginResponse struct {
	Success                bool   `json:"success"`
	Step                   string `json:"step"`
	AuthMethod             string `json:"authMethod,omitempty"`
	ExpiresAt              string `json:"expiresAt,omitempty"`
	RemainingRecoveryCodes *int   `json:"remainingRecoveryCodes,omitempty"`
	LowRecoveryCodes       bool   `json:"lowRecoveryCodes,omitempty"`
}

// handleLogin drives the two-step login protocol. Error responses stay
// deliberately vague: a failed second factor never confirms that the
// password was right, beyond what the protocol itself implies.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Step == "" {
		req.Step = auth.StepPassword
	}

	result, err := s.orch.Login(r.Context(), auth.LoginRequest{
		Step:      req.Step,
		Password:  req.Password,
		TOTPCode:  req.TOTPCode,
		IP:        s.ips.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.writeLoginError(w, err)
		return
	}

	switch result.Step {
	case auth.Step2FA:
		writeJSON(w, http.StatusOK, loginResponse{Success: true, Step: auth.Step2FA})
	case auth.StepComplete:
		s.sessions.SetCookie(w, result.SessionToken)
		remaining := result.RemainingRecoveryCodes
		writeJSON(w, http.StatusOK, loginResponse{
			Success:                true,
			Step:                   auth.StepComplete,
			AuthMethod:             result.AuthMethod,
			ExpiresAt:              result.ExpiresAt.UTC().Format(time.RFC3339),
			RemainingRecoveryCodes: &remaining,
			LowRecoveryCodes:       result.LowRecoveryCodes,
		})
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeLoginError maps the error taxonomy onto HTTP statuses with
// minimal detail.
func (s *Server) writeLoginError(w http.ResponseWriter, err error) {
	var rle *security.RateLimitError
	switch {
	case errors.As(err, &rle):
		retry := int(rle.RetryAfter(time.Now()).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
	case errors.Is(err, auth.ErrSecondFactorNotConfigured):
		writeJSON(w, http.StatusForbidden, errorResponse{
			Success:       false,
			Error:         "two-factor authentication must be set up before logging in",
			RequiresSetup: true,
		})
	case errors.Is(err, auth.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidSecondFactor):
		writeError(w, http.StatusUnauthorized, "invalid authentication code")
	case errors.Is(err, auth.ErrMissingSecondFactor):
		writeError(w, http.StatusBadRequest, "authentication code required")
	case errors.Is(err, auth.ErrUnknownStep):
		writeError(w, http.StatusBadRequest, "unknown login step")
	default:
		log.Printf("LOGIN_ERROR | error=%v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// =============================================================================
// SESSION CHECK AND LOGOUT
// =============================================================================

// handleSessionCheck reports whether the caller holds a valid session.
// Absence, expiry, and tampering are indistinguishable 401s.
func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.VerifySession(security.TokenFromRequest(r))
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"expiresAt":     sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.ClearCookie(w)
	s.orch.Logout(s.ips.ClientIP(r), r.UserAgent())
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// =============================================================================
// RECOVERY CODES
// =============================================================================

func (s *Server) handleGenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := s.recovery.Generate(r.Context())
	if err != nil {
		log.Printf("RECOVERY_GENERATE_FAILED | error=%v", err)
		writeError(w, http.StatusInternalServerError, "could not generate recovery codes")
		return
	}

	actor := security.SubjectTypeAdmin
	s.audit.Record(store.Entry{
		ActorID:   &actor,
		Action:    store.ActionConfigChange,
		IPAddress: s.ips.ClientIP(r),
		UserAgent: r.UserAgent(),
		Success:   true,
		Details:   map[string]string{"change": "recovery_codes_regenerated"},
	})

	// The cleartext codes cross the wire exactly once.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"codes":   codes,
		"count":   len(codes),
		"warning": "store these codes now; they cannot be shown again",
	})
}

func (s *Server) handleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.recovery.Status(r.Context())
	if err != nil {
		log.Printf("RECOVERY_STATUS_FAILED | error=%v", err)
		writeError(w, http.StatusInternalServerError, "could not read recovery code status")
		return
	}

	s.recordDataAccess(r, "recovery_codes")
	writeJSON(w, http.StatusOK, status)
}

// =============================================================================
// AUDIT QUERIES
// =============================================================================

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("stats") == "true" {
		days := 30
		if v := q.Get("days"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 365 {
				writeError(w, http.StatusBadRequest, "days must be between 1 and 365")
				return
			}
			days = n
		}

		stats, err := s.audit.Statistics(r.Context(), days)
		if err != nil {
			log.Printf("AUDIT_STATS_FAILED | error=%v", err)
			writeError(w, http.StatusInternalServerError, "could not compute statistics")
			return
		}

		s.recordDataAccess(r, "audit_statistics")
		writeJSON(w, http.StatusOK, stats)
		return
	}

	filter := store.Filter{
		ActorID: q.Get("adminId"),
		Action:  store.Action(q.Get("action")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}
	if v := q.Get("startDate"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "startDate must be RFC 3339")
			return
		}
		filter.Start = ts
	}
	if v := q.Get("endDate"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "endDate must be RFC 3339")
			return
		}
		filter.End = ts
	}

	result, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		log.Printf("AUDIT_QUERY_FAILED | error=%v", err)
		writeError(w, http.StatusInternalServerError, "could not query audit log")
		return
	}

	s.recordDataAccess(r, "audit_log")
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// TOTP SETUP
// =============================================================================

// handleTOTPSetup generates a candidate secret and provisioning QR for
// the one-time setup flow. The running system does not persist the
// secret; the operator carries it into configuration. Once a secret is
// configured this endpoint requires a session, so a bootstrap window
// only exists while login is impossible anyway (fail closed).
func (s *Server) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	if s.totpConfigured {
		if s.sessions.VerifySession(security.TokenFromRequest(r)) == nil {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
	}

	prov, err := s.totp.GenerateSecret("admin")
	if err != nil {
		log.Printf("TOTP_SETUP_FAILED | error=%v", err)
		writeError(w, http.StatusInternalServerError, "could not generate TOTP secret")
		return
	}

	qr, err := s.totp.GenerateProvisioningQR(prov.Secret, "admin")
	if err != nil {
		log.Printf("TOTP_SETUP_FAILED | error=%v", err)
		writeError(w, http.StatusInternalServerError, "could not render provisioning QR")
		return
	}

	actor := security.SubjectTypeAdmin
	s.audit.Record(store.Entry{
		ActorID:   &actor,
		Action:    store.ActionSecurityEvent,
		IPAddress: s.ips.ClientIP(r),
		UserAgent: r.UserAgent(),
		Success:   true,
		Details:   map[string]string{"event": "totp_setup_initiated"},
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"secret":      prov.Secret,
		"url":         prov.URL,
		"qrPng":       base64.StdEncoding.EncodeToString(qr),
		"instruction": fmt.Sprintf("set ADMIN_TOTP_SECRET=%s and restart the service", prov.Secret),
	})
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recordDataAccess audits a privileged read.
func (s *Server) recordDataAccess(r *http.Request, resource string) {
	actor := security.SubjectTypeAdmin
	res := resource
	s.audit.Record(store.Entry{
		ActorID:   &actor,
		Action:    store.ActionDataAccess,
		Resource:  &res,
		IPAddress: s.ips.ClientIP(r),
		UserAgent: r.UserAgent(),
		Success:   true,
	})
}
