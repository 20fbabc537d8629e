// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jeranaias/admingate/internal/auth"
	"github.com/jeranaias/admingate/internal/config"
	"github.com/jeranaias/admingate/internal/security"
	"github.com/jeranaias/admingate/internal/store"
)

const testPassword = "correct horse battery staple"

type testServer struct {
	handler  http.Handler
	secret   string
	sessions *security.SessionManager
	audit    *store.AuditLog
	recovery *store.RecoveryCodeStore
}

// newTestServer stands up the full HTTP stack on an in-memory store.
func newTestServer(t *testing.T, withTOTP bool) *testServer {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	engine := security.NewTOTPEngine("admingate-test")

	secret := ""
	if withTOTP {
		prov, err := engine.GenerateSecret("admin")
		require.NoError(t, err)
		secret = prov.Secret
	}

	cfg := &config.Config{
		ListenAddr:             ":0",
		Environment:            "development",
		DatabasePath:           ":memory:",
		SessionSigningKey:      "0123456789abcdef0123456789abcdef",
		AdminPasswordHash:      string(hash),
		TOTPSecret:             secret,
		TOTPIssuer:             "admingate-test",
		LoginRateLimit:         5,
		LoginRateWindowMinutes: 15,
		APIRateLimit:           10000,
	}

	cred, err := security.NewCredentialVerifier(cfg.AdminPasswordHash, "")
	require.NoError(t, err)

	sessions, err := security.NewSessionManager([]byte(cfg.SessionSigningKey))
	require.NoError(t, err)

	audit := store.NewAuditLog(st)
	t.Cleanup(audit.Close)
	recovery := store.NewRecoveryCodeStore(st, store.WithHashCost(bcrypt.MinCost))

	orch := auth.New(auth.Deps{
		Limiter:    security.NewRateLimiter(security.WithWindow(cfg.LoginRateWindow())),
		Credential: cred,
		TOTP:       engine,
		Recovery:   recovery,
		Sessions:   sessions,
		Audit:      audit,
		TOTPSecret: secret,
		LoginLimit: cfg.LoginRateLimit,
	})

	srv := New(Deps{
		Config:       cfg,
		Orchestrator: orch,
		Sessions:     sessions,
		Recovery:     recovery,
		Audit:        audit,
		TOTP:         engine,
	})

	return &testServer{
		handler:  srv.Handler(),
		secret:   secret,
		sessions: sessions,
		audit:    audit,
		recovery: recovery,
	}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func loginBody(t *testing.T, step, password, code string) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"step": step, "password": password, "totpCode": code})
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// login completes both steps and returns the session cookie.
func (ts *testServer) login(t *testing.T) *http.Cookie {
	t.Helper()

	code, err := totp.GenerateCode(ts.secret, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "2fa", testPassword, code))
	rec := ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, c := range rec.Result().Cookies() {
		if c.Name == security.SessionCookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestLoginWrongPassword(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "password", "wrong", "")))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	body := decodeJSON(t, rec)
	require.Equal(t, false, body["success"])
	require.Empty(t, rec.Result().Cookies())
}

func TestLoginFailsClosedWithoutTOTP(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "password", testPassword, "")))
	require.Equal(t, http.StatusForbidden, rec.Code)

	body := decodeJSON(t, rec)
	require.Equal(t, true, body["requiresSetup"])
	require.Empty(t, rec.Result().Cookies(), "no session may ever be issued without a second factor")
}

func TestLoginPasswordStepAdvances(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "password", testPassword, "")))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	require.Equal(t, true, body["success"])
	require.Equal(t, "2fa", body["step"])
	require.Empty(t, rec.Result().Cookies())
}

func TestLoginWrongTOTPCode(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "2fa", testPassword, "000000")))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginCompleteAndSessionCheck(t *testing.T) {
	ts := newTestServer(t, true)

	code, err := totp.GenerateCode(ts.secret, time.Now())
	require.NoError(t, err)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "2fa", testPassword, code)))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	require.Equal(t, "complete", body["step"])
	require.Equal(t, "totp", body["authMethod"])

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	require.Equal(t, security.SessionCookieName, cookie.Name)
	require.True(t, cookie.HttpOnly)

	// The issued cookie authenticates a session check.
	req := httptest.NewRequest(http.MethodGet, "/admin/auth", nil)
	req.AddCookie(cookie)
	rec = ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeJSON(t, rec)
	require.Equal(t, true, body["authenticated"])
	require.NotEmpty(t, body["expiresAt"])

	// A tampered cookie does not.
	req = httptest.NewRequest(http.MethodGet, "/admin/auth", nil)
	req.AddCookie(&http.Cookie{Name: security.SessionCookieName, Value: cookie.Value + "x"})
	rec = ts.do(t, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginWithRecoveryCode(t *testing.T) {
	ts := newTestServer(t, true)

	codes, err := ts.recovery.Generate(context.Background())
	require.NoError(t, err)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "2fa", testPassword, codes[0])))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	require.Equal(t, "recovery_code", body["authMethod"])
	require.Equal(t, float64(store.RecoveryCodeCount-1), body["remainingRecoveryCodes"])
}

func TestLoginRateLimited(t *testing.T) {
	ts := newTestServer(t, true)

	for i := 0; i < 5; i++ {
		rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "password", "wrong", "")))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "password", "wrong", "")))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestLogoutClearsCookie(t *testing.T) {
	ts := newTestServer(t, true)
	cookie := ts.login(t)

	req := httptest.NewRequest(http.MethodDelete, "/admin/auth", nil)
	req.AddCookie(cookie)
	rec := ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	require.Empty(t, cleared[0].Value)
	require.Negative(t, cleared[0].MaxAge)
}

func TestRecoveryEndpointsRequireSession(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/admin/recovery-codes", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/recovery-codes", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecoveryGenerateAndStatus(t *testing.T) {
	ts := newTestServer(t, true)
	cookie := ts.login(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/recovery-codes", nil)
	req.AddCookie(cookie)
	rec := ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	require.Equal(t, float64(store.RecoveryCodeCount), body["count"])
	require.Len(t, body["codes"], store.RecoveryCodeCount)

	req = httptest.NewRequest(http.MethodGet, "/admin/recovery-codes", nil)
	req.AddCookie(cookie)
	rec = ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body = decodeJSON(t, rec)
	require.Equal(t, true, body["hasSetup"])
	require.Equal(t, float64(store.RecoveryCodeCount), body["remainingCount"])
	require.Equal(t, false, body["lowCodes"])
}

func TestAuditEndpoint(t *testing.T) {
	ts := newTestServer(t, true)
	cookie := ts.login(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/audit?stats=true&days=7", nil)
	req.AddCookie(cookie)
	rec := ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decodeJSON(t, rec)
	require.Contains(t, stats, "totalLogs")
	require.Contains(t, stats, "recentFailedLogins")

	req = httptest.NewRequest(http.MethodGet, "/admin/audit?limit=10&action=login", nil)
	req.AddCookie(cookie)
	rec = ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	page := decodeJSON(t, rec)
	require.Contains(t, page, "entries")
	require.Contains(t, page, "total")

	req = httptest.NewRequest(http.MethodGet, "/admin/audit?stats=true&days=9999", nil)
	req.AddCookie(cookie)
	rec = ts.do(t, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTOTPSetupBootstrap(t *testing.T) {
	// With no secret configured, setup is reachable without a session:
	// login is impossible in this state anyway.
	ts := newTestServer(t, false)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/totp/setup", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	require.NotEmpty(t, body["secret"])
	require.NotEmpty(t, body["qrPng"])
	require.Contains(t, body["url"], "otpauth://")
}

func TestTOTPSetupRequiresSessionWhenConfigured(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/totp/setup", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := ts.login(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/totp/setup", nil)
	req.AddCookie(cookie)
	rec = ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeadersPresent(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
}

func TestMalformedLoginBody(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", bytes.NewReader([]byte("{not json"))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEndToEndRecoveryDecrement(t *testing.T) {
	ts := newTestServer(t, true)
	cookie := ts.login(t)

	// Generate a batch through the API, then burn one code logging in.
	req := httptest.NewRequest(http.MethodPost, "/admin/recovery-codes", nil)
	req.AddCookie(cookie)
	rec := ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var gen struct {
		Codes []string `json:"codes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gen))
	require.Len(t, gen.Codes, store.RecoveryCodeCount)

	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "2fa", testPassword, gen.Codes[0])))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	require.Equal(t, "recovery_code", body["authMethod"])
	require.Equal(t, float64(store.RecoveryCodeCount-1), body["remainingRecoveryCodes"])

	// Second use of the same code fails.
	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "2fa", testPassword, gen.Codes[0])))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownStepRejected(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/admin/auth", loginBody(t, "magic", testPassword, "")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
