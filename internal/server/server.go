// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jeranaias/admingate/internal/auth"
	"github.com/jeranaias/admingate/internal/config"
	"github.com/jeranaias/admingate/internal/security"
	"github.com/jeranaias/admingate/internal/store"
)

// Server is the HTTP surface over the authentication subsystem.
type Server struct {
	cfg      *config.Config
	orch     *auth.Orchestrator
	sessions *security.SessionManager
	recovery *store.RecoveryCodeStore
	audit    *store.AuditLog
	totp     *security.TOTPEngine
	ips      *IPResolver

	totpConfigured bool

	httpServer *http.Server
}

// Deps are the constructed components the server exposes.
type Deps struct {
	Config       *config.Config
	Orchestrator *auth.Orchestrator
	Sessions     *security.SessionManager
	Recovery     *store.RecoveryCodeStore
	Audit        *store.AuditLog
	TOTP         *security.TOTPEngine
}

// New wires the router and middleware chain.
func New(deps Deps) *Server {
	s := &Server{
		cfg:            deps.Config,
		orch:           deps.Orchestrator,
		sessions:       deps.Sessions,
		recovery:       deps.Recovery,
		audit:          deps.Audit,
		totp:           deps.TOTP,
		ips:            NewIPResolver(deps.Config.TrustedProxies),
		totpConfigured: deps.Config.TOTPSecret != "",
	}

	r := mux.NewRouter()

	r.HandleFunc("/admin/auth", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/admin/auth", s.handleSessionCheck).Methods(http.MethodGet)
	r.HandleFunc("/admin/auth", s.handleLogout).Methods(http.MethodDelete)

	r.Handle("/admin/recovery-codes", s.requireSession(http.HandlerFunc(s.handleGenerateRecoveryCodes))).Methods(http.MethodPost)
	r.Handle("/admin/recovery-codes", s.requireSession(http.HandlerFunc(s.handleRecoveryStatus))).Methods(http.MethodGet)

	r.Handle("/admin/audit", s.requireSession(http.HandlerFunc(s.handleAudit))).Methods(http.MethodGet)

	r.HandleFunc("/admin/totp/setup", s.handleTOTPSetup).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	chain := Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(),
		RateLimitMiddleware(NewIPLimiter(deps.Config.APIRateLimit), s.ips),
	)

	s.httpServer = &http.Server{
		Addr:              deps.Config.ListenAddr,
		Handler:           chain(r),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler exposes the fully wrapped handler, used by the HTTP tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// requireSession guards privileged routes. Expired, tampered, and
// missing tokens all produce the same 401.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sessions.VerifySession(security.TokenFromRequest(r)) == nil {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	log.Printf("SERVER_START | addr=%s env=%s", s.cfg.ListenAddr, s.cfg.Environment)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("SERVER_SHUTDOWN | addr=%s", s.cfg.ListenAddr)
	return s.httpServer.Shutdown(ctx)
}
