// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command admingate runs the admin authentication service: two-step
// password + TOTP login, one-time recovery codes, signed session
// cookies, login rate limiting, and an append-only audit log, exposed
// over a small HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/jeranaias/admingate/internal/auth"
	"github.com/jeranaias/admingate/internal/config"
	"github.com/jeranaias/admingate/internal/security"
	"github.com/jeranaias/admingate/internal/server"
	"github.com/jeranaias/admingate/internal/store"
)

func main() {
	configFile := flag.String("config", "", "optional TOML config file (environment overrides it)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		log.Fatalf("FATAL | error=%v", err)
	}
}

func run(configFile string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	cred, err := security.NewCredentialVerifier(cfg.AdminPasswordHash, cfg.AdminPassword)
	if err != nil {
		return err
	}

	sessions, err := security.NewSessionManager(
		[]byte(cfg.SessionSigningKey),
		security.WithSecureCookies(cfg.IsProduction()),
	)
	if err != nil {
		return err
	}

	audit := store.NewAuditLog(st)
	defer audit.Close()

	recovery := store.NewRecoveryCodeStore(st)
	engine := security.NewTOTPEngine(cfg.TOTPIssuer)

	orch := auth.New(auth.Deps{
		Limiter:    security.NewRateLimiter(security.WithWindow(cfg.LoginRateWindow())),
		Credential: cred,
		TOTP:       engine,
		Recovery:   recovery,
		Sessions:   sessions,
		Audit:      audit,
		TOTPSecret: cfg.TOTPSecret,
		LoginLimit: cfg.LoginRateLimit,
	})

	srv := server.New(server.Deps{
		Config:       cfg,
		Orchestrator: orch,
		Sessions:     sessions,
		Recovery:     recovery,
		Audit:        audit,
		TOTP:         engine,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Printf("SIGNAL_RECEIVED | signal=%s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	// The deferred audit.Close drains pending writes before exit.
	return nil
}
