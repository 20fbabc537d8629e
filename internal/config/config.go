// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads service configuration. An optional TOML file
// provides the base values; environment variables override it. Secrets
// (credential hash, TOTP secret, session signing key) are configuration,
// never database rows, so they can be rotated by redeployment.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config holds all settings for the admin gateway.
//
// Defaults come from defaultConfig, a TOML file may override them, and
// environment variables have the last word.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `env:"ADMINGATE_LISTEN_ADDR" toml:"listen_addr"`

	// Environment selects production hardening (secure cookies).
	Environment string `env:"ADMINGATE_ENV" toml:"environment"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `env:"ADMINGATE_DB_PATH" toml:"database_path"`

	// SessionSigningKey signs session tokens. Required, at least 32 bytes.
	SessionSigningKey string `env:"ADMINGATE_SESSION_KEY" toml:"-"`

	// AdminPasswordHash is the bcrypt hash of the admin password.
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH" toml:"-"`

	// AdminPassword is the plaintext fallback, used only when no hash is
	// configured. Deployments should prefer the hash.
	AdminPassword string `env:"ADMIN_PASSWORD" toml:"-"`

	// TOTPSecret is the base32 shared secret for the admin's
	// authenticator app. Empty means the second factor is not set up and
	// login fails closed.
	TOTPSecret string `env:"ADMIN_TOTP_SECRET" toml:"-"`

	// TOTPIssuer labels provisioning URIs.
	TOTPIssuer string `env:"ADMINGATE_TOTP_ISSUER" toml:"totp_issuer"`

	// LoginRateLimit is the login attempt budget per IP per window.
	LoginRateLimit int `env:"ADMINGATE_LOGIN_RATE_LIMIT" toml:"login_rate_limit"`

	// LoginRateWindowMinutes is the login attempt window in minutes.
	LoginRateWindowMinutes int `env:"ADMINGATE_LOGIN_RATE_WINDOW_MINUTES" toml:"login_rate_window_minutes"`

	// APIRateLimit is the generic per-IP request budget per minute.
	APIRateLimit int `env:"ADMINGATE_API_RATE_LIMIT" toml:"api_rate_limit"`

	// TrustedProxies lists CIDRs whose forwarding headers are honored.
	TrustedProxies []string `env:"ADMINGATE_TRUSTED_PROXIES" envSeparator:"," toml:"trusted_proxies"`

	// ShutdownTimeoutSeconds bounds graceful shutdown.
	ShutdownTimeoutSeconds int `env:"ADMINGATE_SHUTDOWN_TIMEOUT_SECONDS" toml:"shutdown_timeout_seconds"`
}

func defaultConfig() *Config {
	return &Config{
		ListenAddr:             ":8443",
		Environment:            "development",
		DatabasePath:           "admingate.db",
		TOTPIssuer:             "admingate",
		LoginRateLimit:         5,
		LoginRateWindowMinutes: 15,
		APIRateLimit:           100,
		ShutdownTimeoutSeconds: 15,
	}
}

// Load builds the configuration. When configFile is non-empty the TOML
// file is applied over the defaults before the environment overrides.
func Load(configFile string) (*Config, error) {
	warnInsecureEnvFile()

	cfg := defaultConfig()

	if configFile != "" {
		if _, err := toml.DecodeFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.SessionSigningKey) < 32 {
		return fmt.Errorf("ADMINGATE_SESSION_KEY must be at least 32 characters")
	}
	if c.AdminPasswordHash == "" && c.AdminPassword == "" {
		return fmt.Errorf("one of ADMIN_PASSWORD_HASH or ADMIN_PASSWORD is required")
	}
	if c.LoginRateLimit <= 0 {
		return fmt.Errorf("login rate limit must be positive")
	}
	if c.LoginRateWindowMinutes <= 0 {
		return fmt.Errorf("login rate window must be positive")
	}
	if c.TOTPSecret == "" {
		// Not an error: the orchestrator fails closed. Flag it so the
		// operator knows login cannot complete until setup is done.
		log.Printf("CONFIG_WARNING | totp=not_configured effect=admin_login_disabled_until_setup")
	}
	return nil
}

// LoginRateWindow returns the attempt window as a duration.
func (c *Config) LoginRateWindow() time.Duration {
	return time.Duration(c.LoginRateWindowMinutes) * time.Minute
}

// ShutdownTimeout returns the graceful shutdown bound as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// IsProduction reports whether production hardening applies.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// warnInsecureEnvFile flags a group or world readable .env file, which
// would expose credentials to other local users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		log.Printf("CONFIG_WARNING | file=.env permissions=%04o recommended=0600", mode)
	}
}
