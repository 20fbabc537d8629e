// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements the one-time recovery code store. Codes are
// displayed once in cleartext at generation time and persisted only as
// bcrypt hashes with a used flag. Consumption is atomic: the UPDATE that
// marks a code used is guarded on used=0 inside the same transaction, so
// concurrent submissions of one code can never both succeed.
package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// RECOVERY CODE CONSTANTS
// =============================================================================

const (
	// RecoveryCodeCount is the fixed batch size for generation.
	RecoveryCodeCount = 10

	// LowCodeThreshold marks the remaining count below which the admin
	// should regenerate.
	LowCodeThreshold = 3

	// recoveryCodeLength is the number of significant characters in a
	// code, separators excluded.
	recoveryCodeLength = 10

	// recoveryCodeAlphabet excludes ambiguous characters (0/O, 1/I/L)
	// since admins type these codes by hand.
	recoveryCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// =============================================================================
// RECOVERY CODE STORE
// =============================================================================

// RecoveryCodeStore generates, persists, and consumes one-time backup
// codes for the admin account.
type RecoveryCodeStore struct {
	db *sqlx.DB

	// hashCost is the bcrypt cost for code hashes; tests lower it.
	hashCost int

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// RecoveryCodeStoreOption is a functional option for RecoveryCodeStore.
type RecoveryCodeStoreOption func(*RecoveryCodeStore)

// WithHashCost sets the bcrypt cost used for code hashes.
func WithHashCost(cost int) RecoveryCodeStoreOption {
	return func(r *RecoveryCodeStore) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			r.hashCost = cost
		}
	}
}

// WithRecoveryClock sets the time source for used_at/created_at stamps.
func WithRecoveryClock(now func() time.Time) RecoveryCodeStoreOption {
	return func(r *RecoveryCodeStore) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecoveryCodeStore creates a RecoveryCodeStore on the shared database.
func NewRecoveryCodeStore(s *Store, opts ...RecoveryCodeStoreOption) *RecoveryCodeStore {
	r := &RecoveryCodeStore{
		db:       s.db,
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generate mints a fresh batch of RecoveryCodeCount codes, persists
// their hashes, and deletes all previously unused codes in the same
// transaction. The returned cleartext codes are shown to the admin
// exactly once and are never retrievable again.
func (r *RecoveryCodeStore) Generate(ctx context.Context) ([]string, error) {
	codes := make([]string, 0, RecoveryCodeCount)
	hashes := make([]string, 0, RecoveryCodeCount)

	for i := 0; i < RecoveryCodeCount; i++ {
		code, err := newRecoveryCode()
		if err != nil {
			return nil, fmt.Errorf("recovery: generating code: %w", err)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(NormalizeRecoveryCode(code)), r.hashCost)
		if err != nil {
			return nil, fmt.Errorf("recovery: hashing code: %w", err)
		}

		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("recovery: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Regeneration invalidates the old batch.
	if _, err := tx.ExecContext(ctx, `DELETE FROM recovery_codes WHERE used = 0`); err != nil {
		return nil, fmt.Errorf("recovery: invalidating previous batch: %w", err)
	}

	createdAt := r.now().UTC()
	for _, hash := range hashes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recovery_codes (code_hash, used, created_at) VALUES (?, 0, ?)`,
			hash, createdAt,
		); err != nil {
			return nil, fmt.Errorf("recovery: inserting code: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("recovery: committing batch: %w", err)
	}

	return codes, nil
}

// Verify checks candidate against the stored unused codes and, on a
// match, marks the code used in the same transaction. Returns true at
// most once per code: the UPDATE is guarded on used=0, so a concurrent
// duplicate submission finds zero affected rows and fails.
func (r *RecoveryCodeStore) Verify(ctx context.Context, candidate string) (bool, error) {
	norm := NormalizeRecoveryCode(candidate)
	if len(norm) != recoveryCodeLength {
		return false, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("recovery: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows := []struct {
		ID       int64  `db:"id"`
		CodeHash string `db:"code_hash"`
	}{}
	if err := tx.SelectContext(ctx, &rows,
		`SELECT id, code_hash FROM recovery_codes WHERE used = 0`,
	); err != nil {
		return false, fmt.Errorf("recovery: loading unused codes: %w", err)
	}

	for _, row := range rows {
		if bcrypt.CompareHashAndPassword([]byte(row.CodeHash), []byte(norm)) != nil {
			continue
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE recovery_codes SET used = 1, used_at = ? WHERE id = ? AND used = 0`,
			r.now().UTC(), row.ID,
		)
		if err != nil {
			return false, fmt.Errorf("recovery: marking code used: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("recovery: checking update result: %w", err)
		}
		if affected != 1 {
			// Lost the race to a concurrent consumption of the same code.
			return false, nil
		}

		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("recovery: committing consumption: %w", err)
		}
		return true, nil
	}

	return false, nil
}

// RemainingCount returns the number of unused codes.
func (r *RecoveryCodeStore) RemainingCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM recovery_codes WHERE used = 0`)
	if err != nil {
		return 0, fmt.Errorf("recovery: counting unused codes: %w", err)
	}
	return count, nil
}

// RecoveryStatus summarizes the state of the admin's recovery codes.
type RecoveryStatus struct {
	HasSetup       bool `json:"hasSetup"`
	RemainingCount int  `json:"remainingCount"`
	LowCodes       bool `json:"lowCodes"`
}

// Status reports whether codes have ever been generated, how many
// remain unused, and whether the remainder is low.
func (r *RecoveryCodeStore) Status(ctx context.Context) (RecoveryStatus, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM recovery_codes`); err != nil {
		return RecoveryStatus{}, fmt.Errorf("recovery: counting codes: %w", err)
	}

	remaining, err := r.RemainingCount(ctx)
	if err != nil {
		return RecoveryStatus{}, err
	}

	return RecoveryStatus{
		HasSetup:       total > 0,
		RemainingCount: remaining,
		LowCodes:       remaining < LowCodeThreshold,
	}, nil
}

// =============================================================================
// CODE FORMAT
// =============================================================================

// NormalizeRecoveryCode uppercases the input and strips spaces and
// hyphens, reducing a typed code to its significant characters. Callers
// classify a second-factor submission as a recovery code when the
// normalized form is at least 10 characters long.
func NormalizeRecoveryCode(s string) string {
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// newRecoveryCode produces a cryptographically random code in the
// grouped XXXX-XXXX-XX format.
func newRecoveryCode() (string, error) {
	chars := make([]byte, recoveryCodeLength)
	max := big.NewInt(int64(len(recoveryCodeAlphabet)))
	for i := range chars {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		chars[i] = recoveryCodeAlphabet[n.Int64()]
	}

	return fmt.Sprintf("%s-%s-%s", chars[0:4], chars[4:8], chars[8:10]), nil
}
