// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the core authentication primitives for the
// admin gateway: login rate limiting, credential verification, TOTP
// second-factor verification, and signed session tokens.
//
// This file implements NIST 800-53 AC-7: Unsuccessful Logon Attempts.
// Attempts are counted per client key (typically "login:<ip>") inside a
// fixed window; once the limit is reached, further attempts are rejected
// until the whole window expires. Counts never decay partially.
package security

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// RATE LIMIT CONSTANTS
// =============================================================================

const (
	// DefaultLoginLimit is the default number of attempts allowed per window.
	// Per AC-7(a), login endpoints allow 5 attempts per 15 minutes.
	DefaultLoginLimit = 5

	// DefaultWindow is the default attempt-counting window.
	DefaultWindow = 15 * time.Minute

	// DefaultMaxKeys bounds the number of distinct keys tracked at once.
	// When exceeded, the least recently seen bucket is evicted.
	DefaultMaxKeys = 10000
)

// =============================================================================
// ERRORS AND STATUS
// =============================================================================

// RateLimitError is returned when a key has exhausted its attempt budget.
// ResetAt is when the window expires and attempts are accepted again.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.ResetAt.Format(time.RFC3339))
}

// RetryAfter returns the duration until the window resets, floored at zero.
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RateLimitStatus reports the remaining budget after a permitted attempt.
type RateLimitStatus struct {
	Remaining int
	ResetAt   time.Time
}

// =============================================================================
// RATE LIMITER
// =============================================================================

// bucket holds the attempt count for one key within the current window.
type bucket struct {
	count    int
	resetAt  time.Time
	lastSeen time.Time
}

// RateLimiter counts attempts per key over fixed TTL windows.
// It is safe for concurrent use; increment-and-check happens under a
// single lock so two simultaneous requests cannot both claim the last
// slot in a window.
type RateLimiter struct {
	// buckets maps client keys to their attempt counters.
	buckets map[string]*bucket

	// window is how long a bucket lives before the count resets.
	window time.Duration

	// maxKeys caps the number of tracked keys (LRU eviction beyond it).
	maxKeys int

	// mu protects concurrent access to the buckets map.
	mu sync.Mutex

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// RateLimiterOption is a functional option for configuring RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithWindow sets the attempt-counting window.
func WithWindow(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		if d > 0 {
			rl.window = d
		}
	}
}

// WithMaxKeys sets the maximum number of distinct keys tracked.
func WithMaxKeys(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxKeys = n
		}
	}
}

// WithClock sets the time source. Used by tests to simulate window expiry.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		if now != nil {
			rl.now = now
		}
	}
}

// NewRateLimiter creates a RateLimiter with the given options.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		window:  DefaultWindow,
		maxKeys: DefaultMaxKeys,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Check records one attempt for key and reports whether it is allowed.
//
// The first call for a key starts a window; attempts within the window
// are counted, and once limit attempts have been consumed every further
// call returns a *RateLimitError carrying the window's reset time. When
// the window expires the bucket is reinitialized and counting restarts.
//
// SECURITY: the count is spent regardless of whether the caller's
// underlying credential check would have succeeded.
func (rl *RateLimiter) Check(limit int, key string) (RateLimitStatus, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) || now.Equal(b.resetAt) {
		if !ok && len(rl.buckets) >= rl.maxKeys {
			rl.evictOldestLocked()
		}
		b = &bucket{resetAt: now.Add(rl.window)}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	if b.count >= limit {
		return RateLimitStatus{Remaining: 0, ResetAt: b.resetAt}, &RateLimitError{ResetAt: b.resetAt}
	}

	b.count++
	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitStatus{Remaining: remaining, ResetAt: b.resetAt}, nil
}

// Remaining reports the budget left for key without spending an attempt.
// Returns limit when the key has no live bucket.
func (rl *RateLimiter) Remaining(limit int, key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || rl.now().After(b.resetAt) {
		return limit
	}
	remaining := limit - b.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset discards the bucket for key, restoring its full budget.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// Cleanup removes expired buckets and returns the number removed.
// Expiry is also handled lazily on Check, so calling this is optional;
// it exists to free memory for keys that never return.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// evictOldestLocked drops the least recently seen bucket (caller holds mu).
func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldestSeen time.Time
	first := true
	for key, b := range rl.buckets {
		if first || b.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = b.lastSeen
			first = false
		}
	}
	if !first {
		delete(rl.buckets, oldestKey)
	}
}
