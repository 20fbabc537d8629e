// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the admin authentication subsystem over HTTP.
//
// Middleware in this file covers the ambient request concerns: panic
// recovery, security headers, request logging, a generic per-IP request
// limiter, and trusted-proxy-aware client IP extraction. The login
// attempt limiter lives in internal/security; the limiter here only
// protects the API surface as a whole.
package server

import (
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// MIDDLEWARE CHAIN
// =============================================================================

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares so they execute in the order provided.
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// =============================================================================
// RECOVERY
// =============================================================================

// RecoveryMiddleware catches panics in downstream handlers, logs the
// stack trace, and answers 500 instead of crashing the server.
func RecoveryMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Printf("PANIC_RECOVERED | method=%s path=%s error=%v\n%s",
						r.Method, r.URL.Path, err, debug.Stack())
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// SECURITY HEADERS
// =============================================================================

// SecurityHeadersMiddleware sets the standard hardening headers. All
// responses from this service carry credentials or their consequences,
// so caching is disabled across the board.
func SecurityHeadersMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// REQUEST LOGGING
// =============================================================================

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs every request with method, path, status, and
// timing. Bodies and query strings are never logged; they can carry
// credentials.
func LoggingMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			log.Printf("HTTP_REQUEST | method=%s path=%s status=%d duration=%.3fs",
				r.Method, r.URL.Path, wrapped.status, time.Since(start).Seconds())
		})
	}
}

// =============================================================================
// GENERIC API RATE LIMITER
// =============================================================================

// ipLimiter tracks one token bucket per client IP.
type ipLimiter struct {
	limiters map[string]*ipLimiterEntry
	r        rate.Limit
	burst    int
	mu       sync.Mutex
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter creates a per-IP token-bucket limiter allowing perMinute
// requests per minute with the same burst.
func NewIPLimiter(perMinute int) *ipLimiter {
	if perMinute <= 0 {
		perMinute = 100
	}
	l := &ipLimiter{
		limiters: make(map[string]*ipLimiterEntry),
		r:        rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
	go l.cleanup()
	return l
}

// Allow reports whether a request from ip may proceed.
func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.r, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// cleanup drops buckets idle for more than ten minutes.
func (l *ipLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		for ip, entry := range l.limiters {
			if time.Since(entry.lastSeen) > 10*time.Minute {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}

// RateLimitMiddleware enforces the generic per-IP limit across the API.
func RateLimitMiddleware(limiter *ipLimiter, ips *IPResolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ips.ClientIP(r)
			if !limiter.Allow(ip) {
				log.Printf("RATE_LIMIT_EXCEEDED | ip=%s path=%s", ip, r.URL.Path)
				w.Header().Set("Retry-After", "60")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// CLIENT IP EXTRACTION
// =============================================================================

// IPResolver extracts the client IP from a request, trusting forwarding
// headers only when the direct peer is a configured trusted proxy.
// Untrusted peers cannot spoof X-Forwarded-For to dodge rate limits.
type IPResolver struct {
	trusted []*net.IPNet
}

// defaultTrustedProxies covers loopback and RFC 1918/4193 ranges.
var defaultTrustedProxies = []string{
	"127.0.0.1/32",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
}

// NewIPResolver parses the trusted proxy CIDRs. Empty input falls back
// to the loopback and private ranges; invalid entries are logged and
// skipped.
func NewIPResolver(cidrs []string) *IPResolver {
	if len(cidrs) == 0 {
		cidrs = defaultTrustedProxies
	}

	res := &IPResolver{}
	for _, cidr := range cidrs {
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				res.trusted = append(res.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
				continue
			}
			log.Printf("TRUSTED_PROXY_INVALID | value=%s", cidr)
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			log.Printf("TRUSTED_PROXY_INVALID | value=%s", cidr)
			continue
		}
		res.trusted = append(res.trusted, ipNet)
	}
	return res
}

func (res *IPResolver) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range res.trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the validated client address for a request.
//
// The direct connection IP is authoritative unless it belongs to a
// trusted proxy, in which case the first valid X-Forwarded-For entry
// (then X-Real-IP) is used.
func (res *IPResolver) ClientIP(r *http.Request) string {
	connIP := remoteIP(r.RemoteAddr)
	if !res.isTrusted(connIP) {
		return connIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	return connIP
}

// remoteIP strips the port from an "IP:port" RemoteAddr.
func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
