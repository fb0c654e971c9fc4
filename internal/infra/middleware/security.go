// Package middleware holds the HTTP middleware of the task API.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityHeaders adds the security headers of a JSON API to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")

		// HSTS only over TLS
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// BearerAuth rejects requests whose Authorization header does not carry
// token. An empty token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="tldr"`)
				WriteError(w, http.StatusUnauthorized, "AUTH_INVALID", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitConfig holds configuration for the per-client rate limiter.
type RateLimitConfig struct {
	PerSecond float64 // sustained requests per second per client; 0 disables limiting
	Burst     int
	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed.
	TrustedProxies []string
	// IdleTTL is how long an idle client's limiter is kept. Defaults to 3m.
	IdleTTL time.Duration
}

// RateLimit applies a token bucket per client IP. The cleanup goroutine
// stops when ctx ends.
func RateLimit(ctx context.Context, cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.PerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	proxies := parseProxies(cfg.TrustedProxies)

	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var mu sync.Mutex
	clients := make(map[string]*client)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				for ip, c := range clients {
					if time.Since(c.lastSeen) > cfg.IdleTTL {
						delete(clients, ip)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, proxies)

			mu.Lock()
			c, ok := clients[ip]
			if !ok {
				c = &client{limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)}
				clients[ip] = c
			}
			c.lastSeen = time.Now()
			mu.Unlock()

			res := c.limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				WriteError(w, http.StatusTooManyRequests, "RATE_LIMIT", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type proxySet struct {
	ips  []net.IP
	nets []*net.IPNet
}

func parseProxies(entries []string) proxySet {
	var ps proxySet
	for _, e := range entries {
		if _, n, err := net.ParseCIDR(e); err == nil {
			ps.nets = append(ps.nets, n)
		} else if ip := net.ParseIP(e); ip != nil {
			ps.ips = append(ps.ips, ip)
		}
	}
	return ps
}

func (ps proxySet) contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, p := range ps.ips {
		if p.Equal(ip) {
			return true
		}
	}
	for _, n := range ps.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the peer IP, or the forwarded client IP when the peer is
// a trusted proxy.
func clientIP(r *http.Request, proxies proxySet) string {
	direct := r.RemoteAddr
	if host, _, err := net.SplitHostPort(direct); err == nil {
		direct = host
	}
	if !proxies.contains(net.ParseIP(direct)) {
		return direct
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return direct
}

// ErrorBody is the JSON error envelope of the API.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteError writes a JSON error envelope with status.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	var body ErrorBody
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
