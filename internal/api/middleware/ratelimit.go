package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the per-client throttle on the control-plane API.
type RateLimitConfig struct {
	// Rate is requests per second allowed per client IP.
	Rate rate.Limit
	// Burst is the per-IP burst allowance.
	Burst int
	// EvictInterval is how often idle client buckets are swept out.
	EvictInterval time.Duration
	// MaxIdle is how long a client bucket survives without traffic.
	MaxIdle time.Duration
}

// DefaultRateLimitConfig suits the scenario CRUD surface: 20 requests per
// second with a burst of 40 per client.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:          rate.Limit(20),
		Burst:         40,
		EvictInterval: 5 * time.Minute,
		MaxIdle:       10 * time.Minute,
	}
}

// visitor is one client IP's token bucket and its last activity time.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter throttles API clients by source IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      RateLimitConfig
	stopCh   chan struct{}
}

// NewIPRateLimiter builds the limiter and starts the idle-bucket sweeper.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow reports whether a request from ip may proceed.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// Stop ends the background sweeper.
func (rl *IPRateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *IPRateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictStale()
		case <-rl.stopCh:
			return
		}
	}
}

// evictStale drops buckets idle longer than MaxIdle.
func (rl *IPRateLimiter) evictStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxIdle)
	evicted := 0
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter evicted idle clients", "evicted", evicted, "remaining", len(rl.visitors))
	}
}

// RateLimit throttles requests by client IP, answering 429 with a
// Retry-After header when the bucket is empty.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if !limiter.Allow(ip) {
				slog.Warn("api rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"}) //nolint:errcheck
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware runs
// earlier in the stack and rewrites RemoteAddr when a proxy header is
// present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
