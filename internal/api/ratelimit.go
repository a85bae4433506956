package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"sync-trainer/internal/observability"
)

// RateLimitConfig configures the IP-based rate limiter
type RateLimitConfig struct {
	RequestsPerSecond float64       // Requests allowed per second per IP
	Burst             int           // Maximum burst size
	CleanupInterval   time.Duration // How often to clean up stale limiters
}

// DefaultRateLimitConfig allows a dashboard polling a few endpoints
var DefaultRateLimitConfig = RateLimitConfig{
	RequestsPerSecond: 20,
	Burst:             40,
	CleanupInterval:   5 * time.Minute,
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter applies a token bucket per client IP
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	config   RateLimitConfig

	stopChan chan struct{}
	stopOnce sync.Once

	rejected atomic.Uint64
	allowed  atomic.Uint64
}

// NewIPRateLimiter creates a limiter and starts its cleanup goroutine.
// Call Stop to release it.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimitConfig.CleanupInterval
	}
	rl := &IPRateLimiter{
		limiters: make(map[string]*ipLimiterEntry),
		config:   cfg,
		stopChan: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop ends the cleanup goroutine
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopChan) })
}

func (rl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopChan:
			return
		case now := <-ticker.C:
			rl.cleanup(now.Add(-2 * rl.config.CleanupInterval))
		}
	}
}

// cleanup drops limiters idle since before cutoff
func (rl *IPRateLimiter) cleanup(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
			removed++
		}
	}
	return removed
}

// Allow consumes a token for ip
func (rl *IPRateLimiter) Allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	e, ok := rl.limiters[ip]
	if !ok {
		e = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.limiters[ip] = e
	}
	e.lastSeen = now
	rl.mu.Unlock()

	if e.limiter.AllowN(now, 1) {
		rl.allowed.Add(1)
		return true
	}
	rl.rejected.Add(1)
	return false
}

// Middleware rejects over-limit requests with 429
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(GetClientIP(r)) {
			observability.RecordRejected("rate_limit")
			w.Header().Set("Retry-After", "1")
			writeError(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetStats returns limiter counters
func (rl *IPRateLimiter) GetStats() map[string]uint64 {
	return map[string]uint64{
		"allowed":  rl.allowed.Load(),
		"rejected": rl.rejected.Load(),
	}
}

// GetClientIP extracts the client IP, honouring X-Forwarded-For and
// X-Real-IP. Both can be spoofed unless a trusted proxy sets them.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ConnLimiter caps concurrent WebSocket connections per IP
type ConnLimiter struct {
	mu       sync.Mutex
	counts   map[string]int
	maxPerIP int
	rejected atomic.Uint64
}

func NewConnLimiter(maxPerIP int) *ConnLimiter {
	return &ConnLimiter{counts: make(map[string]int), maxPerIP: maxPerIP}
}

// Acquire reserves a slot for ip
func (c *ConnLimiter) Acquire(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] >= c.maxPerIP {
		c.rejected.Add(1)
		return false
	}
	c.counts[ip]++
	return true
}

// Release frees a slot reserved by Acquire
func (c *ConnLimiter) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] <= 1 {
		delete(c.counts, ip)
		return
	}
	c.counts[ip]--
}

// Count is the number of open connections for ip
func (c *ConnLimiter) Count(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[ip]
}

// DefaultCORSOrigins allows local dashboards only
var DefaultCORSOrigins = []string{
	"http://localhost:*",
	"http://127.0.0.1:*",
}

// IsAllowedOrigin accepts local origins on any port
func IsAllowedOrigin(origin string) bool {
	u := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	if u == origin {
		return false
	}
	host := u
	if h, _, err := net.SplitHostPort(u); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1" || host == "[::1]" || host == "::1"
}
