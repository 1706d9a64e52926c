package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateLimitConfig tunes the two limits the server enforces: a global
// request-per-second budget across every route, and a per-IP cap on ingest
// handshakes so one misbehaving producer cannot monopolise session slots.
// When RedisAddr is set the ingest counter lives in Redis, which keeps the
// limit coherent across replicas behind one load balancer.
type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	IngestLimit  int
	IngestWindow time.Duration

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global       *tokenBucket
	ingestLimit  int
	ingestWindow time.Duration
	ingestMu     sync.Mutex
	ingestBy     map[string]*ipLimiter
	store        counterStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// counterStore counts events per key inside a fixed window. The Redis
// implementation backs multi-replica deployments; the in-memory token buckets
// cover everything else.
type counterStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		ingestLimit:  cfg.IngestLimit,
		ingestWindow: cfg.IngestWindow,
		ingestBy:     make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.ingestLimit < 0 {
		rl.ingestLimit = 0
	}
	if rl.ingestWindow <= 0 {
		rl.ingestWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.ingestLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisCounterStore(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, timeout)
	}
	return rl
}

// AllowRequest applies the global budget.
func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowIngest applies the per-IP handshake cap.
func (r *rateLimiter) AllowIngest(key string) (bool, time.Duration, error) {
	if r == nil || r.ingestLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("ripplecast:ingest:%s", key), r.ingestLimit, r.ingestWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.ingestMu.Lock()
	limiter, exists := r.ingestBy[key]
	if !exists {
		rate := float64(r.ingestLimit) / r.ingestWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.ingestWindow.Seconds()
		}
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.ingestLimit)}
		r.ingestBy[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.ingestMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.ingestBy) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.ingestWindow)
	for key, limiter := range r.ingestBy {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.ingestBy, key)
		}
	}
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.URL.Path == "/v1/ingest" {
			ip := extractClientIP(r)
			allowed, retryAfter, err := rl.AllowIngest(ip)
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many ingest attempts")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
