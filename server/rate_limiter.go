package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord), now: time.Now}
}

// Allow returns true if the caller may proceed under limit per window. A
// non-positive limit disables limiting.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rec := rl.entries[key]
	if rec.reset.IsZero() || now.After(rec.reset) {
		rec = rateRecord{reset: now.Add(window)}
	}
	if rec.count >= limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}

// Prune drops windows that have already closed and returns how many were
// removed. The sweeper calls it so idle keys do not accumulate.
func (rl *RateLimiter) Prune() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, rec := range rl.entries {
		if now.After(rec.reset) {
			delete(rl.entries, key)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// allow answers 429 itself when the key is over its per-minute budget.
func (s *Server) allow(c *gin.Context, scope, key string, perMinute int) bool {
	if s.limiter.Allow(scope+":"+key, perMinute, time.Minute) {
		return true
	}
	c.Header("Retry-After", "60")
	respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.logger)
	return false
}

// rateLimited wraps next with a per-key limit derived from the request.
func (s *Server) rateLimited(scope string, perMinute int, keyFn func(*gin.Context) string, next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.allow(c, scope, keyFn(c), perMinute) {
			return
		}
		next(c)
	}
}

func clientIP(c *gin.Context) string {
	return c.ClientIP()
}
