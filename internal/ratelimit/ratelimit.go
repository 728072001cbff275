package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"crmlicense.app/licensing/internal/clientip"
	"crmlicense.app/licensing/internal/logger"
)

type RateLimit interface {
	Allow(addr string) bool
}

type WindowData struct {
	count       int
	windowStart time.Time
}

type FixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string]*WindowData
	mutex       sync.Mutex
	now         func() time.Time
	lastSweep   time.Time
}

func New(maxRequests int, interval time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      interval,
		requests:    make(map[string]*WindowData),
		now:         time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (rl *FixedWindowLimiter) WithClock(now func() time.Time) *FixedWindowLimiter {
	rl.now = now
	return rl
}

func (rl *FixedWindowLimiter) Allow(addr string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	rl.sweep(now)
	wd := rl.requests[addr]

	// no data yet, or the previous window has elapsed
	if wd == nil || now.Sub(wd.windowStart) > rl.window {
		if rl.maxRequests == 0 {
			return false
		}

		rl.requests[addr] = &WindowData{
			count:       1,
			windowStart: now,
		}
		return true
	}

	if wd.count >= rl.maxRequests {
		return false
	}
	wd.count++

	return true
}

// Tracked returns the number of addresses with a live window.
func (rl *FixedWindowLimiter) Tracked() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.requests)
}

// sweep drops expired windows at most once per window so the map does not
// grow with every address that ever called. Caller holds the mutex.
func (rl *FixedWindowLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	for addr, wd := range rl.requests {
		if now.Sub(wd.windowStart) > rl.window {
			delete(rl.requests, addr)
		}
	}
	rl.lastSweep = now
}

// Middleware rejects requests over the limit with 429, keyed by client IP.
func Middleware(limiter RateLimit, window time.Duration) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(window.Seconds()))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientip.FromRequest(r, false)
			if !limiter.Allow(addr) {
				logger.Warn("Rate limit exceeded", map[string]interface{}{
					"client_ip": addr,
					"path":      r.URL.Path,
				})
				w.Header().Set("Retry-After", retryAfter)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
