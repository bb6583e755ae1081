package webhook

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the fallback number of deliveries per destination in
	// one window.
	DefaultRateLimit = 60

	defaultRateWindow = time.Minute
	defaultRateTTL    = 5 * time.Minute
	defaultRateCap    = 4096
)

// RateLimiter bounds deliveries per destination across rolling windows. Idle
// destinations are evicted so memory stays bounded.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]rateWindow

	window time.Duration
	ttl    time.Duration
	cap    int
}

type rateWindow struct {
	start    time.Time
	count    int
	lastSeen time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// NewRateLimiter constructs a rate limiter.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]rateWindow),
		window:  defaultRateWindow,
		ttl:     defaultRateTTL,
		cap:     defaultRateCap,
	}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.window <= 0 {
		rl.window = defaultRateWindow
	}
	if rl.ttl < 0 {
		rl.ttl = 0
	}
	if rl.cap < 0 {
		rl.cap = 0
	}
	return rl
}

// WithRateWindow overrides the window length.
func WithRateWindow(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) { rl.window = d }
}

// WithRateTTL overrides how long an idle destination is remembered.
func WithRateTTL(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) { rl.ttl = d }
}

// WithRateCap sets the maximum number of tracked destinations.
func WithRateCap(n int) RateLimiterOption {
	return func(rl *RateLimiter) { rl.cap = n }
}

// Allow reports whether key may receive another delivery at now.
func (rl *RateLimiter) Allow(key string, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.pruneLocked(now)

	state := rl.windows[key]
	if state.start.IsZero() || now.Sub(state.start) >= rl.window {
		state.start = now
		state.count = 0
	}
	state.lastSeen = now
	if state.count >= limit {
		rl.windows[key] = state
		return false
	}
	state.count++
	rl.windows[key] = state
	rl.enforceCapLocked()
	return true
}

// ResetAt returns when the current window for key ends.
func (rl *RateLimiter) ResetAt(key string, now time.Time) time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	state := rl.windows[key]
	if state.start.IsZero() {
		return now
	}
	return state.start.Add(rl.window)
}

// Len returns the number of tracked destinations.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	if rl.ttl <= 0 {
		return
	}
	for key, state := range rl.windows {
		if now.Sub(state.lastSeen) > rl.ttl {
			delete(rl.windows, key)
		}
	}
}

func (rl *RateLimiter) enforceCapLocked() {
	if rl.cap <= 0 || len(rl.windows) <= rl.cap {
		return
	}
	keys := make([]string, 0, len(rl.windows))
	for key := range rl.windows {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return rl.windows[keys[i]].lastSeen.Before(rl.windows[keys[j]].lastSeen)
	})
	for _, key := range keys[:len(keys)-rl.cap] {
		delete(rl.windows, key)
	}
}
