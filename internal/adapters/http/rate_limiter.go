package http

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// StartRateLimiter is a sliding window limit on session starts per client token.
type StartRateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	swept    time.Time
}

func NewStartRateLimiter(limit int, interval time.Duration, clk clock.Clock) *StartRateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &StartRateLimiter{
		clock:    clk,
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

// Allow records an attempt for token unless the window is already full.
// A non-positive limit disables limiting.
func (rl *StartRateLimiter) Allow(token string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)
	if now.Sub(rl.swept) >= rl.interval {
		rl.sweep(windowStart)
		rl.swept = now
	}

	attempts := rl.history[token]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[token] = fresh
		return false
	}

	rl.history[token] = append(fresh, now)
	return true
}

// sweep forgets clients with no attempt inside the window. Attempts are
// appended in order, so the last one is the newest.
func (rl *StartRateLimiter) sweep(windowStart time.Time) {
	for token, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, token)
		}
	}
}
