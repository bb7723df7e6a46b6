package server

import (
	"sync"
	"time"
)

// RateLimitConfig throttles requests that change the session. Reads are never
// limited. A zero ControlRPS disables throttling.
type RateLimitConfig struct {
	ControlRPS   float64
	ControlBurst int
}

type rateLimiter struct {
	control *tokenBucket
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.ControlRPS <= 0 {
		return nil
	}
	burst := cfg.ControlBurst
	if burst <= 0 {
		burst = int(cfg.ControlRPS)
		if burst < 1 {
			burst = 1
		}
	}
	return &rateLimiter{control: newTokenBucket(cfg.ControlRPS, burst, time.Now)}
}

// AllowControl reports whether another session-changing request may proceed
// and, if not, how long until a token is available.
func (r *rateLimiter) AllowControl() (bool, time.Duration) {
	if r == nil || r.control == nil {
		return true, 0
	}
	return r.control.Allow()
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
	now       func() time.Time
}

func newTokenBucket(rate float64, burst int, now func() time.Time) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now(),
		now:       now,
	}
}

func (tb *tokenBucket) Allow() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := tb.now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		return false, wait
	}
	tb.tokens -= 1
	return true, 0
}
