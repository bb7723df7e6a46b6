package server

import (
	"testing"
	"time"
)

func TestTokenBucketRefills(t *testing.T) {
	now := time.Unix(1700000000, 0)
	bucket := newTokenBucket(2, 2, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := bucket.Allow(); !ok {
			t.Fatalf("request %d: expected burst allowance", i)
		}
	}
	ok, wait := bucket.Allow()
	if ok {
		t.Fatal("expected the bucket to be empty")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("unexpected wait %v", wait)
	}

	now = now.Add(500 * time.Millisecond)
	if ok, _ := bucket.Allow(); !ok {
		t.Fatal("expected a token after refill")
	}
}

func TestRateLimiterDisabledWithoutRate(t *testing.T) {
	var limiter *rateLimiter = newRateLimiter(RateLimitConfig{})
	if limiter != nil {
		t.Fatal("expected no limiter without a rate")
	}
	if ok, _ := limiter.AllowControl(); !ok {
		t.Fatal("a nil limiter allows everything")
	}
}

func TestRateLimiterDefaultsBurst(t *testing.T) {
	limiter := newRateLimiter(RateLimitConfig{ControlRPS: 0.5})
	if ok, _ := limiter.AllowControl(); !ok {
		t.Fatal("expected the first request allowed")
	}
	if ok, _ := limiter.AllowControl(); ok {
		t.Fatal("expected a burst of one")
	}
}
