package handlers

import (
	"testing"
	"time"
)

func TestBuyerRateLimiterBurstThenRefill(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := NewBuyerRateLimiter(6, 2, func() time.Time { return now })

	if !limiter.Allow("buyer-1") || !limiter.Allow("buyer-1") {
		t.Fatal("expected burst of two to be allowed")
	}
	if limiter.Allow("buyer-1") {
		t.Fatal("expected third immediate attempt to be limited")
	}
	if !limiter.Allow("buyer-2") {
		t.Fatal("expected other buyers to have their own bucket")
	}

	now = now.Add(10 * time.Second)
	if !limiter.Allow("buyer-1") {
		t.Fatal("expected a token after ten seconds at six per minute")
	}
}

func TestBuyerRateLimiterPrunesIdleBuckets(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := NewBuyerRateLimiter(1, 1, func() time.Time { return now }).(*buyerRateLimiter)
	limiter.Allow("buyer-1")
	now = now.Add(2 * limiterIdleTTL)
	limiter.Allow("buyer-2")

	if _, ok := limiter.buckets["buyer-1"]; ok {
		t.Fatal("expected idle bucket to be pruned")
	}
}

func TestNewBuyerRateLimiterDisabled(t *testing.T) {
	if NewBuyerRateLimiter(0, 3, nil) != nil {
		t.Fatal("expected nil limiter when rate is not positive")
	}
}
