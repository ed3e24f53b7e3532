package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimiter decides whether another attempt by key is allowed now.
type RateLimiter interface {
	Allow(key string) bool
}

// buyerRateLimiter keeps one token bucket per key and forgets buckets idle for limiterIdleTTL.
type buyerRateLimiter struct {
	limit rate.Limit
	burst int
	clock func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewBuyerRateLimiter allows perMinute events per key with the given burst. It returns nil, which
// disables limiting, when perMinute is not positive.
func NewBuyerRateLimiter(perMinute, burst int, clock func() time.Time) RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &buyerRateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (l *buyerRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastPrune) > limiterIdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastPrune = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
