package server

import (
	"sync"
	"time"
)

const (
	rateLimitRefillPerSecond = 5
	rateLimitBurst           = 20
	lockoutFailureLimit      = 5
	lockoutDuration          = 10 * time.Minute
)

// authRateLimiter throttles the ceremony endpoints per client IP: a token
// bucket for request volume plus a lockout after repeated auth failures.
type authRateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	failures map[string]*failureState
}

type tokenBucket struct {
	lastRefill time.Time
	tokens     float64
}

type failureState struct {
	lockedUntil time.Time
	count       int
}

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{
		buckets:  make(map[string]*tokenBucket),
		failures: make(map[string]*failureState),
	}
}

func (l *authRateLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.failures[ip]
	if ok && now.Before(state.lockedUntil) {
		return false
	}

	bucket, ok := l.buckets[ip]
	if !ok {
		bucket = &tokenBucket{tokens: rateLimitBurst, lastRefill: now}
		l.buckets[ip] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens = min(bucket.tokens+elapsed*rateLimitRefillPerSecond, rateLimitBurst)
	bucket.lastRefill = now

	if bucket.tokens < 1 {
		return false
	}

	bucket.tokens--

	return true
}

func (l *authRateLimiter) recordFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.failures[ip]
	if !ok {
		state = &failureState{}
		l.failures[ip] = state
	}

	state.count++
	if state.count >= lockoutFailureLimit {
		state.lockedUntil = time.Now().Add(lockoutDuration)
		state.count = 0
	}
}

func (l *authRateLimiter) recordSuccess(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.failures, ip)
}
