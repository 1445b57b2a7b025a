// Package ratelimit implements a per-client token bucket rate limiter for the
// execution API. Thread-safe. Tokens are refilled lazily on each Allow call and
// idle buckets are dropped on the same path, so no background goroutine runs.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// idleAfter is how long a full, unused bucket is kept before it is forgotten.
const idleAfter = 10 * time.Minute

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	Burst             int // Maximum tokens in a bucket. 0 = RequestsPerMinute.
}

// Limiter keeps one bucket per client; one client cannot exhaust another's quota.
type Limiter struct {
	mu        sync.Mutex
	clients   map[string]*bucket
	rate      float64 // tokens per second
	burst     float64
	now       func() time.Time
	lastSweep time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Unlimited reports whether the limiter lets everything through.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.rate <= 0
}

// Allow consumes one token from client's bucket. When the bucket is empty it
// returns ErrRateLimited and how long until the next token is available.
func (l *Limiter) Allow(client string) (time.Duration, error) {
	if l.Unlimited() {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.clients[client]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[client] = b
	}
	b.refill(now, l.rate, l.burst)

	if b.tokens < 1 {
		wait := time.Duration(math.Ceil((1-b.tokens)/l.rate*1000)) * time.Millisecond
		return wait, ErrRateLimited
	}
	b.tokens--
	return 0, nil
}

func (b *bucket) refill(now time.Time, rate, burst float64) {
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = math.Min(burst, b.tokens+elapsed*rate)
	b.lastFill = now
}

// sweep forgets buckets that have been idle long enough to be full again.
// Must be called with l.mu held.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleAfter {
		return
	}
	l.lastSweep = now
	for id, b := range l.clients {
		if now.Sub(b.lastFill) >= idleAfter {
			delete(l.clients, id)
		}
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
