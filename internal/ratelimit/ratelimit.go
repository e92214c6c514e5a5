// Package ratelimit implements a token-bucket admission limiter keyed
// on a PoolIdentity rather than a client IP: the engine has no notion
// of a client IP, but it does have a natural per-identity admission
// point at connect.
package ratelimit

import (
	"sync"
	"time"

	"github.com/odbcx/engine/internal/pool"
)

// Config holds the token-bucket parameters.
type Config struct {
	RequestsPerSecond int
	BurstSize         int
	CleanupInterval   time.Duration
}

// DefaultConfig returns reasonable defaults for a single-process engine.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		BurstSize:         100,
		CleanupInterval:   5 * time.Minute,
	}
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(capacity, refillRate float64) *tokenBucket {
	return &tokenBucket{tokens: capacity, capacity: capacity, refillRate: refillRate, lastRefill: time.Now()}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// Limiter rate-limits connect attempts per PoolIdentity. Disabled by
// default; the engine consults it only once installed with
// Engine.SetRateLimiter.
type Limiter struct {
	config  Config
	mu      sync.RWMutex
	buckets map[pool.Identity]*tokenBucket
	stopCh  chan struct{}
}

// New creates a Limiter and starts its background cleanup goroutine.
func New(config Config) *Limiter {
	l := &Limiter{config: config, buckets: map[pool.Identity]*tokenBucket{}, stopCh: make(chan struct{})}
	go l.cleanup()
	return l
}

// Allow reports whether a connect attempt for identity should proceed,
// consuming one token if so.
func (l *Limiter) Allow(identity pool.Identity) bool {
	l.mu.RLock()
	b, ok := l.buckets[identity]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		b, ok = l.buckets[identity]
		if !ok {
			b = newTokenBucket(float64(l.config.BurstSize), float64(l.config.RequestsPerSecond))
			l.buckets[identity] = b
		}
		l.mu.Unlock()
	}
	return b.allow()
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.performCleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) performCleanup() {
	cutoff := 10 * time.Minute
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		b.mu.Lock()
		inactive := now.Sub(b.lastRefill) > cutoff
		b.mu.Unlock()
		if inactive {
			delete(l.buckets, id)
		}
	}
}

// Stop shuts down the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// Stats reports current limiter occupancy.
type Stats struct {
	ActiveIdentities  int
	RequestsPerSecond int
	BurstSize         int
}

// Stats returns a snapshot of the limiter's bucket population.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		ActiveIdentities:  len(l.buckets),
		RequestsPerSecond: l.config.RequestsPerSecond,
		BurstSize:         l.config.BurstSize,
	}
}
