// Package ratelimit provides a keyed token-bucket limiter. Each key (an IP,
// a "command:IP" pair, ...) gets its own independent bucket, created lazily
// and evicted once idle.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one class of buckets: Points tokens refill every Interval,
// up to Burst tokens may be held at once.
type Config struct {
	// Points is the number of tokens granted per Interval.
	Points int
	// Interval is the refill window.
	Interval time.Duration
	// Burst is the bucket capacity. Zero means Points.
	Burst int
}

func (c Config) limit() rate.Limit {
	if c.Interval <= 0 || c.Points <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(c.Points) / c.Interval.Seconds())
}

func (c Config) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	if c.Points > 0 {
		return c.Points
	}
	return 1
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter is a set of independent token buckets sharing one Config, indexed
// by key. Consume is O(1) amortized; idle buckets are swept lazily so a
// limiter never retains state for keys that stopped showing up.
type Limiter struct {
	cfg     Config
	idleTTL time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// defaultIdleTTL keeps a bucket for ten refill intervals (minimum one minute)
// after its last use.
func defaultIdleTTL(cfg Config) time.Duration {
	ttl := 10 * cfg.Interval
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// New creates a keyed limiter with the given bucket configuration.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:       cfg,
		idleTTL:   defaultIdleTTL(cfg),
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

// Consume takes one token from the bucket of key. It reports whether the
// token was available; a rejected call does not consume anything.
func (l *Limiter) Consume(key string) bool {
	return l.ConsumeN(key, 1)
}

// ConsumeN takes points tokens from the bucket of key.
func (l *Limiter) ConsumeN(key string, points int) bool {
	if points <= 0 {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.cfg.limit(), l.cfg.burst())}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.maybeSweepLocked()
	l.mu.Unlock()

	return b.lim.AllowN(time.Now(), points)
}

// Sweep evicts every bucket that has been idle for longer than the idle TTL.
// It is also triggered lazily from ConsumeN.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) maybeSweepLocked() {
	if time.Since(l.lastSweep) < l.idleTTL {
		return
	}
	l.sweepLocked()
}

func (l *Limiter) sweepLocked() {
	cutoff := time.Now().Add(-l.idleTTL)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = time.Now()
}
