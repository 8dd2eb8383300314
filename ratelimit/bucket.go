// Package ratelimit provides lazily refilled token buckets and a limiter that
// gates callers on a request budget and a token budget at the same time.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket is a counter that refills continuously at a fixed rate up to
// its capacity. Refill is computed on every observation; no goroutine runs
// in the background.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	available  float64
	rate       float64 // units per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket. rate is in units per second.
func NewTokenBucket(capacity, rate float64) *TokenBucket {
	return newTokenBucket(capacity, rate, capacity, time.Now)
}

func newTokenBucket(capacity, rate, initial float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		available:  math.Min(capacity, initial),
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

// Capacity returns the maximum number of units the bucket holds.
func (b *TokenBucket) Capacity() float64 { return b.capacity }

// Rate returns the fill rate in units per second.
func (b *TokenBucket) Rate() float64 { return b.rate }

// Available returns the units currently in the bucket.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.available
}

// TryConsume removes amount units if they are available. It reports whether
// the units were taken; on false the bucket is left untouched.
func (b *TokenBucket) TryConsume(amount float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < amount {
		return false
	}
	b.available -= amount
	return true
}

// TimeUntilAvailable returns how long to wait before amount units exist.
// It returns zero when they are available now.
func (b *TokenBucket) TimeUntilAvailable(amount float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available >= amount {
		return 0
	}
	if b.rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	secs := (amount - b.available) / b.rate
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// Refund returns units to the bucket, capped at capacity.
func (b *TokenBucket) Refund(amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	b.available = math.Min(b.capacity, b.available+amount)
}

// Debit removes units unconditionally, floored at zero.
func (b *TokenBucket) Debit(amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	b.available = math.Max(0, b.available-amount)
}

// refillLocked must be called with b.mu held.
func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.available = math.Min(b.capacity, b.available+elapsed.Seconds()*b.rate)
}
