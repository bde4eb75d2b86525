// Package ratelimit provides the token bucket used to bound inbound signaling
// message rates per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so bucket behavior is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate (tokens/sec) up to a fixed capacity.
//
// Refill accounting uses nanosecond fixed-point ("nano-tokens", 1e9 per token)
// to avoid float drift under frequent small refills.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

const nanoPerToken = int64(time.Second)

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: saturatingNano(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := saturatingNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := saturatingNano(b.capacity)
	need := capNano - b.available
	if need <= 0 {
		b.available = capNano
		return
	}

	// rate tokens/sec equals rate nano-tokens/ns in this representation. Clamp
	// instead of multiplying when the elapsed window alone would fill the bucket.
	if elapsed >= need/b.rate {
		b.available = capNano
		return
	}
	b.available += elapsed * b.rate
	if b.available > capNano {
		b.available = capNano
	}
}

const maxInt64 = int64(^uint64(0) >> 1)

func saturatingNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
