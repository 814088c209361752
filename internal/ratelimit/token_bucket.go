// Package ratelimit holds the token bucket used to bound inbound signaling
// traffic per connection.
package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a refill rate of R tokens/sec adds exactly
// R nano-tokens per elapsed nanosecond and no floats are needed.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens that refills at
// fillRate tokens per second.
func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capNano := toNano(capacity)
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capNano,
		rate:      fillRate,
		available: capNano,
		last:      clock.Now(),
	}
}

// NewMessageLimiter builds the per-connection limiter for signaling frames.
// A perSecond of zero disables limiting and returns nil; a nil bucket allows
// everything.
func NewMessageLimiter(clock Clock, perSecond, burst int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	if burst < perSecond {
		burst = perSecond
	}
	return NewTokenBucket(clock, int64(burst), int64(perSecond))
}

// Allow consumes tokens if they are available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

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
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate == 0 {
		// A clock that moved backwards only resets the reference point.
		return
	}

	missing := b.capacity - b.available
	if missing <= 0 {
		return
	}
	// Compare against the time needed to refill before multiplying so
	// elapsed*rate cannot overflow.
	if elapsed >= missing/b.rate {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
