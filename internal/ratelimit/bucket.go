// Package ratelimit implements the single shared token bucket that gates
// every outbound request made by the resilient client (spec §4.2).
package ratelimit

import (
	"sync"
	"time"
)

// Stats is an immutable snapshot of bucket activity.
type Stats struct {
	TokensAvailable float64
	Accepted        uint64
	Rejected        uint64
	SinceReset      time.Time
}

// Bucket is a single token bucket, continuous-valued, shared by every
// caller of a client instance.
type Bucket struct {
	mu           sync.Mutex
	capacity     float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time
	enabled      bool

	accepted   uint64
	rejected   uint64
	sinceReset time.Time

	now func() time.Time
}

// Default mirrors the Dynamics-documented ceiling: 100 requests/minute,
// configured slightly under it with headroom for burst (spec §4.2).
const (
	DefaultRequestsPerMinute = 90
	DefaultBurstCapacity     = 10
)

// New creates a Bucket with the given capacity and refill rate.
// enabled=false makes Acquire/TryAcquire no-ops, per spec §4.2.
func New(capacity float64, refillPerSec float64, enabled bool) *Bucket {
	n := time.Now()
	return &Bucket{
		capacity:     capacity,
		refillPerSec: refillPerSec,
		tokens:       capacity,
		lastRefill:   n,
		enabled:      enabled,
		sinceReset:   n,
		now:          time.Now,
	}
}

// NewDefault builds the bucket from the spec's default rate (90 rpm,
// burst 10).
func NewDefault(enabled bool) *Bucket {
	return New(DefaultBurstCapacity, float64(DefaultRequestsPerMinute)/60.0, enabled)
}

func (b *Bucket) refillLocked() {
	n := b.now()
	elapsed := n.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = n
}

// Acquire blocks cooperatively until at least one token is available,
// then consumes it. No-op when the bucket is disabled.
func (b *Bucket) Acquire() {
	if !b.enabled {
		return
	}
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= 1 {
			b.tokens--
			b.accepted++
			b.mu.Unlock()
			return
		}
		wait := time.Duration((1 - b.tokens) / b.refillPerSec * float64(time.Second))
		b.mu.Unlock()
		time.Sleep(wait)
	}
}

// TryAcquire consumes a token if one is immediately available, without
// blocking. Returns false (and counts a rejection) otherwise.
func (b *Bucket) TryAcquire() bool {
	if !b.enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= 1 {
		b.tokens--
		b.accepted++
		return true
	}
	b.rejected++
	return false
}

// Stats returns a point-in-time copy of bucket activity.
func (b *Bucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return Stats{
		TokensAvailable: b.tokens,
		Accepted:        b.accepted,
		Rejected:        b.rejected,
		SinceReset:      b.sinceReset,
	}
}

// ResetStats zeroes the accepted/rejected counters without touching the
// token level.
func (b *Bucket) ResetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accepted = 0
	b.rejected = 0
	b.sinceReset = b.now()
}
