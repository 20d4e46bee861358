package signaling

import (
	"sync"
	"time"
)

// tokenBucket throttles inbound events per connection. It refills at an
// integer rate (events/sec) and never exceeds its capacity. Nanosecond
// fixed-point arithmetic keeps the refill computation exact.
type tokenBucket struct {
	mu sync.Mutex

	clock func() time.Time

	capacity int64 // events
	rate     int64 // events/sec

	available int64 // nano-events; one event is 1e9
	last      time.Time
}

const nanoPerEvent = int64(time.Second)

func newTokenBucket(clock func() time.Time, capacity, rate int64) *tokenBucket {
	if clock == nil {
		clock = time.Now
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &tokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity * nanoPerEvent,
		last:      clock(),
	}
}

// allow consumes one event's worth of tokens if available.
func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < nanoPerEvent {
		return false
	}
	b.available -= nanoPerEvent
	return true
}

func (b *tokenBucket) refillLocked() {
	now := b.clock()
	if now.Before(b.last) {
		// Clock went backwards; move the reference point without refilling.
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

	max := b.capacity * nanoPerEvent
	need := max - b.available
	if need <= 0 {
		b.available = max
		return
	}
	// rate events/sec equals rate nano-events per nanosecond. Clamp before
	// multiplying so elapsed*rate cannot overflow.
	if elapsed >= need/b.rate {
		b.available = max
		return
	}
	b.available += elapsed * b.rate
}
