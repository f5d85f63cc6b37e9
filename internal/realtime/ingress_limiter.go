package realtime

import (
	"sync"
	"time"
)

// IngressLimiter caps how many inbound envelopes one connection may submit
// per sliding window. The gateway creates one per connection and disconnects
// clients that exceed it rather than throttling them.
//
// The limiter keeps a fixed ring of the last "limit" accept times. An
// envelope is admitted when the ring has a free slot or its oldest accept
// has aged out of the window, so Allow is O(1) and allocation-free after
// construction.
type IngressLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	head   int // index of the oldest live accept
	used   int // live entries in the ring
	window time.Duration
}

// NewIngressLimiter builds a limiter admitting at most limit envelopes per
// window. Non-positive inputs fall back to the gateway defaults.
func NewIngressLimiter(limit int, window time.Duration) *IngressLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &IngressLimiter{
		stamps: make([]time.Time, limit),
		window: window,
	}
}

// Allow admits an envelope arriving at now, recording it on success.
func (l *IngressLimiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := now.Add(-l.window)
	for l.used > 0 && !l.stamps[l.head].After(cut) {
		l.head = (l.head + 1) % len(l.stamps)
		l.used--
	}

	if l.used == len(l.stamps) {
		return false
	}
	l.stamps[(l.head+l.used)%len(l.stamps)] = now
	l.used++
	return true
}
