package bandwidth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Unlimited disables a node's cap.
const Unlimited = 0

// minBurst keeps every capped node able to pass a full 16 KiB block in one
// reservation.
const minBurst = 16384

// Limiter is one node of the hierarchical token bucket tree
// (global -> torrent -> peer). Consuming at a node also consumes at every
// ancestor, so a transfer proceeds only when tokens are available at all
// levels.
type Limiter struct {
	parent *Limiter

	mu          sync.Mutex
	rl          *rate.Limiter
	bytesPerSec int
}

func NewLimiter(bytesPerSec int) *Limiter {
	l := &Limiter{}
	l.rl = rate.NewLimiter(toLimit(bytesPerSec), toBurst(bytesPerSec))
	l.bytesPerSec = bytesPerSec
	return l
}

// Child creates a subordinate bucket bounded by this node.
func (l *Limiter) Child(bytesPerSec int) *Limiter {
	c := NewLimiter(bytesPerSec)
	c.parent = l
	return c
}

func toLimit(bytesPerSec int) rate.Limit {
	if bytesPerSec <= Unlimited {
		return rate.Inf
	}
	return rate.Limit(bytesPerSec)
}

func toBurst(bytesPerSec int) int {
	if bytesPerSec <= Unlimited {
		return 0
	}
	if bytesPerSec < minBurst {
		return minBurst
	}
	return bytesPerSec
}

// SetRate swaps the node's cap. Safe to call while transfers are in flight;
// the new rate applies from the next reservation.
func (l *Limiter) SetRate(bytesPerSec int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytesPerSec = bytesPerSec
	l.rl.SetLimit(toLimit(bytesPerSec))
	l.rl.SetBurst(toBurst(bytesPerSec))
}

func (l *Limiter) Rate() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytesPerSec
}

// AllowN reports whether n bytes may pass right now, consuming tokens at
// every level when they may. On a partial denial the tokens taken from
// lower levels are returned.
func (l *Limiter) AllowN(n int) bool {
	now := time.Now()
	var taken []*rate.Reservation
	for node := l; node != nil; node = node.parent {
		r := node.reserveN(now, n)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			for _, t := range taken {
				t.CancelAt(now)
			}
			return false
		}
		taken = append(taken, r)
	}
	return true
}

// WaitN blocks until n bytes may pass at every level from this node up to
// the root, or until ctx is done.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	now := time.Now()
	var (
		reservations []*rate.Reservation
		delay        time.Duration
	)
	for node := l; node != nil; node = node.parent {
		r := node.reserveN(now, n)
		if !r.OK() {
			for _, held := range reservations {
				held.CancelAt(now)
			}
			return fmt.Errorf("bandwidth: request of %d bytes exceeds limiter burst", n)
		}
		reservations = append(reservations, r)
		if d := r.DelayFrom(now); d > delay {
			delay = d
		}
	}
	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		for _, held := range reservations {
			held.Cancel()
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) reserveN(now time.Time, n int) *rate.Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rl.ReserveN(now, n)
}
