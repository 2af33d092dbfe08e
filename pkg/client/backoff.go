package client

import (
	"math/rand"
	"sync"
	"time"
)

// backoff schedules reconnect attempts: the base delay starts at min and
// doubles per attempt up to max, with a random jitter of up to jitterFrac of
// the base added on top to avoid synchronized retry storms. A floor can be
// raised temporarily when the server announces a restart estimate.
type backoff struct {
	mu          sync.Mutex
	min         time.Duration
	max         time.Duration
	jitterFrac  float64
	maxAttempts int
	attempt     int
	floor       time.Duration

	// Test seam for deterministic jitter.
	randFloat func() float64
}

func newBackoff(min, max time.Duration, maxAttempts int) *backoff {
	return &backoff{
		min:         min,
		max:         max,
		jitterFrac:  0.3,
		maxAttempts: maxAttempts,
		randFloat:   rand.Float64,
	}
}

// base returns the jitter-free delay for a zero-based attempt number.
func (b *backoff) base(attempt int) time.Duration {
	d := b.min
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	return d
}

// next returns the delay before the upcoming attempt, or ok=false when the
// attempt budget is exhausted.
func (b *backoff) next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempt >= b.maxAttempts {
		return 0, false
	}
	d := b.base(b.attempt)
	b.attempt++

	delay := d + time.Duration(b.randFloat()*b.jitterFrac*float64(d))
	if delay < b.floor {
		delay = b.floor
	}
	b.floor = 0
	return delay, true
}

// reset restores the minimum delay and attempt budget after a successful
// handshake.
func (b *backoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
	b.floor = 0
}

// extendFloor raises the next delay to at least d. Used when the server
// announces a shutdown with a restart estimate.
func (b *backoff) extendFloor(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > b.floor {
		b.floor = d
	}
}

func (b *backoff) attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
