package client

import (
	"context"
	"sync"
	"time"
)

// tokenBucket admits outbound requests. Each acquire lazily refills from the
// monotonic elapsed time, then either consumes a token immediately or joins
// a FIFO queue drained by a timer sized to the time-per-token, so admission
// order is preserved and no waiter starves while the refill rate is positive.
type tokenBucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	tokens   float64
	last     time.Time
	waiters  []*tbWaiter
	timer    *time.Timer
	closed   bool
	closeErr error
}

type tbWaiter struct {
	ready chan error
	done  bool
}

func newTokenBucket(capacity int, perSecond float64) *tokenBucket {
	return &tokenBucket{
		capacity: float64(capacity),
		rate:     perSecond,
		tokens:   float64(capacity),
		last:     time.Now(),
	}
}

func (tb *tokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.last).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.last = now
}

// acquire consumes one token, suspending in FIFO order when the bucket is
// empty. It returns early if ctx is cancelled or the bucket is closed.
func (tb *tokenBucket) acquire(ctx context.Context) error {
	tb.mu.Lock()
	if tb.closed {
		err := tb.closeErr
		tb.mu.Unlock()
		return err
	}

	tb.refillLocked(time.Now())
	if len(tb.waiters) == 0 && tb.tokens >= 1 {
		tb.tokens--
		tb.mu.Unlock()
		return nil
	}

	w := &tbWaiter{ready: make(chan error, 1)}
	tb.waiters = append(tb.waiters, w)
	tb.armLocked()
	tb.mu.Unlock()

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
		tb.mu.Lock()
		w.done = true
		tb.mu.Unlock()
		return ctx.Err()
	}
}

// armLocked schedules the drain timer if waiters remain and no timer is
// already pending.
func (tb *tokenBucket) armLocked() {
	if tb.timer != nil || len(tb.waiters) == 0 || tb.rate <= 0 {
		return
	}
	wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	tb.timer = time.AfterFunc(wait, tb.drain)
}

// drain refills and releases as many queued waiters as tokens allow, in
// order, rescheduling itself while waiters remain.
func (tb *tokenBucket) drain() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.timer = nil
	if tb.closed {
		return
	}
	tb.refillLocked(time.Now())

	for len(tb.waiters) > 0 && tb.tokens >= 1 {
		w := tb.waiters[0]
		tb.waiters = tb.waiters[1:]
		if w.done {
			continue // Abandoned by ctx cancellation; token not consumed.
		}
		tb.tokens--
		w.ready <- nil
	}
	tb.armLocked()
}

// queueLen reports the number of callers currently suspended.
func (tb *tokenBucket) queueLen() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.waiters)
}

// close releases every waiter with err and rejects future acquires.
func (tb *tokenBucket) close(err error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.closed {
		return
	}
	tb.closed = true
	tb.closeErr = err
	if tb.timer != nil {
		tb.timer.Stop()
		tb.timer = nil
	}
	for _, w := range tb.waiters {
		if !w.done {
			w.ready <- err
		}
	}
	tb.waiters = nil
}
