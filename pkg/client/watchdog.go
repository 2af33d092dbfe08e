package client

import (
	"sync"
	"time"
)

// staleMultiplier scales the server tick interval into the liveness
// threshold: missing two consecutive ticks means the connection is dead.
const staleMultiplier = 2

// watchdog detects stale connections by comparing the time since the last
// server tick against a threshold derived from the server's advertised tick
// interval. It polls on its own cadence, independent of the tick interval,
// and also supports opportunistic checks when the host regains foreground
// focus.
type watchdog struct {
	mu        sync.Mutex
	threshold time.Duration
	lastTick  time.Time
	stop      chan struct{}
	running   bool
	onStale   func()
}

func newWatchdog(onStale func()) *watchdog {
	return &watchdog{onStale: onStale}
}

// start begins polling with a threshold derived from tickInterval. Restarts
// replace any previous poller.
func (w *watchdog) start(tickInterval time.Duration) {
	w.mu.Lock()
	if w.running {
		close(w.stop)
	}
	w.threshold = tickInterval * staleMultiplier
	w.lastTick = time.Now()
	w.stop = make(chan struct{})
	w.running = true
	stop := w.stop

	poll := tickInterval / 2
	if poll < 100*time.Millisecond {
		poll = 100 * time.Millisecond
	}
	w.mu.Unlock()

	go func() {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.check()
			case <-stop:
				return
			}
		}
	}()
}

// observe records a received tick.
func (w *watchdog) observe() {
	w.mu.Lock()
	w.lastTick = time.Now()
	w.mu.Unlock()
}

// check fires onStale at most once per start when the connection is stale.
func (w *watchdog) check() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stale := time.Since(w.lastTick) > w.threshold
	if stale {
		// Halt before firing so a slow reconnect cannot double-trigger.
		close(w.stop)
		w.running = false
	}
	w.mu.Unlock()

	if stale {
		w.onStale()
	}
}

// poke performs the staleness check immediately. Hosts call this when the
// process returns to the foreground, covering suspension gaps the periodic
// poll could sleep through.
func (w *watchdog) poke() {
	w.check()
}

// halt stops polling. A halted watchdog ignores further checks until the
// next start.
func (w *watchdog) halt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stop)
		w.running = false
	}
}
