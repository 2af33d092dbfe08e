package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdogFiresWhenTicksStop(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := newWatchdog(func() { fired <- struct{}{} })
	defer w.halt()

	w.start(150 * time.Millisecond) // threshold 300ms

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}
}

func TestWatchdogStaysQuietWhileTicking(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := newWatchdog(func() { fired <- struct{}{} })
	defer w.halt()

	w.start(100 * time.Millisecond) // threshold 200ms
	deadline := time.After(600 * time.Millisecond)
	for {
		select {
		case <-fired:
			t.Fatal("watchdog fired despite regular ticks")
		case <-deadline:
			return
		case <-time.After(50 * time.Millisecond):
			w.observe()
		}
	}
}

func TestWatchdogFiresAtMostOncePerStart(t *testing.T) {
	fired := make(chan struct{}, 4)
	w := newWatchdog(func() { fired <- struct{}{} })
	defer w.halt()

	w.start(100 * time.Millisecond)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}
	// Further checks on the halted watchdog must be no-ops.
	w.check()
	w.poke()
	select {
	case <-fired:
		t.Fatal("watchdog fired twice")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatchdogHaltPreventsFiring(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := newWatchdog(func() { fired <- struct{}{} })

	w.start(100 * time.Millisecond)
	w.halt()

	select {
	case <-fired:
		t.Fatal("halted watchdog fired")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatchdogPokeChecksImmediately(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := newWatchdog(func() { fired <- struct{}{} })
	defer w.halt()

	// Large interval keeps the periodic poll out of the way.
	w.start(time.Hour)
	w.mu.Lock()
	w.lastTick = time.Now().Add(-3 * time.Hour)
	w.mu.Unlock()

	w.poke()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("poke did not trigger the staleness check")
	}
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	assert.False(t, running, "a fired watchdog must stop polling")
}
