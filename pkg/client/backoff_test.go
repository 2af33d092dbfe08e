package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesToCap(t *testing.T) {
	b := newBackoff(time.Second, 8*time.Second, 10)
	b.randFloat = func() float64 { return 0 }

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for i, w := range want {
		d, ok := b.next()
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, w, d, "attempt %d", i)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second, 10)
	b.randFloat = func() float64 { return 1 }

	d, ok := b.next()
	require.True(t, ok)
	assert.Equal(t, 1300*time.Millisecond, d)
}

func TestBackoffExhaustsAttemptBudget(t *testing.T) {
	b := newBackoff(time.Millisecond, time.Second, 2)
	b.randFloat = func() float64 { return 0 }

	_, ok := b.next()
	require.True(t, ok)
	_, ok = b.next()
	require.True(t, ok)
	_, ok = b.next()
	assert.False(t, ok)
	assert.Equal(t, 2, b.attempts())
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff(time.Second, 8*time.Second, 3)
	b.randFloat = func() float64 { return 0 }

	b.next()
	b.next()
	b.reset()

	d, ok := b.next()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
	assert.Equal(t, 1, b.attempts())
}

func TestBackoffFloorAppliesOnce(t *testing.T) {
	b := newBackoff(time.Second, 8*time.Second, 10)
	b.randFloat = func() float64 { return 0 }

	b.extendFloor(5 * time.Second)
	d, ok := b.next()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	// The floor does not persist past the delay it raised.
	d, ok = b.next()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
}
