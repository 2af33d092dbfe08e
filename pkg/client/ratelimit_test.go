package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurstWithinCapacity(t *testing.T) {
	tb := newTokenBucket(3, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, tb.acquire(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond,
		"acquires within capacity must not block")
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	tb := newTokenBucket(1, 10) // 100ms per token
	require.NoError(t, tb.acquire(context.Background()))

	start := time.Now()
	require.NoError(t, tb.acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"empty bucket must wait for a refill")
}

func TestTokenBucketFIFOOrder(t *testing.T) {
	tb := newTokenBucket(1, 50) // 20ms per token
	require.NoError(t, tb.acquire(context.Background()))

	order := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			if err := tb.acquire(context.Background()); err == nil {
				order <- i
			}
		}()
		// Wait for the goroutine to join the queue before starting the next,
		// pinning the enqueue order.
		require.Eventually(t, func() bool { return tb.queueLen() >= i },
			time.Second, time.Millisecond)
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never released", want)
		}
	}
}

func TestTokenBucketContextCancel(t *testing.T) {
	tb := newTokenBucket(1, 0.001)
	require.NoError(t, tb.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := tb.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucketClose(t *testing.T) {
	closeErr := errors.New("teardown")
	tb := newTokenBucket(1, 0.001)
	require.NoError(t, tb.acquire(context.Background()))

	got := make(chan error, 1)
	go func() { got <- tb.acquire(context.Background()) }()
	require.Eventually(t, func() bool { return tb.queueLen() == 1 },
		time.Second, time.Millisecond)

	tb.close(closeErr)

	select {
	case err := <-got:
		assert.ErrorIs(t, err, closeErr)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by close")
	}
	assert.ErrorIs(t, tb.acquire(context.Background()), closeErr)
}
