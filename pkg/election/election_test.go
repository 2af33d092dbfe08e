package election

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gatewaykit/pkg/presence"
)

func fastConfig() Config {
	return Config{
		ClaimWindow:       100 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
		MissThreshold:     3,
		PromotionJitter:   10 * time.Millisecond,
	}
}

func TestNilChannelAlwaysLeader(t *testing.T) {
	e := New(nil, Config{})
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, e.Campaign(ctx))
	assert.True(t, e.Leading())
}

func TestLowestIDWins(t *testing.T) {
	bus := presence.NewBus()
	defer bus.Close()

	a := New(bus.Join(), fastConfig())
	b := New(bus.Join(), fastConfig())
	a.newID = func() string { return "a" }
	b.newID = func() string { return "b" }
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aDone := make(chan error, 1)
	bDone := make(chan error, 1)
	go func() { aDone <- a.Campaign(ctx) }()
	go func() { bDone <- b.Campaign(ctx) }()

	select {
	case err := <-aDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("contender a never won")
	}
	assert.True(t, a.Leading())

	// b must remain a follower while heartbeats continue: its Campaign call
	// stays blocked and it never claims the transport.
	select {
	case err := <-bDone:
		t.Fatalf("follower b won while leader alive: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	assert.False(t, b.Leading())
	cancel()

	select {
	case err := <-bDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("follower b did not observe cancellation")
	}
}

func TestFollowerPromotesOnRelease(t *testing.T) {
	bus := presence.NewBus()
	defer bus.Close()

	leader := New(bus.Join(), fastConfig())
	follower := New(bus.Join(), fastConfig())
	leader.newID = func() string { return "a" }
	follower.newID = func() string { return "z" }
	defer leader.Close()
	defer follower.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, leader.Campaign(ctx))

	done := make(chan error, 1)
	go func() { done <- follower.Campaign(ctx) }()

	// Let the follower settle into standby, then step down.
	time.Sleep(200 * time.Millisecond)
	leader.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("follower did not take over after release")
	}
	assert.True(t, follower.Leading())
	assert.False(t, leader.Leading())
}

func TestFollowerPromotesOnSilentLeader(t *testing.T) {
	bus := presence.NewBus()
	defer bus.Close()

	leaderCh := bus.Join()
	leader := New(leaderCh, fastConfig())
	follower := New(bus.Join(), fastConfig())
	leader.newID = func() string { return "a" }
	follower.newID = func() string { return "z" }
	defer leader.Close()
	defer follower.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, leader.Campaign(ctx))

	done := make(chan error, 1)
	go func() { done <- follower.Campaign(ctx) }()
	time.Sleep(150 * time.Millisecond)

	// Kill the leader's channel without a release broadcast: heartbeats stop
	// cold, as they would on a crashed process.
	require.NoError(t, leaderCh.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("follower did not take over after leader went silent")
	}
	assert.True(t, follower.Leading())
}

func TestCampaignAfterClose(t *testing.T) {
	bus := presence.NewBus()
	defer bus.Close()

	e := New(bus.Join(), fastConfig())
	require.NoError(t, e.Close())

	err := e.Campaign(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
