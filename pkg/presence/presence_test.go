package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusBroadcastSkipsSender(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Join()
	b := bus.Join()

	var mu sync.Mutex
	var aGot, bGot []Msg

	cancelA, err := a.Subscribe(func(m Msg) {
		mu.Lock()
		aGot = append(aGot, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancelA()

	cancelB, err := b.Subscribe(func(m Msg) {
		mu.Lock()
		bGot = append(bGot, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, a.Publish(Msg{Kind: KindClaim, ID: "a"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bGot) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, aGot, "publisher must not hear its own message")
	assert.Equal(t, Msg{Kind: KindClaim, ID: "a"}, bGot[0])
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	bus := NewBus()
	a := bus.Join()
	b := bus.Join()

	var mu sync.Mutex
	count := 0
	cancel, err := b.Subscribe(func(Msg) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, a.Publish(Msg{Kind: KindPing, ID: "a"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, a.Publish(Msg{Kind: KindPing, ID: "a"}))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(Msg{Kind: KindPing, ID: "b"}), ErrChannelClosed)
	_, err = b.Subscribe(func(Msg) {})
	assert.ErrorIs(t, err, ErrChannelClosed)

	bus.Close()
	assert.ErrorIs(t, a.Publish(Msg{Kind: KindPing, ID: "a"}), ErrChannelClosed)
}

func TestSubjectScoping(t *testing.T) {
	// Spellings of the same endpoint share one subject.
	assert.Equal(t, Subject("ws://gw.local:18789/"), Subject("gw.local:18789"))
	assert.Equal(t, Subject("wss://gw.example.com"), Subject("gw.example.com/"))

	// Different endpoints do not collide.
	assert.NotEqual(t, Subject("ws://gw-a.local"), Subject("ws://gw-b.local"))

	// Subjects stay within the reserved prefix.
	assert.Contains(t, Subject("ws://gw.local"), "gatewaykit.presence.")
}
