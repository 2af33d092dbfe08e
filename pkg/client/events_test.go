package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gatewaykit/pkg/protocol"
)

func TestEventBusNamedBeforeWildcard(t *testing.T) {
	b := newEventBus(discardLogger())
	var order []string
	b.on("agent.delta", func(string, json.RawMessage) { order = append(order, "named") })
	b.onAny(func(string, json.RawMessage) { order = append(order, "wildcard") })

	b.dispatch("agent.delta", nil)
	assert.Equal(t, []string{"named", "wildcard"}, order)
}

func TestEventBusOtherNamesNotDelivered(t *testing.T) {
	b := newEventBus(discardLogger())
	called := false
	b.on("agent.delta", func(string, json.RawMessage) { called = true })

	b.dispatch("health.changed", nil)
	assert.False(t, called)
}

func TestEventBusUnsubscribe(t *testing.T) {
	b := newEventBus(discardLogger())
	calls := 0
	off := b.on("e", func(string, json.RawMessage) { calls++ })

	b.dispatch("e", nil)
	off()
	b.dispatch("e", nil)
	assert.Equal(t, 1, calls)
}

func TestEventBusOnceFiresOnce(t *testing.T) {
	b := newEventBus(discardLogger())
	calls := 0
	b.once("e", func(string, json.RawMessage) { calls++ })

	b.dispatch("e", nil)
	b.dispatch("e", nil)
	assert.Equal(t, 1, calls)
}

func TestEventBusPanickingHandlerIsolated(t *testing.T) {
	b := newEventBus(discardLogger())
	survived := false
	b.on("e", func(string, json.RawMessage) { panic("boom") })
	b.onAny(func(string, json.RawMessage) { survived = true })

	b.dispatch("e", nil)
	assert.True(t, survived, "panic in one handler must not stop the rest")
}

func TestObserveSeqGapDetection(t *testing.T) {
	b := newEventBus(discardLogger())

	assert.False(t, b.observeSeq(5), "first seq establishes the baseline")
	assert.False(t, b.observeSeq(6))
	assert.True(t, b.observeSeq(8), "jump past lastSeq+1 is a gap")
	assert.False(t, b.observeSeq(8), "replays are not gaps")
	assert.False(t, b.observeSeq(3), "stale seqs are not gaps")
	assert.Equal(t, uint64(8), b.seq())

	b.resetSeq()
	assert.False(t, b.observeSeq(100), "baseline resets per connection")
}

func TestObserveVersionKeepsNewest(t *testing.T) {
	b := newEventBus(discardLogger())

	b.observeVersion(protocol.StateVersion{Presence: 2, Health: 1})
	b.observeVersion(protocol.StateVersion{Presence: 1, Health: 1})
	assert.Equal(t, protocol.StateVersion{Presence: 2, Health: 1}, b.stateVersion())

	b.observeVersion(protocol.StateVersion{Presence: 2, Health: 5})
	assert.Equal(t, protocol.StateVersion{Presence: 2, Health: 5}, b.stateVersion())
}

func TestNormalizePayloadLegacyShapes(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"streaming delta": {
			in:   `{"delta":"hello"}`,
			want: `{"state":"streaming","message":"hello"}`,
		},
		"done": {
			in:   `{"done":true}`,
			want: `{"state":"done"}`,
		},
		"error wins over done": {
			in:   `{"done":true,"error":"agent crashed"}`,
			want: `{"state":"error","errorMessage":"agent crashed"}`,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := normalizePayload(json.RawMessage(tc.in))
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestNormalizePayloadPassthrough(t *testing.T) {
	canonical := `{"state":"done","message":"x"}`
	got := normalizePayload(json.RawMessage(canonical))
	assert.JSONEq(t, canonical, string(got))

	notObject := json.RawMessage(`[1,2,3]`)
	assert.Equal(t, notObject, normalizePayload(notObject))

	require.Nil(t, normalizePayload(nil))
}
