package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	sv := &StateVersion{Presence: 4, Health: 9}
	frames := []*Frame{
		NewRequest("r-1", "sessions.list", json.RawMessage(`{"limit":10}`)),
		NewResult("r-1", json.RawMessage(`{"sessions":[]}`)),
		NewErrorResult("r-2", &WireError{
			Code:         CodeRateLimited,
			Message:      "slow down",
			Retryable:    true,
			RetryAfterMs: 250,
		}),
		{Type: FrameEvent, Event: "presence.updated", Payload: json.RawMessage(`{"count":3}`), Seq: 12, StateVersion: sv},
	}

	for _, in := range frames {
		data, err := Encode(in)
		require.NoError(t, err, "encode %s", in.Type)

		out, err := Decode(data)
		require.NoError(t, err, "decode %s", in.Type)

		assert.Equal(t, in.Type, out.Type)
		assert.Equal(t, in.ID, out.ID)
		assert.Equal(t, in.Method, out.Method)
		assert.Equal(t, in.Event, out.Event)
		assert.Equal(t, in.Seq, out.Seq)
		if in.Params != nil {
			assert.JSONEq(t, string(in.Params), string(out.Params))
		}
		if in.Payload != nil {
			assert.JSONEq(t, string(in.Payload), string(out.Payload))
		}
		if in.OK != nil {
			require.NotNil(t, out.OK)
			assert.Equal(t, *in.OK, *out.OK)
		}
		if in.Error != nil {
			require.NotNil(t, out.Error)
			assert.Equal(t, in.Error, out.Error)
		}
		if in.StateVersion != nil {
			require.NotNil(t, out.StateVersion)
			assert.Equal(t, *in.StateVersion, *out.StateVersion)
		}
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"unknown type":   `{"type":"patch","id":"x"}`,
		"req without id": `{"type":"req","method":"sessions.list"}`,
		"req no method":  `{"type":"req","id":"r-1"}`,
		"res without id": `{"type":"res","ok":true}`,
		"event no name":  `{"type":"event","payload":{}}`,
		"empty type":     `{"id":"r-1","method":"x"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestEncodeValidates(t *testing.T) {
	_, err := Encode(&Frame{Type: FrameRequest, Method: "x"})
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = Encode(&Frame{Type: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidFrameType)
}

func TestStateVersionNewer(t *testing.T) {
	base := StateVersion{Presence: 2, Health: 5}
	assert.True(t, StateVersion{Presence: 3, Health: 5}.Newer(base))
	assert.True(t, StateVersion{Presence: 2, Health: 6}.Newer(base))
	assert.False(t, base.Newer(base))
	assert.False(t, StateVersion{Presence: 1, Health: 4}.Newer(base))
}

func TestParseHello(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "hello-ok",
		"protocol": 2,
		"server": {"version": "1.4.0", "connId": "c-77"},
		"features": {"methods": ["sessions.list"], "events": ["tick"]},
		"policy": {"tickIntervalMs": 15000, "maxPayload": 1048576},
		"auth": {"deviceToken": "tok", "role": "operator", "issuedAtMs": 1700000000000}
	}`)

	h, err := ParseHello(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Protocol)
	assert.Equal(t, "c-77", h.Server.ConnID)
	assert.Equal(t, int64(15000), h.Policy.TickIntervalMs)
	require.NotNil(t, h.Auth)
	assert.Equal(t, "tok", h.Auth.DeviceToken)

	_, err = ParseHello(json.RawMessage(`{"type":"hello","protocol":2}`))
	assert.ErrorIs(t, err, ErrBadHello)
}

func TestCanonicalChallenge(t *testing.T) {
	got := CanonicalChallenge("n0nce", 1700000000000, "operator", []string{"sessions", "cron"}, "tok")
	assert.Equal(t, "n0nce|1700000000000|operator|sessions,cron|tok", got)

	// No scopes and no token still produce a stable shape.
	got = CanonicalChallenge("n", 1, "viewer", nil, "")
	assert.Equal(t, "n|1|viewer||", got)
}

func TestWireErrorError(t *testing.T) {
	e := &WireError{Code: CodeNotFound, Message: "no such session"}
	assert.Equal(t, "gateway error NOT_FOUND: no such session", e.Error())
	assert.False(t, e.IsRetryable())
}
