package client

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gatewaykit/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPendingSettleSuccess(t *testing.T) {
	r := newPendingRegistry(discardLogger())
	ch := r.add("req-1", "health", time.Minute)

	r.settle(protocol.NewResult("req-1", json.RawMessage(`{"ok":true}`)))

	select {
	case res := <-ch:
		require.NoError(t, res.err)
		assert.JSONEq(t, `{"ok":true}`, string(res.payload))
	case <-time.After(time.Second):
		t.Fatal("settle never delivered")
	}
	assert.False(t, r.has("req-1"))
	assert.Equal(t, 0, r.len())
}

func TestPendingSettleWireError(t *testing.T) {
	r := newPendingRegistry(discardLogger())
	ch := r.add("req-1", "health", time.Minute)

	r.settle(protocol.NewErrorResult("req-1", &protocol.WireError{
		Code:    protocol.CodeNotFound,
		Message: "nope",
	}))

	res := <-ch
	var werr *protocol.WireError
	require.ErrorAs(t, res.err, &werr)
	assert.Equal(t, protocol.CodeNotFound, werr.Code)
}

func TestPendingTimeout(t *testing.T) {
	r := newPendingRegistry(discardLogger())
	ch := r.add("req-1", "slow", 20*time.Millisecond)

	select {
	case res := <-ch:
		assert.ErrorIs(t, res.err, ErrRequestTimeout)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Equal(t, 0, r.len(), "timed-out entry must be removed")
}

func TestPendingUnmatchedResponseDropped(t *testing.T) {
	r := newPendingRegistry(discardLogger())
	// Must not panic or block.
	r.settle(protocol.NewResult("ghost", nil))
}

func TestPendingSettlesExactlyOnce(t *testing.T) {
	r := newPendingRegistry(discardLogger())
	ch := r.add("req-1", "health", time.Minute)

	r.settle(protocol.NewResult("req-1", json.RawMessage(`1`)))
	r.fail("req-1", errors.New("late"))
	r.settle(protocol.NewResult("req-1", json.RawMessage(`2`)))

	res := <-ch
	require.NoError(t, res.err)
	assert.Equal(t, `1`, string(res.payload))

	select {
	case <-ch:
		t.Fatal("second settle delivered")
	default:
	}
}

func TestPendingFailAll(t *testing.T) {
	r := newPendingRegistry(discardLogger())
	ch1 := r.add("a", "m1", time.Minute)
	ch2 := r.add("b", "m2", time.Minute)

	cause := errors.New("connection lost")
	r.failAll(cause)

	assert.ErrorIs(t, (<-ch1).err, cause)
	assert.ErrorIs(t, (<-ch2).err, cause)
	assert.Equal(t, 0, r.len())
}

func TestPendingRemoveUnblocksNothing(t *testing.T) {
	r := newPendingRegistry(discardLogger())
	ch := r.add("a", "m", time.Minute)

	r.remove("a")
	r.settle(protocol.NewResult("a", nil))

	select {
	case <-ch:
		t.Fatal("removed entry settled")
	default:
	}
}
