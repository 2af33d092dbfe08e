package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gatewaykit/pkg/protocol"
)

func TestSignAndVerify(t *testing.T) {
	p, err := NewKeyProvider()
	require.NoError(t, err)
	require.NotEmpty(t, p.DeviceID())

	canonical := protocol.CanonicalChallenge("nonce-1", 1700000000000, "operator", []string{"sessions"}, "tok")
	id, err := p.Sign("nonce-1", 1700000000000, canonical)
	require.NoError(t, err)

	assert.Equal(t, p.DeviceID(), id.ID)
	assert.Equal(t, "nonce-1", id.Nonce)

	ok, err := Verify(id.PublicKey, id.Signature, canonical)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampered canonical string must not verify.
	ok, err = Verify(id.PublicKey, id.Signature, canonical+"x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNowIsUnixMilliseconds(t *testing.T) {
	before := time.Now().UnixMilli()
	got := Now()
	after := time.Now().UnixMilli()
	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
}

func TestLoadKeyProviderRoundTrip(t *testing.T) {
	p, err := NewKeyProvider()
	require.NoError(t, err)

	reloaded, err := LoadKeyProvider(p.DeviceID(), p.Seed())
	require.NoError(t, err)
	assert.Equal(t, p.DeviceID(), reloaded.DeviceID())

	canonical := "n|1|viewer||"
	a, err := p.Sign("n", 1, canonical)
	require.NoError(t, err)
	b, err := reloaded.Sign("n", 1, canonical)
	require.NoError(t, err)
	assert.Equal(t, a.Signature, b.Signature)

	_, err = LoadKeyProvider("dev", []byte("short"))
	assert.Error(t, err)
}

func TestStorageKeyNormalization(t *testing.T) {
	assert.Equal(t,
		"device-token:dev-1:gw.example.com:443",
		StorageKey("dev-1", "wss://gw.example.com:443/"))
	assert.Equal(t,
		"device-token:dev-1:localhost:18789",
		StorageKey("dev-1", "ws://localhost:18789"))
	// Same gateway, different spellings, same key.
	assert.Equal(t,
		StorageKey("dev-1", "ws://gw.local/"),
		StorageKey("dev-1", "gw.local"))
}

func TestFileKeystoreRoundTrip(t *testing.T) {
	ks, err := NewFileKeystore(t.TempDir())
	require.NoError(t, err)

	_, err = ks.Retrieve("dev-1", "ws://gw.local")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	tok := StoredToken{
		Token:      "secret",
		DeviceID:   "dev-1",
		GatewayURL: "ws://gw.local",
		Role:       "operator",
		Scopes:     []string{"sessions", "cron"},
		IssuedAtMs: 1700000000000,
		StoredAtMs: 1700000000500,
	}
	require.NoError(t, ks.Store("dev-1", "ws://gw.local", tok))

	got, err := ks.Retrieve("dev-1", "ws://gw.local")
	require.NoError(t, err)
	assert.Equal(t, tok, got)

	// Overwrite replaces wholesale.
	tok.Token = "rotated"
	require.NoError(t, ks.Store("dev-1", "ws://gw.local", tok))
	got, err = ks.Retrieve("dev-1", "ws://gw.local")
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Token)

	require.NoError(t, ks.Delete("dev-1", "ws://gw.local"))
	_, err = ks.Retrieve("dev-1", "ws://gw.local")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	// Deleting again is a no-op.
	require.NoError(t, ks.Delete("dev-1", "ws://gw.local"))
}
