// Package identity provides the device identity used during the gateway
// handshake and the keystore that persists device tokens between runs.
//
// The signing key never leaves the Provider; callers only see the device id,
// the public key, and signatures over canonical challenge strings.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gatewaykit/pkg/protocol"
)

// Provider produces a stable device id and signatures over challenge nonces.
type Provider interface {
	DeviceID() string
	Sign(nonce string, signedAt int64, canonical string) (protocol.DeviceIdentity, error)
}

// KeyProvider is an ed25519-backed Provider.
type KeyProvider struct {
	deviceID string
	pub      ed25519.PublicKey
	priv     ed25519.PrivateKey
}

// NewKeyProvider generates a fresh device identity.
func NewKeyProvider() (*KeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &KeyProvider{
		deviceID: uuid.NewString(),
		pub:      pub,
		priv:     priv,
	}, nil
}

// LoadKeyProvider rebuilds a provider from a stored device id and seed.
func LoadKeyProvider(deviceID string, seed []byte) (*KeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyProvider{
		deviceID: deviceID,
		pub:      priv.Public().(ed25519.PublicKey),
		priv:     priv,
	}, nil
}

// DeviceID returns the stable device identifier.
func (p *KeyProvider) DeviceID() string { return p.deviceID }

// Seed exposes the private key seed for persistence by the caller.
func (p *KeyProvider) Seed() []byte { return p.priv.Seed() }

// Sign signs the canonical challenge string and returns the identity block
// for the connect request.
func (p *KeyProvider) Sign(nonce string, signedAt int64, canonical string) (protocol.DeviceIdentity, error) {
	sig := ed25519.Sign(p.priv, []byte(canonical))
	return protocol.DeviceIdentity{
		ID:        p.deviceID,
		PublicKey: base64.StdEncoding.EncodeToString(p.pub),
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignedAt:  signedAt,
		Nonce:     nonce,
	}, nil
}

// Verify checks a signature produced by Sign. Used by tests and by fake
// gateways; the real gateway performs the same check server-side.
func Verify(publicKey, signature, canonical string) (bool, error) {
	pub, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return false, fmt.Errorf("identity: bad public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("identity: bad signature: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("identity: public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(canonical), sig), nil
}

// Now returns the current time in Unix milliseconds, the timestamp unit used
// throughout the handshake.
func Now() int64 { return time.Now().UnixMilli() }
