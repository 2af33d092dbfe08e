package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrTokenNotFound reports that no token is stored for a device/endpoint
// pair. Absence is not a failure during the handshake; the client proceeds
// unauthenticated and becomes eligible for pairing.
var ErrTokenNotFound = errors.New("identity: device token not found")

// StoredToken is a persisted device token with the metadata the gateway
// issued alongside it.
type StoredToken struct {
	Token      string   `json:"token"`
	DeviceID   string   `json:"deviceId"`
	GatewayURL string   `json:"gatewayUrl"`
	Role       string   `json:"role"`
	Scopes     []string `json:"scopes,omitempty"`
	IssuedAtMs int64    `json:"issuedAtMs"`
	StoredAtMs int64    `json:"storedAtMs"`
}

// Keystore persists device tokens keyed by device id and gateway endpoint.
// Implementations are expected to be secure at rest; the file keystore here
// is the portable fallback, platform keychains are wired in by the host.
type Keystore interface {
	Retrieve(deviceID, endpoint string) (StoredToken, error)
	Store(deviceID, endpoint string, tok StoredToken) error
	Delete(deviceID, endpoint string) error
}

const keyPrefix = "device-token"

// StorageKey builds the keystore entry name for a device/endpoint pair:
// device-token:{deviceID}:{normalizedEndpoint}. The endpoint is normalized
// by stripping the ws/wss scheme and trailing slashes so the same gateway
// maps to one entry regardless of how the URL was written.
func StorageKey(deviceID, endpoint string) string {
	normalized := strings.TrimPrefix(endpoint, "ws://")
	normalized = strings.TrimPrefix(normalized, "wss://")
	normalized = strings.TrimRight(normalized, "/")
	return fmt.Sprintf("%s:%s:%s", keyPrefix, deviceID, normalized)
}

// FileKeystore stores one JSON record per key under a directory. Writes are
// atomic (temp file + rename) so a crash never leaves a torn record.
type FileKeystore struct {
	mu  sync.Mutex
	dir string
}

// NewFileKeystore creates the backing directory if needed.
func NewFileKeystore(dir string) (*FileKeystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create keystore dir: %w", err)
	}
	return &FileKeystore{dir: dir}, nil
}

func (ks *FileKeystore) path(deviceID, endpoint string) string {
	// Keys contain ':' and '/' (host:port, paths); flatten for the filesystem.
	name := strings.NewReplacer(":", "_", "/", "_").Replace(StorageKey(deviceID, endpoint))
	return filepath.Join(ks.dir, name+".json")
}

// Retrieve loads the token for a device/endpoint pair.
func (ks *FileKeystore) Retrieve(deviceID, endpoint string) (StoredToken, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	data, err := os.ReadFile(ks.path(deviceID, endpoint))
	if err != nil {
		if os.IsNotExist(err) {
			return StoredToken{}, ErrTokenNotFound
		}
		return StoredToken{}, fmt.Errorf("identity: read token: %w", err)
	}
	var tok StoredToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return StoredToken{}, fmt.Errorf("identity: parse token: %w", err)
	}
	return tok, nil
}

// Store persists the token atomically.
func (ks *FileKeystore) Store(deviceID, endpoint string, tok StoredToken) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("identity: serialize token: %w", err)
	}

	dst := ks.path(deviceID, endpoint)
	tmp, err := os.CreateTemp(ks.dir, ".token-*")
	if err != nil {
		return fmt.Errorf("identity: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("identity: write token: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("identity: chmod token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("identity: close token: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("identity: commit token: %w", err)
	}
	return nil
}

// Delete removes the token for a device/endpoint pair. Deleting a missing
// entry is not an error.
func (ks *FileKeystore) Delete(deviceID, endpoint string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := os.Remove(ks.path(deviceID, endpoint)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("identity: delete token: %w", err)
	}
	return nil
}
