package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Protocol version bounds advertised by this client.
const (
	MinProtocol = 1
	MaxProtocol = 3
)

// Reserved event names with handshake or liveness semantics.
const (
	EventChallenge    = "connect.challenge"
	EventTick         = "tick"
	EventShutdown     = "shutdown"
	EventStateRefresh = "state.refresh"
)

// MethodConnect is the RPC method that completes the handshake.
const MethodConnect = "connect"

// HelloType is the required type discriminator on a handshake response.
const HelloType = "hello-ok"

// ErrBadHello reports a hello payload with an unexpected type discriminator.
var ErrBadHello = errors.New("protocol: unexpected hello type")

// Challenge is the payload of a connect.challenge event.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// DeviceIdentity is the signed identity block of a connect request. The
// signature covers the canonical challenge string; the private key never
// appears on the wire.
type DeviceIdentity struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// ClientInfo describes the connecting client build.
type ClientInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform,omitempty"`
}

// ConnectParams is the params object of the connect request.
type ConnectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      ClientInfo     `json:"client"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes,omitempty"`
	Device      DeviceIdentity `json:"device"`
	AuthToken   string         `json:"authToken,omitempty"`
	LastSeq     uint64         `json:"lastSeq,omitempty"`
}

// ServerInfo identifies the gateway that accepted the connection.
type ServerInfo struct {
	Version string `json:"version"`
	ConnID  string `json:"connId"`
	Host    string `json:"host,omitempty"`
}

// Features is the server's method and event catalog.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// Policy is the server's advertised operating limits.
type Policy struct {
	TickIntervalMs int64 `json:"tickIntervalMs"`
	MaxPayload     int64 `json:"maxPayload,omitempty"`
}

// Snapshot is the optional state snapshot delivered with hello-ok.
type Snapshot struct {
	Presence     []json.RawMessage `json:"presence,omitempty"`
	Health       json.RawMessage   `json:"health,omitempty"`
	StateVersion StateVersion      `json:"stateVersion"`
}

// Auth is the optional fresh device token block of hello-ok.
type Auth struct {
	DeviceToken string   `json:"deviceToken"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes,omitempty"`
	IssuedAtMs  int64    `json:"issuedAtMs"`
}

// Hello is the payload of a successful connect response.
type Hello struct {
	Type     string     `json:"type"`
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Snapshot *Snapshot  `json:"snapshot,omitempty"`
	Policy   Policy     `json:"policy"`
	Auth     *Auth      `json:"auth,omitempty"`
}

// ParseHello decodes and validates a hello-ok payload. A type discriminator
// other than "hello-ok" is a handshake protocol violation.
func ParseHello(payload json.RawMessage) (*Hello, error) {
	h := &Hello{}
	if err := json.Unmarshal(payload, h); err != nil {
		return nil, fmt.Errorf("protocol: malformed hello: %w", err)
	}
	if h.Type != HelloType {
		return nil, fmt.Errorf("%w: %q", ErrBadHello, h.Type)
	}
	return h, nil
}

// CanonicalChallenge builds the exact string a device signs to answer a
// challenge. Both sides must agree on this byte sequence.
func CanonicalChallenge(nonce string, signedAt int64, role string, scopes []string, token string) string {
	return fmt.Sprintf("%s|%d|%s|%s|%s", nonce, signedAt, role, strings.Join(scopes, ","), token)
}
