package client

import "errors"

// Client error taxonomy. Public operations fail with one of these sentinels
// (possibly wrapped with detail) or with a *protocol.WireError when the
// server itself reported the failure, so callers can branch with errors.Is
// and errors.As instead of string matching.
var (
	// ErrTransport wraps socket dial and unexpected-close failures. Triggers
	// reconnection unless the close was intentional.
	ErrTransport = errors.New("gateway: transport failure")

	// ErrConnectInProgress rejects a Connect while another Connect is still
	// in flight. Distinct from the silent no-op of connecting while already
	// connected.
	ErrConnectInProgress = errors.New("gateway: connect already in progress")

	// ErrNotConnected fails a request issued while the client is not in the
	// connected state.
	ErrNotConnected = errors.New("gateway: not connected")

	// ErrClientDisconnected rejects pending work when the caller
	// intentionally disconnects.
	ErrClientDisconnected = errors.New("gateway: client disconnected")

	// ErrClientDestroyed rejects any use of a destroyed client.
	ErrClientDestroyed = errors.New("gateway: client destroyed")

	// ErrHandshakeTimeout aborts a connect attempt whose handshake did not
	// complete within the configured window.
	ErrHandshakeTimeout = errors.New("gateway: handshake timed out")

	// ErrHandshakeProtocol aborts a connect attempt on a malformed or
	// unexpected hello. Terminal until a fresh Connect.
	ErrHandshakeProtocol = errors.New("gateway: handshake protocol violation")

	// ErrHandshakeRejected aborts a connect attempt the server refused.
	ErrHandshakeRejected = errors.New("gateway: handshake rejected")

	// ErrRequestTimeout is the client-local request timeout. It does not
	// imply the server failed; the request may still execute server-side.
	ErrRequestTimeout = errors.New("gateway: request timed out")

	// ErrDuplicateIdempotencyKey rejects a request whose idempotency key was
	// already used within the TTL window, before any network I/O.
	ErrDuplicateIdempotencyKey = errors.New("gateway: duplicate idempotency key")

	// ErrReconnectExhausted reports that automatic reconnection gave up.
	// Terminal until an explicit Connect.
	ErrReconnectExhausted = errors.New("gateway: reconnect attempts exhausted")
)
