// Package presence provides the broadcast medium used for cross-instance
// coordination. A Channel is a tiny pub/sub fabric scoped to one gateway
// endpoint: every message a participant publishes is delivered to every
// other subscribed participant.
//
// Two implementations ship here: an in-process Bus for single-binary hosts
// and tests, and a NATS-backed channel for multi-process deployments. The
// leader election in pkg/election is written against the interface and does
// not care which one it runs on.
package presence

import "errors"

// Kind tags a presence message.
type Kind string

const (
	KindPing      Kind = "ping"      // A contender probing for an active leader
	KindClaim     Kind = "claim"     // A contender claiming leadership
	KindHeartbeat Kind = "heartbeat" // The active leader announcing itself
	KindRelease   Kind = "release"   // The leader stepping down
)

// Msg is one broadcast message on a presence channel.
type Msg struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"` // Contender or leader id
}

// ErrChannelClosed reports publish or subscribe on a closed channel.
var ErrChannelClosed = errors.New("presence: channel closed")

// Channel is a broadcast medium scoped to one gateway endpoint. Publish
// never delivers a message back to the publisher's own subscriptions on the
// same handle; participants hold one handle each.
type Channel interface {
	Publish(msg Msg) error
	Subscribe(fn func(Msg)) (cancel func(), err error)
	Close() error
}
