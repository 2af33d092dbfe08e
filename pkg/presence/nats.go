package presence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const subjectPrefix = "gatewaykit.presence"

// Subject derives the NATS subject for a gateway endpoint. The endpoint is
// normalized (scheme and trailing slash stripped) and hashed so URLs with
// characters illegal in subjects still map to a stable subject, and so two
// spellings of the same gateway share one election scope.
func Subject(endpoint string) string {
	normalized := strings.TrimPrefix(endpoint, "ws://")
	normalized = strings.TrimPrefix(normalized, "wss://")
	normalized = strings.TrimRight(normalized, "/")
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%s.%s", subjectPrefix, hex.EncodeToString(sum[:6]))
}

// natsEnvelope wraps a Msg with the publishing handle's identity. NATS
// loops a connection's own publishes back to its subscriptions; the envelope
// lets each handle drop its own echoes.
type natsEnvelope struct {
	From string `json:"from"`
	Msg  Msg    `json:"msg"`
}

// NATSChannel is a presence channel backed by a NATS subject, for deployments
// where multiple processes contend for the same gateway endpoint.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
	from    string
	ownConn bool

	mu     sync.Mutex
	closed bool
	nextID int
	subs   map[int]func(Msg)
	sub    *nats.Subscription
}

// DialNATS connects to a NATS server and opens a presence channel scoped to
// the gateway endpoint.
func DialNATS(natsURL, endpoint string) (*NATSChannel, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("gatewaykit-presence"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("presence: connect nats: %w", err)
	}
	ch, err := NewNATSChannel(conn, endpoint)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ch.ownConn = true
	return ch, nil
}

// NewNATSChannel opens a presence channel on an existing NATS connection.
// The connection is not closed by Close.
func NewNATSChannel(conn *nats.Conn, endpoint string) (*NATSChannel, error) {
	ch := &NATSChannel{
		conn:    conn,
		subject: Subject(endpoint),
		from:    uuid.NewString(),
		subs:    make(map[int]func(Msg)),
	}
	sub, err := conn.Subscribe(ch.subject, ch.onMessage)
	if err != nil {
		return nil, fmt.Errorf("presence: subscribe %s: %w", ch.subject, err)
	}
	ch.sub = sub
	return ch, nil
}

func (ch *NATSChannel) onMessage(m *nats.Msg) {
	var env natsEnvelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		return
	}
	if env.From == ch.from {
		return
	}
	ch.mu.Lock()
	fns := make([]func(Msg), 0, len(ch.subs))
	for _, fn := range ch.subs {
		fns = append(fns, fn)
	}
	ch.mu.Unlock()
	for _, fn := range fns {
		fn(env.Msg)
	}
}

// Publish broadcasts a message to every other participant on the subject.
func (ch *NATSChannel) Publish(msg Msg) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrChannelClosed
	}
	ch.mu.Unlock()

	data, err := json.Marshal(natsEnvelope{From: ch.from, Msg: msg})
	if err != nil {
		return fmt.Errorf("presence: encode: %w", err)
	}
	if err := ch.conn.Publish(ch.subject, data); err != nil {
		return fmt.Errorf("presence: publish: %w", err)
	}
	return nil
}

// Subscribe registers a handler for messages from other participants.
func (ch *NATSChannel) Subscribe(fn func(Msg)) (func(), error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, ErrChannelClosed
	}
	id := ch.nextID
	ch.nextID++
	ch.subs[id] = fn
	return func() {
		ch.mu.Lock()
		delete(ch.subs, id)
		ch.mu.Unlock()
	}, nil
}

// Close drains the subscription and, if this channel dialed its own
// connection, closes it.
func (ch *NATSChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.subs = make(map[int]func(Msg))
	sub := ch.sub
	ch.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if ch.ownConn {
		ch.conn.Close()
	}
	return nil
}
