package client

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/openclaw/gatewaykit/pkg/protocol"
)

// EventHandler receives gateway events. Handlers run synchronously on the
// read loop; they must not assume a fresh call stack and should hand off
// long work to their own goroutines.
type EventHandler func(name string, payload json.RawMessage)

// eventBus routes inbound events to per-name handler sets and a wildcard
// set, and tracks the server's event sequence counter and state version.
type eventBus struct {
	mu       sync.Mutex
	nextID   int
	named    map[string]map[int]EventHandler
	wildcard map[int]EventHandler

	lastSeq uint64
	version protocol.StateVersion

	logger *slog.Logger
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{
		named:    make(map[string]map[int]EventHandler),
		wildcard: make(map[int]EventHandler),
		logger:   logger,
	}
}

func (b *eventBus) on(name string, h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	set, ok := b.named[name]
	if !ok {
		set = make(map[int]EventHandler)
		b.named[name] = set
	}
	set[id] = h
	return func() { b.off(name, id) }
}

// off removes one handler; removing the last handler for a name drops the
// set entirely so the map does not grow without bound.
func (b *eventBus) off(name string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.named[name]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.named, name)
	}
}

func (b *eventBus) once(name string, h EventHandler) func() {
	var offOnce sync.Once
	var off func()
	off = b.on(name, func(n string, payload json.RawMessage) {
		offOnce.Do(off)
		h(n, payload)
	})
	return func() { offOnce.Do(off) }
}

func (b *eventBus) onAny(h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.wildcard[id] = h
	return func() {
		b.mu.Lock()
		delete(b.wildcard, id)
		b.mu.Unlock()
	}
}

// observeSeq advances the sequence counter and reports whether a gap was
// detected (a jump beyond lastSeq+1 against a nonzero baseline).
func (b *eventBus) observeSeq(seq uint64) (gap bool) {
	if seq == 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	gap = b.lastSeq != 0 && seq > b.lastSeq+1
	if seq > b.lastSeq {
		b.lastSeq = seq
	}
	return gap
}

// observeVersion overwrites the cached version when the incoming one is
// fresher.
func (b *eventBus) observeVersion(v protocol.StateVersion) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v.Newer(b.version) {
		b.version = v
	}
}

func (b *eventBus) stateVersion() protocol.StateVersion {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

func (b *eventBus) seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// resetSeq clears the sequence baseline. Called when a new connection is
// established, since the server restarts its counter per connection.
func (b *eventBus) resetSeq() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeq = 0
}

// dispatch delivers one event to the named handler set, then the wildcard
// set, in that order. Handler panics are recovered individually so one
// failing handler cannot block the others.
func (b *eventBus) dispatch(name string, payload json.RawMessage) {
	b.mu.Lock()
	handlers := make([]EventHandler, 0, 4)
	if set, ok := b.named[name]; ok {
		for _, h := range set {
			handlers = append(handlers, h)
		}
	}
	for _, h := range b.wildcard {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, name, payload)
	}
}

func (b *eventBus) invoke(h EventHandler, name string, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "event", name, "panic", r)
		}
	}()
	h(name, payload)
}

// legacyAgentPayload is the pre-1.0 agent event shape still emitted by older
// gateways.
type legacyAgentPayload struct {
	Delta json.RawMessage `json:"delta"`
	Done  *bool           `json:"done"`
	Error string          `json:"error"`
}

// agentPayload is the current canonical agent event shape.
type agentPayload struct {
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// normalizePayload rewrites legacy agent event payloads into the canonical
// shape at the ingress boundary, so no handler ever branches on which schema
// the server spoke.
func normalizePayload(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}
	var legacy legacyAgentPayload
	if err := json.Unmarshal(payload, &legacy); err != nil {
		return payload
	}
	if legacy.Done == nil && legacy.Delta == nil && legacy.Error == "" {
		return payload
	}

	canon := agentPayload{Message: legacy.Delta, ErrorMessage: legacy.Error}
	switch {
	case legacy.Error != "":
		canon.State = "error"
	case legacy.Done != nil && *legacy.Done:
		canon.State = "done"
	default:
		canon.State = "streaming"
	}
	out, err := json.Marshal(canon)
	if err != nil {
		return payload
	}
	return out
}
