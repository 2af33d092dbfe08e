package presence

import "sync"

// Bus is an in-process broadcast medium. Each participant joins the bus and
// receives messages published by every other participant. Useful for tests
// and for hosts that only ever run one client per process.
type Bus struct {
	mu      sync.Mutex
	closed  bool
	handles map[*busHandle]struct{}
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{handles: make(map[*busHandle]struct{})}
}

// Join returns a new participant handle on the bus.
func (b *Bus) Join() Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := &busHandle{bus: b, subs: make(map[int]func(Msg))}
	if !b.closed {
		b.handles[h] = struct{}{}
	} else {
		h.closed = true
	}
	return h
}

// Close detaches all participants.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for h := range b.handles {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
	}
	b.handles = make(map[*busHandle]struct{})
}

func (b *Bus) broadcast(from *busHandle, msg Msg) {
	b.mu.Lock()
	targets := make([]*busHandle, 0, len(b.handles))
	for h := range b.handles {
		if h != from {
			targets = append(targets, h)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		h.deliver(msg)
	}
}

type busHandle struct {
	bus    *Bus
	mu     sync.Mutex
	closed bool
	nextID int
	subs   map[int]func(Msg)
}

func (h *busHandle) Publish(msg Msg) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrChannelClosed
	}
	h.mu.Unlock()
	h.bus.broadcast(h, msg)
	return nil
}

func (h *busHandle) Subscribe(fn func(Msg)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrChannelClosed
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}, nil
}

func (h *busHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.subs = make(map[int]func(Msg))
	h.mu.Unlock()

	h.bus.mu.Lock()
	delete(h.bus.handles, h)
	h.bus.mu.Unlock()
	return nil
}

// deliver runs subscriber callbacks on a fresh goroutine so a handler that
// publishes in response cannot deadlock the bus.
func (h *busHandle) deliver(msg Msg) {
	h.mu.Lock()
	fns := make([]func(Msg), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		go fn(msg)
	}
}
