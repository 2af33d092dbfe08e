package client

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/gatewaykit/pkg/protocol"
)

type pendingResult struct {
	payload json.RawMessage
	err     error
}

type pendingRequest struct {
	method string
	ch     chan pendingResult
	timer  *time.Timer
}

// pendingRegistry correlates outbound request ids to waiting callers.
// Exactly one pending entry exists per in-flight id; every entry settles
// exactly once: on its matching response, its timeout, explicit removal, or
// a force-reject during teardown.
type pendingRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	logger  *slog.Logger
}

func newPendingRegistry(logger *slog.Logger) *pendingRegistry {
	return &pendingRegistry{
		pending: make(map[string]*pendingRequest),
		logger:  logger,
	}
}

// add registers id with a timeout timer and returns the settle channel.
func (r *pendingRegistry) add(id, method string, timeout time.Duration) <-chan pendingResult {
	p := &pendingRequest{
		method: method,
		ch:     make(chan pendingResult, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		r.fail(id, ErrRequestTimeout)
	})

	r.mu.Lock()
	r.pending[id] = p
	r.mu.Unlock()
	return p.ch
}

// settle resolves the pending entry matching a response frame. Unmatched ids
// (already timed out, or never sent) are logged and dropped, never fatal.
func (r *pendingRegistry) settle(f *protocol.Frame) {
	p := r.take(f.ID)
	if p == nil {
		r.logger.Warn("dropping response for unknown request id", "id", f.ID)
		return
	}
	if f.Succeeded() {
		p.ch <- pendingResult{payload: f.Payload}
		return
	}
	werr := f.Error
	if werr == nil {
		werr = &protocol.WireError{Code: protocol.CodeInternal, Message: "response not ok and no error provided"}
	}
	p.ch <- pendingResult{err: werr}
}

// fail settles id with err if it is still pending.
func (r *pendingRegistry) fail(id string, err error) {
	if p := r.take(id); p != nil {
		p.ch <- pendingResult{err: err}
	}
}

// failAll settles every pending entry with err. Used on teardown, handshake
// abort, and watchdog-forced reconnects.
func (r *pendingRegistry) failAll(err error) {
	r.mu.Lock()
	all := r.pending
	r.pending = make(map[string]*pendingRequest)
	r.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.ch <- pendingResult{err: err}
	}
}

// remove drops id without settling it. Used when the caller gave up locally
// (ctx cancellation) and is no longer listening.
func (r *pendingRegistry) remove(id string) {
	r.take(id)
}

// take atomically detaches the entry and stops its timer, guaranteeing the
// single-settle invariant.
func (r *pendingRegistry) take(id string) *pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	p.timer.Stop()
	return p
}

func (r *pendingRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// has reports whether id is still outstanding.
func (r *pendingRegistry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}
