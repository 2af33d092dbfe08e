package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openclaw/gatewaykit/pkg/election"
	"github.com/openclaw/gatewaykit/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second

	// Diagnostic close codes sent when the client abandons a socket.
	closeHandshakeFailed = 4002
	closeStaleConnection = 4008
)

// ServerProfile is everything the gateway told us in hello-ok, kept for the
// lifetime of the connection.
type ServerProfile struct {
	Protocol   int
	Server     protocol.ServerInfo
	Features   protocol.Features
	Policy     protocol.Policy
	Snapshot   *protocol.Snapshot
	AuthToken  string
	GatewayURL string
}

// Client is a persistent gateway connection. It multiplexes request/response
// correlation and event fan-out over one websocket, authenticates with a
// challenge-signing device identity, and keeps itself alive with a liveness
// watchdog and backoff-driven reconnects. All methods are safe for concurrent
// use.
type Client struct {
	cfg     config
	logger  *slog.Logger
	metrics *metrics
	tracer  trace.Tracer

	sm      *stateMachine
	pending *pendingRegistry
	limiter *tokenBucket
	idem    *idemCache
	bus     *eventBus
	backoff *backoff
	wd      *watchdog
	elector *election.Elector

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	refreshing atomic.Bool

	// writeMu serializes frame writes; gorilla allows one writer at a time.
	writeMu sync.Mutex

	mu          sync.Mutex
	url         string
	conn        *websocket.Conn
	generation  uint64
	hs          *handshakeWaiter
	profile     *ServerProfile
	lastErr     error
	connecting  bool
	intentional bool
	destroyed   bool
}

// New builds a client for the gateway at url. The connection is not opened
// until Connect.
func New(url string, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		logger:     cfg.logger.With("component", "gateway_client"),
		metrics:    newMetrics(cfg.registry),
		tracer:     otel.Tracer("gatewaykit/client"),
		pending:    newPendingRegistry(cfg.logger),
		limiter:    newTokenBucket(cfg.rateCapacity, cfg.ratePerSecond),
		idem:       newIdemCache(cfg.idemTTL, cfg.idemCapacity),
		bus:        newEventBus(cfg.logger),
		backoff:    newBackoff(cfg.reconnectMin, cfg.reconnectMaxDelay, cfg.reconnectAttempts),
		elector:    newElector(cfg),
		url:        url,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
	c.sm = newStateMachine(cfg.logger)
	c.wd = newWatchdog(c.forceReconnect)
	return c
}

func newElector(cfg config) *election.Elector {
	ecfg := cfg.electionCfg
	if ecfg.Logger == nil {
		ecfg.Logger = cfg.logger
	}
	return election.New(cfg.channel, ecfg)
}

// Connect wins (or waits out) the leader election, dials the gateway, and
// runs the authentication handshake. It returns once the client is connected
// or the attempt has failed. Connecting while already connected is a no-op;
// connecting while another attempt is in flight returns ErrConnectInProgress.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, "")
}

// ReconnectTo tears down the current connection, if any, and connects to a
// different gateway endpoint.
func (c *Client) ReconnectTo(ctx context.Context, url string) error {
	c.Disconnect()
	return c.connect(ctx, url)
}

func (c *Client) connect(ctx context.Context, urlOverride string) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrClientDestroyed
	}
	if c.sm.state() == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.connecting = true
	c.intentional = false
	if urlOverride != "" {
		c.url = urlOverride
	}
	c.mu.Unlock()
	defer c.clearConnecting()

	if err := c.elector.Campaign(ctx); err != nil {
		return err
	}
	err := c.establish(ctx, true)
	if err != nil && errors.Is(err, ErrTransport) && c.sm.state() == StateConnecting {
		// Dial never completed; nothing to tear down.
		c.sm.transition(StateDisconnected)
	}
	return err
}

func (c *Client) clearConnecting() {
	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
}

// establish performs one dial plus handshake. When terminal is true a
// handshake failure parks the client in the error state; reconnect attempts
// pass false so recoverable failures feed back into the retry loop.
func (c *Client) establish(ctx context.Context, terminal bool) error {
	c.sm.transition(StateConnecting)

	c.mu.Lock()
	url := c.url
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.handshakeTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, url, err)
	}

	hs := newHandshakeWaiter()
	c.mu.Lock()
	c.conn = conn
	c.generation++
	gen := c.generation
	c.hs = hs
	c.mu.Unlock()

	// The connect request reports the last sequence seen on the prior
	// connection, so capture it before the counter resets.
	lastSeq := c.bus.seq()
	c.bus.resetSeq()
	go c.readLoop(conn, gen)

	if err := c.runHandshake(ctx, gen, hs, url, lastSeq); err != nil {
		c.abortHandshake(gen, err, terminal)
		return err
	}
	return nil
}

// abortHandshake unwinds a failed connect attempt: every pending request is
// rejected, the socket is closed with a diagnostic code, and for terminal
// failures leadership is released and the client parks in the error state.
func (c *Client) abortHandshake(gen uint64, cause error, terminal bool) {
	if errors.Is(cause, ErrHandshakeProtocol) || errors.Is(cause, ErrHandshakeRejected) {
		// Protocol violations never self-heal; stop retrying.
		terminal = true
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.generation++
	conn := c.conn
	c.conn = nil
	c.hs = nil
	c.mu.Unlock()

	c.pending.failAll(cause)
	c.metrics.pending.Set(0)
	if conn != nil {
		c.closeSocket(conn, closeHandshakeFailed, "handshake failed")
	}

	if terminal {
		c.mu.Lock()
		c.lastErr = cause
		c.mu.Unlock()
		c.elector.Release()
		c.logger.Error("gateway handshake failed", "error", cause)
		c.sm.transition(StateError)
	}
}

// Disconnect closes the connection intentionally: no reconnect is attempted,
// pending requests are rejected, the idempotency cache is cleared, and any
// held leadership is released. Safe to call in any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.intentional = true
	c.generation++
	conn := c.conn
	c.conn = nil
	hs := c.hs
	c.hs = nil
	c.profile = nil
	c.lastErr = nil
	c.mu.Unlock()

	if hs != nil {
		hs.close()
	}
	c.wd.halt()
	c.pending.failAll(ErrClientDisconnected)
	c.metrics.pending.Set(0)
	c.idem.clear()
	if conn != nil {
		c.closeSocket(conn, websocket.CloseNormalClosure, "client disconnect")
	}
	c.elector.Release()
	c.sm.transition(StateDisconnected)
}

// Destroy disconnects and permanently retires the client. Every later call
// fails with ErrClientDestroyed.
func (c *Client) Destroy() {
	c.Disconnect()
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.lifeCancel()
	c.limiter.close(ErrClientDestroyed)
	if err := c.elector.Close(); err != nil {
		c.logger.Warn("closing elector", "error", err)
	}
}

// Request sends an RPC and waits for the correlated response. Side-effecting
// methods are assigned an idempotency key automatically when the caller did
// not supply one; a key reused within its TTL fails fast without any network
// traffic. Cancelling ctx abandons the request locally, no abort is sent.
func (c *Client) Request(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	o := requestOptions{timeout: c.cfg.requestTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := c.tracer.Start(ctx, "gateway.request",
		trace.WithAttributes(attribute.String("rpc.method", method)))
	defer span.End()

	payload, err := c.doRequest(ctx, method, params, o)
	c.metrics.requests.WithLabelValues(method, requestOutcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return payload, err
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrDuplicateIdempotencyKey),
		errors.Is(err, ErrClientDestroyed):
		return outcomeRejected
	default:
		return outcomeError
	}
}

func (c *Client) doRequest(ctx context.Context, method string, params any, o requestOptions) (json.RawMessage, error) {
	if c.sm.state() != StateConnected {
		return nil, ErrNotConnected
	}

	if err := c.limiter.acquire(ctx); err != nil {
		return nil, err
	}
	c.metrics.rateQueue.Set(float64(c.limiter.queueLen()))

	key := o.idempotencyKey
	if key == "" && sideEffecting[method] {
		key = uuid.NewString()
	}
	if key != "" && !c.idem.add(key) {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateIdempotencyKey, key)
	}

	raw, err := marshalParams(params, key)
	if err != nil {
		if key != "" {
			c.idem.remove(key)
		}
		return nil, err
	}

	id := uuid.NewString()
	ch := c.pending.add(id, method, o.timeout)
	c.metrics.pending.Set(float64(c.pending.len()))

	if err := c.writeFrame(protocol.NewRequest(id, method, raw)); err != nil {
		c.pending.remove(id)
		c.metrics.pending.Set(float64(c.pending.len()))
		// The frame never left, so the key must not burn a retry.
		if key != "" {
			c.idem.remove(key)
		}
		return nil, err
	}

	select {
	case res := <-ch:
		c.metrics.pending.Set(float64(c.pending.len()))
		return res.payload, res.err
	case <-ctx.Done():
		c.pending.remove(id)
		c.metrics.pending.Set(float64(c.pending.len()))
		return nil, ctx.Err()
	}
}

// marshalParams encodes the request params, injecting the idempotency key
// into the params object when one applies.
func marshalParams(params any, key string) (json.RawMessage, error) {
	if key == "" {
		if params == nil {
			return nil, nil
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		return raw, nil
	}

	obj := map[string]any{}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("idempotency key requires object params: %w", err)
		}
	}
	obj["idempotencyKey"] = key
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}

func (c *Client) writeFrame(f *protocol.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// readLoop pumps frames off one socket generation until it dies.
func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		switch f.Type {
		case protocol.FrameResponse:
			c.pending.settle(f)
			c.metrics.pending.Set(float64(c.pending.len()))
		case protocol.FrameEvent:
			c.handleEvent(f)
		default:
			c.logger.Warn("unexpected frame type from server", "type", string(f.Type))
		}
	}
}

// handleEvent applies the fixed ingress order: sequence accounting, state
// version, protocol-internal events, then fan-out to subscribers.
func (c *Client) handleEvent(f *protocol.Frame) {
	c.metrics.events.Inc()

	if f.Seq != 0 && c.bus.observeSeq(f.Seq) {
		c.metrics.seqGaps.Inc()
		c.logger.Warn("event sequence gap, scheduling state refresh", "seq", f.Seq)
		go c.refreshState()
	}
	if f.StateVersion != nil {
		c.bus.observeVersion(*f.StateVersion)
	}

	switch f.Event {
	case protocol.EventChallenge:
		var ch protocol.Challenge
		if err := json.Unmarshal(f.Payload, &ch); err != nil {
			c.logger.Warn("malformed challenge payload", "error", err)
			return
		}
		c.deliverChallenge(ch)
		return
	case protocol.EventTick:
		c.wd.observe()
	case protocol.EventShutdown:
		var sd struct {
			RestartInMs int64 `json:"restartInMs"`
		}
		if err := json.Unmarshal(f.Payload, &sd); err == nil && sd.RestartInMs > 0 {
			c.backoff.extendFloor(time.Duration(sd.RestartInMs) * time.Millisecond)
		}
	}

	c.bus.dispatch(f.Event, normalizePayload(f.Payload))
}

func (c *Client) deliverChallenge(ch protocol.Challenge) {
	c.mu.Lock()
	hs := c.hs
	c.mu.Unlock()
	if hs == nil {
		c.logger.Warn("challenge received outside handshake, ignoring")
		return
	}
	select {
	case hs.challenge <- ch:
	default:
	}
}

// refreshState re-fetches the resources event consumers key their caches on
// after a sequence gap, then publishes one synthetic refresh event. At most
// one refresh runs at a time.
func (c *Client) refreshState() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer c.refreshing.Store(false)

	ctx, cancel := context.WithTimeout(c.lifeCtx, c.cfg.requestTimeout)
	defer cancel()

	refresh := map[string]json.RawMessage{}
	for _, method := range []string{"sessions.list", "cron.list"} {
		payload, err := c.Request(ctx, method, nil)
		if err != nil {
			c.logger.Warn("state refresh fetch failed", "method", method, "error", err)
			continue
		}
		refresh[method] = payload
	}
	if len(refresh) == 0 {
		return
	}

	payload, err := json.Marshal(refresh)
	if err != nil {
		c.logger.Warn("state refresh encode failed", "error", err)
		return
	}
	c.bus.dispatch(protocol.EventStateRefresh, payload)
}

// handleClose reacts to a dead socket. Stale generations are ignored, an
// intentional disconnect was already handled, a death mid-handshake is
// surfaced through the handshake waiter, and anything else starts the
// reconnect loop.
func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	hs := c.hs
	intentional := c.intentional
	c.mu.Unlock()

	if hs != nil {
		hs.close()
		return
	}
	if intentional {
		return
	}

	c.logger.Warn("gateway connection lost", "error", err)
	c.wd.halt()
	c.pending.failAll(fmt.Errorf("%w: connection closed: %v", ErrTransport, err))
	c.metrics.pending.Set(0)
	c.metrics.reconnects.Inc()
	c.sm.transition(StateReconnecting)
	go c.reconnectLoop(false)
}

// forceReconnect is the watchdog's stale callback: the socket looks open but
// the server stopped ticking, so drop it and dial fresh. Leadership is
// released first in case another client can reach the gateway.
func (c *Client) forceReconnect() {
	c.mu.Lock()
	if c.destroyed || c.intentional || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.generation++
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.logger.Warn("liveness watchdog expired, forcing reconnect")
	c.pending.failAll(fmt.Errorf("%w: liveness watchdog expired", ErrTransport))
	c.metrics.pending.Set(0)
	c.closeSocket(conn, closeStaleConnection, "stale connection")
	c.elector.Release()
	c.metrics.reconnects.Inc()
	c.sm.transition(StateReconnecting)
	go c.reconnectLoop(true)
}

// reconnectLoop retries with exponential backoff until connected, the
// attempt budget is exhausted, or the client is torn down. needCampaign is
// set when leadership was released and must be re-won before dialing.
func (c *Client) reconnectLoop(needCampaign bool) {
	c.mu.Lock()
	if c.destroyed || c.intentional || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()
	defer c.clearConnecting()

	for {
		delay, ok := c.backoff.next()
		if !ok {
			c.logger.Error("reconnect attempts exhausted", "attempts", c.backoff.attempts())
			c.mu.Lock()
			c.lastErr = ErrReconnectExhausted
			c.mu.Unlock()
			c.elector.Release()
			c.sm.transition(StateError)
			return
		}
		c.logger.Info("reconnecting", "attempt", c.backoff.attempts(), "delay", delay)

		select {
		case <-time.After(delay):
		case <-c.lifeCtx.Done():
			return
		}

		c.mu.Lock()
		stop := c.destroyed || c.intentional
		c.mu.Unlock()
		if stop {
			return
		}

		if needCampaign {
			if err := c.elector.Campaign(c.lifeCtx); err != nil {
				c.logger.Error("leader election failed during reconnect", "error", err)
				c.mu.Lock()
				c.lastErr = err
				c.mu.Unlock()
				c.sm.transition(StateError)
				return
			}
			needCampaign = false
		}

		err := c.establish(c.lifeCtx, false)
		if err == nil {
			return
		}
		c.logger.Warn("reconnect attempt failed", "error", err)
		if errors.Is(err, ErrHandshakeProtocol) || errors.Is(err, ErrHandshakeRejected) {
			return
		}
		c.metrics.reconnects.Inc()
		c.sm.transition(StateReconnecting)
	}
}

func (c *Client) closeSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug("close handshake skipped", "error", err)
	}
	conn.Close()
}

// State reports the current connection state.
func (c *Client) State() ConnectionState {
	return c.sm.state()
}

// OnStateChange registers a listener for connection state transitions and
// returns its unsubscribe func.
func (c *Client) OnStateChange(fn StateListener) func() {
	return c.sm.subscribe(fn)
}

// On subscribes a handler to a named event and returns its unsubscribe func.
func (c *Client) On(name string, h EventHandler) func() {
	return c.bus.on(name, h)
}

// Once subscribes a handler that fires for at most one delivery.
func (c *Client) Once(name string, h EventHandler) func() {
	return c.bus.once(name, h)
}

// OnAny subscribes a handler to every event, invoked after named handlers.
func (c *Client) OnAny(h EventHandler) func() {
	return c.bus.onAny(h)
}

// Poke resets the liveness watchdog, for callers with out-of-band proof the
// connection is healthy.
func (c *Client) Poke() {
	c.wd.poke()
}

// Leading reports whether this client currently holds the presence-channel
// leadership.
func (c *Client) Leading() bool {
	return c.elector.Leading()
}

// LastSeq returns the highest event sequence number seen on this connection.
func (c *Client) LastSeq() uint64 {
	return c.bus.seq()
}

// StateVersion returns the newest state version observed from the server.
func (c *Client) StateVersion() protocol.StateVersion {
	return c.bus.stateVersion()
}

// Profile returns the server profile from the current connection's hello-ok,
// or nil while disconnected.
func (c *Client) Profile() *ServerProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// ServerInfo returns the identity of the connected gateway. Zero value while
// disconnected.
func (c *Client) ServerInfo() protocol.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return protocol.ServerInfo{}
	}
	return c.profile.Server
}

// ServerPolicy returns the gateway's advertised operating limits.
func (c *Client) ServerPolicy() protocol.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return protocol.Policy{}
	}
	return c.profile.Policy
}

// ServerFeatures returns the gateway's method and event catalog.
func (c *Client) ServerFeatures() protocol.Features {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return protocol.Features{}
	}
	return c.profile.Features
}

// AuthToken returns the device token issued on the current connection, or
// empty when connected unauthenticated or disconnected.
func (c *Client) AuthToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return ""
	}
	return c.profile.AuthToken
}

// Snapshot returns the state snapshot delivered with hello-ok, if any.
func (c *Client) Snapshot() *protocol.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return nil
	}
	return c.profile.Snapshot
}

// Err returns the error that parked the client in the error state, nil in
// every other state.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
