// Package gatewaytest provides a scripted in-process gateway for client
// tests. It speaks the real wire protocol over a real websocket, issues
// challenges, verifies challenge signatures, and lets tests control ticks,
// events, and per-method responses.
package gatewaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/gatewaykit/pkg/identity"
	"github.com/openclaw/gatewaykit/pkg/protocol"
)

// Handler produces the response payload for one scripted method. Returning
// a non-nil *protocol.WireError sends an error response instead.
type Handler func(params json.RawMessage) (any, *protocol.WireError)

// HelloFunc decides the outcome of a connect request. The Conn gives access
// to the challenge nonce the server issued.
type HelloFunc func(c *Conn, params protocol.ConnectParams) (*protocol.Hello, *protocol.WireError)

// Server is a fake gateway bound to an httptest listener.
type Server struct {
	tb testing.TB
	hs *httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	dropped  map[string]bool
	helloFn  HelloFunc
	tickMs   int64
	conns    []*Conn

	connCh chan *Conn
}

// New starts a gateway server. It is shut down via tb.Cleanup.
func New(tb testing.TB) *Server {
	s := &Server{
		tb:       tb,
		handlers: map[string]Handler{},
		dropped:  map[string]bool{},
		tickMs:   30_000,
		connCh:   make(chan *Conn, 8),
	}
	s.helloFn = s.defaultHello

	r := chi.NewRouter()
	r.Get("/ws", s.serveWS)
	s.hs = httptest.NewServer(r)
	tb.Cleanup(s.Close)
	return s
}

// URL returns the websocket endpoint clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.hs.URL, "http") + "/ws"
}

// Handle scripts the response for a method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Drop makes the server swallow requests for a method without responding,
// for exercising client-side timeouts. Dropping "connect" stalls the
// handshake.
func (s *Server) Drop(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped[method] = true
}

// SetHello replaces the connect outcome, for rejection and malformed-hello
// scenarios.
func (s *Server) SetHello(fn HelloFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.helloFn = fn
}

// SetTickInterval sets the tick interval advertised in hello-ok. Must be
// called before the client connects.
func (s *Server) SetTickInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickMs = d.Milliseconds()
}

// WaitConn blocks until the next websocket connection is accepted.
func (s *Server) WaitConn(timeout time.Duration) *Conn {
	s.tb.Helper()
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(timeout):
		s.tb.Fatalf("no gateway connection within %v", timeout)
		return nil
	}
}

// Requests returns every request frame received for a method, across all
// connections.
func (s *Server) Requests(method string) []*protocol.Frame {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()

	var out []*protocol.Frame
	for _, c := range conns {
		for _, f := range c.Received() {
			if f.Type == protocol.FrameRequest && f.Method == method {
				out = append(out, f)
			}
		}
	}
	return out
}

// Close shuts the listener and every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	s.hs.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{srv: s, ws: ws, nonce: uuid.NewString()}

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	select {
	case s.connCh <- c:
	default:
	}

	// The challenge precedes the session, so it carries no sequence number.
	c.SendEventSeq(protocol.EventChallenge, 0, protocol.Challenge{
		Nonce: c.nonce,
		TS:    time.Now().UnixMilli(),
	})
	go c.readLoop()
}

// defaultHello accepts the connect, verifying the challenge signature when a
// device identity is present, and issues a fresh device token.
func (s *Server) defaultHello(c *Conn, params protocol.ConnectParams) (*protocol.Hello, *protocol.WireError) {
	if params.Device.ID != "" {
		canonical := protocol.CanonicalChallenge(
			c.nonce, params.Device.SignedAt, params.Role, params.Scopes, params.AuthToken)
		if ok, err := identity.Verify(params.Device.PublicKey, params.Device.Signature, canonical); err != nil || !ok {
			return nil, &protocol.WireError{
				Code:    protocol.CodeNotAuthorized,
				Message: "challenge signature rejected",
			}
		}
	}

	s.mu.Lock()
	tickMs := s.tickMs
	s.mu.Unlock()

	hello := &protocol.Hello{
		Type:     protocol.HelloType,
		Protocol: protocol.MaxProtocol,
		Server: protocol.ServerInfo{
			Version: "gatewaytest",
			ConnID:  uuid.NewString(),
		},
		Features: protocol.Features{
			Methods: []string{"health", "sessions.list", "cron.list", "chat.send"},
			Events:  []string{protocol.EventTick, protocol.EventShutdown},
		},
		Policy: protocol.Policy{TickIntervalMs: tickMs},
	}
	if params.Device.ID != "" {
		hello.Auth = &protocol.Auth{
			DeviceToken: "tok-" + uuid.NewString(),
			Role:        params.Role,
			Scopes:      params.Scopes,
			IssuedAtMs:  time.Now().UnixMilli(),
		}
	}
	return hello, nil
}

// Conn is one accepted websocket.
type Conn struct {
	srv   *Server
	ws    *websocket.Conn
	nonce string

	writeMu sync.Mutex

	mu       sync.Mutex
	received []*protocol.Frame
	seq      uint64
	closed   bool
}

// Nonce returns the challenge nonce issued to this connection.
func (c *Conn) Nonce() string {
	return c.nonce
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.received = append(c.received, f)
		c.mu.Unlock()
		if f.Type == protocol.FrameRequest {
			c.handleRequest(f)
		}
	}
}

func (c *Conn) handleRequest(f *protocol.Frame) {
	s := c.srv
	s.mu.Lock()
	dropped := s.dropped[f.Method]
	h := s.handlers[f.Method]
	helloFn := s.helloFn
	s.mu.Unlock()

	if dropped {
		return
	}

	if f.Method == protocol.MethodConnect {
		var params protocol.ConnectParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			c.writeFrame(protocol.NewErrorResult(f.ID, &protocol.WireError{
				Code:    protocol.CodeInvalidRequest,
				Message: "malformed connect params",
			}))
			return
		}
		hello, werr := helloFn(c, params)
		if werr != nil {
			c.writeFrame(protocol.NewErrorResult(f.ID, werr))
			return
		}
		payload, err := json.Marshal(hello)
		if err != nil {
			s.tb.Errorf("encode hello: %v", err)
			return
		}
		c.writeFrame(protocol.NewResult(f.ID, payload))
		return
	}

	if h == nil {
		c.writeFrame(protocol.NewErrorResult(f.ID, &protocol.WireError{
			Code:    protocol.CodeNotFound,
			Message: "unknown method " + f.Method,
		}))
		return
	}
	res, werr := h(f.Params)
	if werr != nil {
		c.writeFrame(protocol.NewErrorResult(f.ID, werr))
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		s.tb.Errorf("encode %s result: %v", f.Method, err)
		return
	}
	c.writeFrame(protocol.NewResult(f.ID, payload))
}

// SendEvent pushes an event with the next sequence number.
func (c *Conn) SendEvent(name string, payload any) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	c.SendEventSeq(name, seq, payload)
}

// SendEventSeq pushes an event with an explicit sequence number, for gap
// scenarios. The internal counter follows the given value.
func (c *Conn) SendEventSeq(name string, seq uint64, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.srv.tb.Errorf("encode %s payload: %v", name, err)
		return
	}
	f := protocol.NewEvent(name, raw)
	f.Seq = seq

	c.mu.Lock()
	if seq > c.seq {
		c.seq = seq
	}
	c.mu.Unlock()
	c.writeFrame(f)
}

// Tick sends one liveness tick.
func (c *Conn) Tick() {
	c.SendEvent(protocol.EventTick, map[string]any{"ts": time.Now().UnixMilli()})
}

// Shutdown announces a restart window, which clients fold into their
// reconnect backoff.
func (c *Conn) Shutdown(restartIn time.Duration) {
	c.SendEvent(protocol.EventShutdown, map[string]any{
		"restartInMs": restartIn.Milliseconds(),
	})
}

// Received returns a copy of every frame read so far.
func (c *Conn) Received() []*protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Frame(nil), c.received...)
}

// Close drops the connection without a close handshake, as a crashed
// gateway would.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.ws.Close()
}

func (c *Conn) writeFrame(f *protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		c.srv.tb.Errorf("encode frame: %v", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	c.ws.WriteMessage(websocket.TextMessage, data)
}
