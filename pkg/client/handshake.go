package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gatewaykit/pkg/identity"
	"github.com/openclaw/gatewaykit/pkg/protocol"
)

// handshakeWaiter carries the challenge from the read loop to the connect
// attempt that is waiting for it.
type handshakeWaiter struct {
	challenge chan protocol.Challenge
	closed    chan struct{}
	once      sync.Once
}

func newHandshakeWaiter() *handshakeWaiter {
	return &handshakeWaiter{
		challenge: make(chan protocol.Challenge, 1),
		closed:    make(chan struct{}),
	}
}

// close wakes the waiter when the transport dies mid-handshake.
func (h *handshakeWaiter) close() {
	h.once.Do(func() { close(h.closed) })
}

// runHandshake drives one challenge → connect → hello-ok sequence on an
// already-open transport. One connect attempt equals one handshake.
func (c *Client) runHandshake(ctx context.Context, gen uint64, hs *handshakeWaiter, url string, lastSeq uint64) error {
	deadline := time.Now().Add(c.cfg.handshakeTimeout)
	hsCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Step 2: the server opens with a challenge event.
	var ch protocol.Challenge
	select {
	case ch = <-hs.challenge:
	case <-hs.closed:
		return fmt.Errorf("%w: connection closed during handshake", ErrTransport)
	case <-hsCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrHandshakeTimeout
	}
	c.sm.transition(StateChallenged)

	// Step 3: build the signed connect request.
	params, err := c.buildConnectParams(ch, url, lastSeq)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: encode connect params: %v", ErrHandshakeProtocol, err)
	}

	id := uuid.NewString()
	respCh := c.pending.add(id, protocol.MethodConnect, time.Until(deadline))
	if err := c.writeFrame(protocol.NewRequest(id, protocol.MethodConnect, raw)); err != nil {
		c.pending.remove(id)
		return fmt.Errorf("%w: send connect: %v", ErrTransport, err)
	}
	c.sm.transition(StateAuthenticating)

	// Step 4: hello-ok.
	var res pendingResult
	select {
	case res = <-respCh:
	case <-hs.closed:
		c.pending.remove(id)
		return fmt.Errorf("%w: connection closed during handshake", ErrTransport)
	case <-hsCtx.Done():
		c.pending.remove(id)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrHandshakeTimeout
	}
	if res.err != nil {
		if errors.Is(res.err, ErrRequestTimeout) {
			return ErrHandshakeTimeout
		}
		var werr *protocol.WireError
		if errors.As(res.err, &werr) {
			return fmt.Errorf("%w: %v", ErrHandshakeRejected, werr)
		}
		return res.err
	}

	hello, err := protocol.ParseHello(res.payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeProtocol, err)
	}

	c.finishHandshake(gen, hello, url)
	return nil
}

// buildConnectParams assembles the connect request, signing the challenge
// with the device identity when one is configured. A missing stored token is
// not an error; the client proceeds unauthenticated, eligible for pairing.
func (c *Client) buildConnectParams(ch protocol.Challenge, url string, lastSeq uint64) (*protocol.ConnectParams, error) {
	params := &protocol.ConnectParams{
		MinProtocol: protocol.MinProtocol,
		MaxProtocol: protocol.MaxProtocol,
		Client: protocol.ClientInfo{
			Name:     c.cfg.clientInfo.name,
			Version:  c.cfg.clientInfo.version,
			Platform: c.cfg.clientInfo.platform,
		},
		Role:    c.cfg.role,
		Scopes:  c.cfg.scopes,
		LastSeq: lastSeq,
	}

	if c.cfg.provider == nil {
		return params, nil
	}

	token := ""
	if c.cfg.keystore != nil {
		tok, err := c.cfg.keystore.Retrieve(c.cfg.provider.DeviceID(), url)
		switch {
		case err == nil:
			token = tok.Token
		case errors.Is(err, identity.ErrTokenNotFound):
			c.logger.Debug("no stored device token, connecting unauthenticated")
		default:
			c.logger.Warn("keystore retrieve failed, connecting unauthenticated", "error", err)
		}
	}

	signedAt := identity.Now()
	canonical := protocol.CanonicalChallenge(ch.Nonce, signedAt, c.cfg.role, c.cfg.scopes, token)
	dev, err := c.cfg.provider.Sign(ch.Nonce, signedAt, canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: sign challenge: %v", ErrHandshakeProtocol, err)
	}
	params.Device = dev
	params.AuthToken = token
	return params, nil
}

// finishHandshake installs the new server profile and flips to connected.
func (c *Client) finishHandshake(gen uint64, hello *protocol.Hello, url string) {
	profile := &ServerProfile{
		Protocol:   hello.Protocol,
		Server:     hello.Server,
		Features:   hello.Features,
		Policy:     hello.Policy,
		Snapshot:   hello.Snapshot,
		GatewayURL: url,
	}
	if hello.Auth != nil {
		profile.AuthToken = hello.Auth.DeviceToken
		c.persistToken(hello.Auth, url)
	}
	if hello.Snapshot != nil {
		c.bus.observeVersion(hello.Snapshot.StateVersion)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.profile = profile
	c.hs = nil
	c.lastErr = nil
	c.mu.Unlock()

	c.backoff.reset()

	tick := c.cfg.defaultTick
	if hello.Policy.TickIntervalMs > 0 {
		tick = time.Duration(hello.Policy.TickIntervalMs) * time.Millisecond
	}
	c.wd.start(tick)

	c.logger.Info("gateway handshake complete",
		"server", hello.Server.Version,
		"conn_id", hello.Server.ConnID,
		"protocol", hello.Protocol)
	c.sm.transition(StateConnected)
}

// persistToken writes the fresh device token back to the keystore.
// Persistence failure is logged, never fatal to the connect.
func (c *Client) persistToken(auth *protocol.Auth, url string) {
	if c.cfg.keystore == nil || c.cfg.provider == nil {
		return
	}
	tok := identity.StoredToken{
		Token:      auth.DeviceToken,
		DeviceID:   c.cfg.provider.DeviceID(),
		GatewayURL: url,
		Role:       auth.Role,
		Scopes:     auth.Scopes,
		IssuedAtMs: auth.IssuedAtMs,
		StoredAtMs: identity.Now(),
	}
	if err := c.cfg.keystore.Store(c.cfg.provider.DeviceID(), url, tok); err != nil {
		c.logger.Warn("failed to persist device token", "error", err)
	}
}
