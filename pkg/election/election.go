// Package election ensures at most one client instance per gateway endpoint
// holds the live transport. Contenders race over a presence channel: each
// broadcasts a claim, an already-active leader answers with a heartbeat, and
// otherwise the lowest claim id wins. Losers stand by as followers and
// promote themselves when the leader falls silent or explicitly releases.
package election

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gatewaykit/pkg/presence"
)

// Role is the outcome of one election round.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

// String returns the string representation of the role.
func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// Defaults.
const (
	DefaultClaimWindow       = 300 * time.Millisecond
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultMissThreshold     = 3
	DefaultPromotionJitter   = 250 * time.Millisecond
)

// ErrClosed reports use of a closed elector.
var ErrClosed = errors.New("election: elector closed")

// Config tunes the election timing.
type Config struct {
	// ClaimWindow is how long a contender listens for competing claims and
	// leader heartbeats before deciding the round.
	ClaimWindow time.Duration

	// HeartbeatInterval is both the leader's announce period and the
	// follower's miss-counting period.
	HeartbeatInterval time.Duration

	// MissThreshold is the run of consecutive missed heartbeat intervals
	// after which a follower promotes itself.
	MissThreshold int

	// PromotionJitter is the maximum random delay before a promoting
	// follower re-campaigns, desynchronizing simultaneous promotions.
	PromotionJitter time.Duration

	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.ClaimWindow <= 0 {
		c.ClaimWindow = DefaultClaimWindow
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = DefaultMissThreshold
	}
	if c.PromotionJitter <= 0 {
		c.PromotionJitter = DefaultPromotionJitter
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Elector runs elections over a presence channel. A nil channel degrades to
// "always leader" so single-instance hosts need no broadcast medium.
type Elector struct {
	ch  presence.Channel
	cfg Config

	mu       sync.Mutex
	closed   bool
	leading  bool
	leaderID string
	stopBeat chan struct{}

	// Test seam: contender id source, regenerated each round.
	newID func() string
}

// New creates an elector on the given channel. ch may be nil.
func New(ch presence.Channel, cfg Config) *Elector {
	cfg.withDefaults()
	return &Elector{
		ch:    ch,
		cfg:   cfg,
		newID: uuid.NewString,
	}
}

// Leading reports whether this instance currently holds leadership.
func (e *Elector) Leading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leading
}

// Campaign blocks until this instance becomes leader or ctx is cancelled.
// A losing contender stays inside Campaign as a follower, watching leader
// heartbeats, and re-runs the election when the leader goes silent or
// releases. The caller must not open the transport until Campaign returns.
func (e *Elector) Campaign(ctx context.Context) error {
	if e.ch == nil {
		// No broadcast medium: single-instance host, always leader.
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return ErrClosed
		}
		e.leading = true
		return nil
	}

	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ErrClosed
		}
		e.mu.Unlock()

		won, err := e.campaignOnce(ctx)
		if err != nil {
			return err
		}
		if won {
			return nil
		}
		if err := e.standBy(ctx); err != nil {
			return err
		}
		// Promoted: desynchronize against sibling followers, then re-run.
		jitter := time.Duration(rand.Int63n(int64(e.cfg.PromotionJitter)))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// campaignOnce runs a single claim round. It returns true when this
// contender won and leader mode has started.
func (e *Elector) campaignOnce(ctx context.Context) (bool, error) {
	id := e.newID()

	var mu sync.Mutex
	claims := map[string]struct{}{id: {}}
	heartbeat := false

	cancel, err := e.ch.Subscribe(func(m presence.Msg) {
		mu.Lock()
		defer mu.Unlock()
		switch m.Kind {
		case presence.KindClaim:
			claims[m.ID] = struct{}{}
		case presence.KindHeartbeat:
			heartbeat = true
		}
	})
	if err != nil {
		return false, err
	}
	defer cancel()

	if err := e.ch.Publish(presence.Msg{Kind: presence.KindPing, ID: id}); err != nil {
		return false, err
	}
	if err := e.ch.Publish(presence.Msg{Kind: presence.KindClaim, ID: id}); err != nil {
		return false, err
	}

	select {
	case <-time.After(e.cfg.ClaimWindow):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	mu.Lock()
	sawLeader := heartbeat
	ids := make([]string, 0, len(claims))
	for c := range claims {
		ids = append(ids, c)
	}
	mu.Unlock()

	if sawLeader {
		e.cfg.Logger.Debug("active leader detected, following", "id", id)
		return false, nil
	}

	sort.Strings(ids)
	if ids[0] != id {
		e.cfg.Logger.Debug("lost claim round", "id", id, "winner", ids[0])
		return false, nil
	}

	e.becomeLeader(id)
	return true, nil
}

// becomeLeader starts heartbeating and answering probes.
func (e *Elector) becomeLeader(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leading = true
	e.leaderID = id
	e.stopBeat = make(chan struct{})
	stop := e.stopBeat

	// Answer pings and late claims so joiners detect us without waiting for
	// the periodic beat.
	cancel, err := e.ch.Subscribe(func(m presence.Msg) {
		if m.Kind == presence.KindPing || m.Kind == presence.KindClaim {
			_ = e.ch.Publish(presence.Msg{Kind: presence.KindHeartbeat, ID: id})
		}
	})
	if err != nil {
		cancel = func() {}
	}

	go func() {
		defer cancel()
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		_ = e.ch.Publish(presence.Msg{Kind: presence.KindHeartbeat, ID: id})
		for {
			select {
			case <-ticker.C:
				_ = e.ch.Publish(presence.Msg{Kind: presence.KindHeartbeat, ID: id})
			case <-stop:
				return
			}
		}
	}()

	e.cfg.Logger.Info("became gateway leader", "id", id)
}

// standBy watches leader heartbeats as a follower. It returns nil when the
// follower should promote itself, or ctx.Err on cancellation.
func (e *Elector) standBy(ctx context.Context) error {
	beat := make(chan struct{}, 1)
	released := make(chan struct{}, 1)

	cancel, err := e.ch.Subscribe(func(m presence.Msg) {
		switch m.Kind {
		case presence.KindHeartbeat:
			select {
			case beat <- struct{}{}:
			default:
			}
		case presence.KindRelease:
			select {
			case released <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer cancel()

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-beat:
			missed = 0
		case <-released:
			e.cfg.Logger.Info("leader released, promoting")
			return nil
		case <-ticker.C:
			missed++
			if missed >= e.cfg.MissThreshold {
				e.cfg.Logger.Info("leader silent, promoting", "missed", missed)
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release steps down from leadership, notifying followers best-effort so
// they can promote without waiting out the miss threshold.
func (e *Elector) Release() {
	e.mu.Lock()
	wasLeading := e.leading
	id := e.leaderID
	stop := e.stopBeat
	e.leading = false
	e.leaderID = ""
	e.stopBeat = nil
	e.mu.Unlock()

	if !wasLeading {
		return
	}
	if stop != nil {
		close(stop)
	}
	if e.ch != nil {
		_ = e.ch.Publish(presence.Msg{Kind: presence.KindRelease, ID: id})
	}
}

// Close releases leadership and closes the underlying channel.
func (e *Elector) Close() error {
	e.Release()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	if e.ch != nil {
		return e.ch.Close()
	}
	return nil
}
