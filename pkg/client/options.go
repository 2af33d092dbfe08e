package client

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openclaw/gatewaykit/pkg/election"
	"github.com/openclaw/gatewaykit/pkg/identity"
	"github.com/openclaw/gatewaykit/pkg/presence"
)

// Defaults.
const (
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultRequestTimeout      = 15 * time.Second
	DefaultTickInterval        = 10 * time.Second
	DefaultRateCapacity        = 10
	DefaultRatePerSecond       = 5.0
	DefaultIdempotencyTTL      = 5 * time.Minute
	DefaultIdempotencyCapacity = 512
	DefaultReconnectMin        = time.Second
	DefaultReconnectMax        = 30 * time.Second
	DefaultReconnectAttempts   = 10
)

// sideEffecting lists the methods that get an auto-generated idempotency key
// when the caller supplies none. Read-only methods never carry a key.
var sideEffecting = map[string]bool{
	"chat.send":         true,
	"cron.add":          true,
	"cron.update":       true,
	"cron.remove":       true,
	"cron.run":          true,
	"approvals.resolve": true,
	"config.patch":      true,
	"sessions.delete":   true,
}

type config struct {
	logger            *slog.Logger
	handshakeTimeout  time.Duration
	requestTimeout    time.Duration
	defaultTick       time.Duration
	rateCapacity      int
	ratePerSecond     float64
	idemTTL           time.Duration
	idemCapacity      int
	reconnectMin      time.Duration
	reconnectMaxDelay time.Duration
	reconnectAttempts int
	clientInfo        clientInfo
	role              string
	scopes            []string
	provider          identity.Provider
	keystore          identity.Keystore
	channel           presence.Channel
	electionCfg       election.Config
	registry          prometheus.Registerer
}

type clientInfo struct {
	name     string
	version  string
	platform string
}

func defaultConfig() config {
	return config{
		logger:            slog.Default(),
		handshakeTimeout:  DefaultHandshakeTimeout,
		requestTimeout:    DefaultRequestTimeout,
		defaultTick:       DefaultTickInterval,
		rateCapacity:      DefaultRateCapacity,
		ratePerSecond:     DefaultRatePerSecond,
		idemTTL:           DefaultIdempotencyTTL,
		idemCapacity:      DefaultIdempotencyCapacity,
		reconnectMin:      DefaultReconnectMin,
		reconnectMaxDelay: DefaultReconnectMax,
		reconnectAttempts: DefaultReconnectAttempts,
		clientInfo:        clientInfo{name: "gatewaykit", version: "dev"},
		role:              "operator",
	}
}

// Option configures a Client.
type Option func(*config)

// WithLogger sets the structured logger. Component loggers are derived from
// it.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHandshakeTimeout bounds the whole challenge → hello-ok sequence.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithRequestTimeout sets the default per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithRateLimit sets the token bucket's burst capacity and steady refill
// rate in tokens per second.
func WithRateLimit(capacity int, perSecond float64) Option {
	return func(c *config) {
		if capacity > 0 {
			c.rateCapacity = capacity
		}
		if perSecond > 0 {
			c.ratePerSecond = perSecond
		}
	}
}

// WithIdempotencyCache sets the TTL and capacity of the idempotency key
// cache.
func WithIdempotencyCache(ttl time.Duration, capacity int) Option {
	return func(c *config) {
		if ttl > 0 {
			c.idemTTL = ttl
		}
		if capacity > 0 {
			c.idemCapacity = capacity
		}
	}
}

// WithReconnect configures the backoff window and attempt budget for
// automatic reconnection.
func WithReconnect(maxAttempts int, minDelay, maxDelay time.Duration) Option {
	return func(c *config) {
		if maxAttempts > 0 {
			c.reconnectAttempts = maxAttempts
		}
		if minDelay > 0 {
			c.reconnectMin = minDelay
		}
		if maxDelay >= minDelay && maxDelay > 0 {
			c.reconnectMaxDelay = maxDelay
		}
	}
}

// WithDefaultTickInterval sets the liveness tick interval assumed before the
// server advertises one.
func WithDefaultTickInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.defaultTick = d
		}
	}
}

// WithClientInfo identifies this client build in the handshake.
func WithClientInfo(name, version, platform string) Option {
	return func(c *config) {
		c.clientInfo = clientInfo{name: name, version: version, platform: platform}
	}
}

// WithRole sets the role requested during the handshake.
func WithRole(role string) Option {
	return func(c *config) {
		if role != "" {
			c.role = role
		}
	}
}

// WithScopes sets the scopes requested during the handshake.
func WithScopes(scopes ...string) Option {
	return func(c *config) {
		c.scopes = scopes
	}
}

// WithIdentity sets the device identity provider used to answer handshake
// challenges. Without one the client connects anonymously.
func WithIdentity(p identity.Provider) Option {
	return func(c *config) {
		c.provider = p
	}
}

// WithKeystore sets the device-token keystore consulted and updated during
// the handshake. Keystore failures are never fatal to a connect.
func WithKeystore(ks identity.Keystore) Option {
	return func(c *config) {
		c.keystore = ks
	}
}

// WithPresenceChannel enables leader election over the given channel. Nil
// (the default) degrades to always-leader for single-instance hosts.
func WithPresenceChannel(ch presence.Channel) Option {
	return func(c *config) {
		c.channel = ch
	}
}

// WithElectionConfig tunes leader election timing.
func WithElectionConfig(cfg election.Config) Option {
	return func(c *config) {
		c.electionCfg = cfg
	}
}

// WithMetricsRegistry registers the client's Prometheus collectors on reg.
// Without this option metrics are still collected on a private registry.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.registry = reg
	}
}

// RequestOption configures a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout        time.Duration
	idempotencyKey string
}

// WithTimeout overrides the default timeout for one request.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithIdempotencyKey supplies an explicit idempotency key. Reusing a key
// within the cache TTL rejects the duplicate locally before any network I/O.
func WithIdempotencyKey(key string) RequestOption {
	return func(o *requestOptions) {
		o.idempotencyKey = key
	}
}
