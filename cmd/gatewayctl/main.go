package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/openclaw/gatewaykit/pkg/client"
	"github.com/openclaw/gatewaykit/pkg/identity"
	"github.com/openclaw/gatewaykit/pkg/presence"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type globalFlags struct {
	url         string
	envFile     string
	role        string
	scopes      []string
	stateDir    string
	natsURL     string
	timeout     time.Duration
	logLevel    string
	metricsAddr string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Talk to an OpenClaw gateway over its websocket protocol",
		Long: `gatewayctl opens an authenticated gateway connection and exposes the
protocol from the command line: one-shot RPC calls, live event streaming,
and server introspection.

The device identity and issued tokens are kept under the state directory,
so a paired device stays paired across invocations. Configuration can come
from flags, the environment, or a .env file:

  GATEWAY_URL        websocket endpoint, e.g. ws://127.0.0.1:18789/ws
  GATEWAY_ROLE       requested role (default operator)
  GATEWAY_SCOPES     comma-separated scopes
  GATEWAY_STATE_DIR  identity and token storage directory
  GATEWAY_NATS_URL   presence channel for leader election (optional)`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return flags.resolve()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.url, "url", "", "Gateway websocket URL")
	pf.StringVar(&flags.envFile, "env-file", "", "Load environment from this file (default .env if present)")
	pf.StringVar(&flags.role, "role", "", "Role to request (default operator)")
	pf.StringSliceVar(&flags.scopes, "scope", nil, "Scope to request (repeatable)")
	pf.StringVar(&flags.stateDir, "state-dir", "", "Directory for device identity and tokens")
	pf.StringVar(&flags.natsURL, "nats", "", "NATS URL for the leader-election presence channel")
	pf.DurationVar(&flags.timeout, "timeout", 15*time.Second, "Per-request timeout")
	pf.StringVar(&flags.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(
		callCmd(flags),
		eventsCmd(flags),
		infoCmd(flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// resolve merges flags, the env file, and the environment, flags winning.
func (f *globalFlags) resolve() error {
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil {
			return fmt.Errorf("load %s: %w", f.envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		godotenv.Load()
	}

	if f.url == "" {
		f.url = os.Getenv("GATEWAY_URL")
	}
	if f.role == "" {
		f.role = os.Getenv("GATEWAY_ROLE")
	}
	if f.role == "" {
		f.role = "operator"
	}
	if len(f.scopes) == 0 {
		if s := os.Getenv("GATEWAY_SCOPES"); s != "" {
			f.scopes = strings.Split(s, ",")
		}
	}
	if f.stateDir == "" {
		f.stateDir = os.Getenv("GATEWAY_STATE_DIR")
	}
	if f.stateDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve state dir: %w", err)
		}
		f.stateDir = filepath.Join(dir, "gatewayctl")
	}
	if f.natsURL == "" {
		f.natsURL = os.Getenv("GATEWAY_NATS_URL")
	}

	if f.url == "" {
		return fmt.Errorf("no gateway URL: pass --url or set GATEWAY_URL")
	}
	return nil
}

func (f *globalFlags) logger() *slog.Logger {
	var level slog.Level
	switch f.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildClient assembles a client from the resolved flags. The returned
// cleanup closes the presence channel, if any.
func buildClient(f *globalFlags) (*client.Client, func(), error) {
	logger := f.logger()

	prov, err := loadDeviceIdentity(f.stateDir)
	if err != nil {
		return nil, nil, err
	}
	ks, err := identity.NewFileKeystore(f.stateDir)
	if err != nil {
		return nil, nil, err
	}

	opts := []client.Option{
		client.WithLogger(logger),
		client.WithRequestTimeout(f.timeout),
		client.WithClientInfo("gatewayctl", version, runtime.GOOS),
		client.WithRole(f.role),
		client.WithScopes(f.scopes...),
		client.WithIdentity(prov),
		client.WithKeystore(ks),
	}

	cleanup := func() {}
	if f.natsURL != "" {
		ch, err := presence.DialNATS(f.natsURL, f.url)
		if err != nil {
			return nil, nil, fmt.Errorf("presence channel: %w", err)
		}
		opts = append(opts, client.WithPresenceChannel(ch))
		cleanup = func() { ch.Close() }
	}

	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, client.WithMetricsRegistry(reg))
		go serveMetrics(f.metricsAddr, reg, logger)
	}

	return client.New(f.url, opts...), cleanup, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// deviceKeyFile is the persisted device identity: a stable id plus the
// ed25519 seed, created on first run.
type deviceKeyFile struct {
	DeviceID string `json:"deviceId"`
	Seed     string `json:"seed"`
}

func loadDeviceIdentity(dir string) (*identity.KeyProvider, error) {
	path := filepath.Join(dir, "device_key.json")

	data, err := os.ReadFile(path)
	if err == nil {
		var kf deviceKeyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		seed, err := base64.StdEncoding.DecodeString(kf.Seed)
		if err != nil {
			return nil, fmt.Errorf("decode device key seed: %w", err)
		}
		return identity.LoadKeyProvider(kf.DeviceID, seed)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	prov, err := identity.NewKeyProvider()
	if err != nil {
		return nil, err
	}
	kf := deviceKeyFile{
		DeviceID: prov.DeviceID(),
		Seed:     base64.StdEncoding.EncodeToString(prov.Seed()),
	}
	out, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("persist device key: %w", err)
	}
	return prov, nil
}
