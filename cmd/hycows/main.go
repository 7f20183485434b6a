package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"

	"github.com/philsphicas/hycows/internal/config"
	"github.com/philsphicas/hycows/internal/metrics"
	"github.com/philsphicas/hycows/relay"
	"github.com/philsphicas/hycows/relay/coderws"
	"github.com/philsphicas/hycows/relay/gorillaws"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "hycows",
		Short:        "Azure Relay Hybrid Connections toolkit",
		Long:         "Mint SAS tokens, build relay URIs and carry TCP streams over Azure Relay Hybrid Connections.",
		SilenceUsage: true,
	}

	// Global flags.
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "path to a YAML config file")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	pf.Int("metrics-max-targets", 500, "max unique target labels in metrics (0 = unlimited)")
	pf.String("transport", config.TransportCoder, "websocket transport (coder, gorilla)")
	pf.String("proxy", "", `HTTP proxy URL for relay connections, or "env" to use HTTPS_PROXY`)

	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(uriCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(portForwardCmd())
	rootCmd.AddCommand(provisionCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// addRelayFlags adds the namespace and hybrid connection flags to a command.
func addRelayFlags(cmd *cobra.Command) {
	cmd.Flags().String("relay", "", "Azure Relay namespace name, FQDN, or URI")
	cmd.Flags().String("namespace", "", "Azure Relay namespace name (alias for --relay)")
	_ = cmd.Flags().MarkHidden("namespace")
	cmd.Flags().String("hyco", "", "hybrid connection name")
	cmd.Flags().String("relay-suffix", "", "namespace suffix for sovereign clouds (default: .servicebus.windows.net)")
}

// loadConfig resolves settings for cmd. Precedence, highest first: flags,
// HYCO_* environment variables, the --config file, flag defaults.
func loadConfig(cmd *cobra.Command, lookup func(string) (string, bool)) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path, _ = lookup(config.EnvPrefix + "CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	flagString(cmd, "relay", &cfg.Relay)
	flagString(cmd, "namespace", &cfg.Relay)
	flagString(cmd, "relay-suffix", &cfg.RelaySuffix)
	flagString(cmd, "hyco", &cfg.Hyco)
	flagString(cmd, "transport", &cfg.Transport)
	flagString(cmd, "proxy", &cfg.Proxy)
	flagString(cmd, "log-level", &cfg.LogLevel)
	flagString(cmd, "metrics-addr", &cfg.MetricsAddr)
	flagString(cmd, "subscription", &cfg.SubscriptionID)
	flagString(cmd, "resource-group", &cfg.ResourceGroup)
	if f := cmd.Flags().Lookup("expiry"); f != nil && f.Changed {
		cfg.TokenExpiry, _ = cmd.Flags().GetDuration("expiry")
	}
	if f := cmd.Flags().Lookup("max-connections"); f != nil && f.Changed {
		cfg.MaxConnections, _ = cmd.Flags().GetInt("max-connections")
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cfg.Transport == "" {
		cfg.Transport = config.TransportCoder
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flagString copies a string flag into dst when it was set explicitly.
func flagString(cmd *cobra.Command, name string, dst *string) {
	f := cmd.Flags().Lookup(name)
	if f == nil || !f.Changed {
		return
	}
	*dst = f.Value.String()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveMetrics creates a Metrics instance and starts the HTTP server when
// a metrics address is configured. Returns nil if metrics are disabled.
// The provided context controls the server's lifetime.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (*metrics.Metrics, error) {
	if cfg.MetricsAddr == "" {
		return nil, nil
	}
	maxTargets, _ := cmd.Flags().GetInt("metrics-max-targets")
	if maxTargets < 0 {
		return nil, fmt.Errorf("--metrics-max-targets must be >= 0, got %d", maxTargets)
	}
	ln, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", cfg.MetricsAddr, err)
	}
	m := metrics.New()
	m.MaxTargets = maxTargets
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

func resolveTransport(cfg *config.Config) (relay.Transport, error) {
	switch cfg.Transport {
	case "", config.TransportCoder:
		return &coderws.Transport{}, nil
	case config.TransportGorilla:
		return &gorillaws.Transport{}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// resolveTokenProvider picks SAS auth when a key is configured and falls
// back to Entra ID (DefaultAzureCredential) otherwise.
func resolveTokenProvider(cfg *config.Config, m *metrics.Metrics) (relay.TokenProvider, error) {
	if cfg.HasSAS() {
		tp, err := cfg.SASProvider()
		if err != nil {
			return nil, err
		}
		return m.InstrumentTokenProvider(tp, "sas"), nil
	}
	entra, err := relay.NewEntraTokenProvider()
	if err != nil {
		return nil, fmt.Errorf("no SAS credentials found (%sKEY_NAME/%sKEY) and Entra auth failed: %w", config.EnvPrefix, config.EnvPrefix, err)
	}
	return m.InstrumentTokenProvider(entra, "entra"), nil
}

// relayTarget returns the namespace host and hybrid connection name. A
// positional argument names the hybrid connection when --hyco is unset.
func relayTarget(cfg *config.Config, args []string) (namespace, hyco string, err error) {
	if cfg.Hyco == "" && len(args) > 0 {
		cfg.Hyco = args[0]
	}
	if namespace, err = cfg.Namespace(); err != nil {
		return "", "", err
	}
	if hyco, err = cfg.HybridConnection(); err != nil {
		return "", "", err
	}
	return namespace, hyco, nil
}
