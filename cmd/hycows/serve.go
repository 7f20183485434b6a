package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/hycows/internal/tunnel"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [hyco]",
		Short: "Listen on a hybrid connection and forward connections to a TCP target",
		Long: `Open the hybrid connection's control channel and forward every
relayed connection to --target. Optionally restrict which sender
addresses are accepted with --allow.

Example:
  hycows serve --relay my-ns --hyco ssh --target 127.0.0.1:22`,
		Args: cobra.MaximumNArgs(1),
		RunE: runServe,
	}

	addRelayFlags(cmd)
	cmd.Flags().String("target", "", "host:port every relayed connection is forwarded to")
	_ = cmd.MarkFlagRequired("target")
	cmd.Flags().StringSlice("allow", nil, "allowed sender addresses (IP, CIDR, or *)")
	cmd.Flags().Int("max-connections", 0, "max concurrent handshakes (0 = unlimited)")
	cmd.Flags().Duration("connect-timeout", 30*time.Second, "timeout for dialing the target")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, os.LookupEnv)
	if err != nil {
		return err
	}
	ns, hyco, err := relayTarget(cfg, args)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, cfg, logger)
	if err != nil {
		return err
	}
	tp, err := resolveTokenProvider(cfg, m)
	if err != nil {
		return err
	}
	tr, err := resolveTransport(cfg)
	if err != nil {
		return err
	}
	proxy, err := cfg.ProxyFunc()
	if err != nil {
		return err
	}

	target, _ := cmd.Flags().GetString("target")
	allow, _ := cmd.Flags().GetStringSlice("allow")
	connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")

	return tunnel.Serve(ctx, tunnel.ServeConfig{
		Namespace:      ns,
		Path:           hyco,
		TokenProvider:  tp,
		Transport:      tr,
		Proxy:          proxy,
		Target:         target,
		AllowList:      allow,
		MaxConnections: cfg.MaxConnections,
		ConnectTimeout: connectTimeout,
		TCPKeepAlive:   tcpKeepAlive,
		Logger:         logger,
		Metrics:        m,
	})
}
