package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/hycows/internal/tunnel"
)

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect [hyco]",
		Short: "One-shot stdin/stdout connection through the relay",
		Long: `Open one relayed connection to the hybrid connection's listener and
bridge it with stdin/stdout. Exits when the connection closes.
Designed for use as an SSH ProxyCommand.

Example:
  ssh -o ProxyCommand="hycows connect --relay my-ns --hyco ssh" user@host`,
		Args: cobra.MaximumNArgs(1),
		RunE: runConnect,
	}

	addSenderFlags(cmd)
	return cmd
}

func portForwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port-forward [hyco]",
		Short: "Forward a local port through the relay",
		Long: `Listen on a local address and tunnel every accepted TCP connection
through its own relayed connection.

Example:
  hycows port-forward --relay my-ns --hyco ssh --bind 127.0.0.1:2222`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPortForward,
	}

	addSenderFlags(cmd)
	cmd.Flags().String("bind", "127.0.0.1:0", "local address:port to listen on")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
	return cmd
}

func addSenderFlags(cmd *cobra.Command) {
	addRelayFlags(cmd)
	cmd.Flags().Duration("dial-timeout", 30*time.Second, "total time to keep retrying the relay dial (0 = single attempt)")
	cmd.Flags().Bool("anonymous", false, "send no authorization, for hybrid connections without client authorization")
}

// senderConfig builds the shared sender settings for connect and port-forward.
func senderConfig(ctx context.Context, cmd *cobra.Command, args []string) (tunnel.SenderConfig, error) {
	cfg, err := loadConfig(cmd, os.LookupEnv)
	if err != nil {
		return tunnel.SenderConfig{}, err
	}
	ns, hyco, err := relayTarget(cfg, args)
	if err != nil {
		return tunnel.SenderConfig{}, err
	}
	logger := newLogger(cfg.LogLevel)

	sc := tunnel.SenderConfig{
		Namespace: ns,
		Path:      hyco,
		Logger:    logger,
	}
	sc.DialTimeout, _ = cmd.Flags().GetDuration("dial-timeout")
	if sc.Metrics, err = resolveMetrics(ctx, cmd, cfg, logger); err != nil {
		return tunnel.SenderConfig{}, err
	}
	if anonymous, _ := cmd.Flags().GetBool("anonymous"); !anonymous {
		if sc.TokenProvider, err = resolveTokenProvider(cfg, sc.Metrics); err != nil {
			return tunnel.SenderConfig{}, err
		}
	}
	if sc.Dialer, err = resolveTransport(cfg); err != nil {
		return tunnel.SenderConfig{}, err
	}
	if sc.Proxy, err = cfg.ProxyFunc(); err != nil {
		return tunnel.SenderConfig{}, err
	}
	return sc, nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sc, err := senderConfig(ctx, cmd, args)
	if err != nil {
		return err
	}
	return tunnel.Connect(ctx, tunnel.ConnectConfig{
		SenderConfig: sc,
		Stdin:        os.Stdin,
		Stdout:       os.Stdout,
	})
}

func runPortForward(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sc, err := senderConfig(ctx, cmd, args)
	if err != nil {
		return err
	}
	bind, _ := cmd.Flags().GetString("bind")
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")
	return tunnel.PortForward(ctx, tunnel.PortForwardConfig{
		SenderConfig: sc,
		BindAddress:  bind,
		TCPKeepAlive: tcpKeepAlive,
	})
}
