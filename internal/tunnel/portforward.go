package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/philsphicas/hycows/internal/metrics"
	"github.com/philsphicas/hycows/relay"
)

// PortForwardConfig holds configuration for PortForward.
type PortForwardConfig struct {
	SenderConfig
	BindAddress string // local address:port to listen on
	// Listener, when set, is used instead of listening on BindAddress.
	Listener     net.Listener
	TCPKeepAlive time.Duration
}

// PortForward accepts local TCP connections and tunnels each one through
// its own relayed connection. It blocks until ctx is cancelled.
func PortForward(ctx context.Context, cfg PortForwardConfig) error {
	if err := cfg.setDefaults(); err != nil {
		return err
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = defaultTCPKeepAlive
	}

	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.BindAddress)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
		}
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	cfg.Logger.Info("port-forward listening", "bind", ln.Addr(), "path", cfg.Path)

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			cfg.Logger.Warn("accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close() //nolint:errcheck // best-effort cleanup
			if err := forwardLocal(ctx, conn, cfg); err != nil {
				cfg.Logger.Warn("forward failed", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

func forwardLocal(ctx context.Context, conn net.Conn, cfg PortForwardConfig) error {
	relay.SetTCPKeepAlive(conn, cfg.TCPKeepAlive)

	rc, err := cfg.dial(ctx)
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck // best-effort cleanup

	_, err = cfg.Metrics.TrackedBridge(ctx, rc, conn, metrics.RoleSender, cfg.Path)
	return err
}
