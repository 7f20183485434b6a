// Package tunnel carries TCP streams over hybrid connections: Serve
// forwards relayed connections to a fixed TCP target, while Connect and
// PortForward open relayed connections for local stdio or sockets.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/philsphicas/hycows/internal/metrics"
	"github.com/philsphicas/hycows/relay"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultTCPKeepAlive   = 30 * time.Second
)

// ServeConfig holds configuration for Serve.
type ServeConfig struct {
	Namespace     string
	Path          string
	TokenProvider relay.TokenProvider
	Transport     relay.Transport
	Proxy         func(*http.Request) (*url.URL, error)

	Target         string   // host:port every relayed connection is forwarded to
	AllowList      []string // sender IPs or CIDRs; empty allows all
	MaxConnections int
	ConnectTimeout time.Duration
	TCPKeepAlive   time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional
}

// Serve listens on the hybrid connection and forwards every accepted
// connection to cfg.Target. It blocks until ctx is cancelled.
func Serve(ctx context.Context, cfg ServeConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = defaultTCPKeepAlive
	}
	if cfg.Transport == nil {
		return fmt.Errorf("transport is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Target); err != nil {
		return fmt.Errorf("invalid target %q: %w", cfg.Target, err)
	}
	allow, err := parseAllowList(cfg.AllowList)
	if err != nil {
		return err
	}
	if len(allow) == 0 {
		cfg.Logger.Warn("no sender allowlist configured, all senders will be accepted")
	}

	opts := relay.ServerOptions{
		Namespace:      cfg.Namespace,
		Path:           cfg.Path,
		TokenProvider:  cfg.TokenProvider,
		MaxConnections: cfg.MaxConnections,
		Proxy:          cfg.Proxy,
		Logger:         cfg.Logger,
		OnConnect:      func() { cfg.Metrics.SetControlChannelConnected(true) },
		OnDisconnect:   func() { cfg.Metrics.SetControlChannelConnected(false) },
	}
	if len(allow) > 0 {
		opts.Verify = func(req *relay.AcceptRequest) error {
			if err := checkSender(req, allow); err != nil {
				cfg.Metrics.ConnectionError(metrics.RoleListener, metrics.ReasonRejected)
				return err
			}
			return nil
		}
	}

	tr := instrument(cfg.Transport, cfg.Metrics, metrics.RoleListener)
	srv, err := relay.CreateRelayedServer(ctx, tr, opts, func(ctx context.Context, rc relay.Conn) {
		forward(ctx, rc, cfg)
	})
	if err != nil {
		return err
	}
	cfg.Logger.Info("serving hybrid connection", "path", cfg.Path, "target", cfg.Target)

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return nil
	case <-srv.Done():
		return srv.Err()
	}
}

func forward(ctx context.Context, rc relay.Conn, cfg ServeConfig) {
	logger := cfg.Logger.With("target", cfg.Target)

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", cfg.Target)
	if err != nil {
		logger.Warn("dial target failed", "error", err)
		cfg.Metrics.ConnectionError(metrics.RoleListener, metrics.DialReason(err, metrics.ReasonDialFailed))
		return
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	relay.SetTCPKeepAlive(conn, cfg.TCPKeepAlive)

	logger.Debug("forwarding connection")
	if _, err := cfg.Metrics.TrackedBridge(ctx, rc, conn, metrics.RoleListener, cfg.Target); err != nil {
		logger.Debug("bridge ended", "error", err)
	}
}

// instrumentedTransport runs relayed servers over an instrumented dialer.
type instrumentedTransport struct {
	relay.Dialer
}

func (t instrumentedTransport) Listen(ctx context.Context, opts relay.ServerOptions) (relay.Server, error) {
	s, err := relay.Listen(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func instrument(tr relay.Transport, m *metrics.Metrics, role string) relay.Transport {
	if m == nil {
		return tr
	}
	return instrumentedTransport{Dialer: m.InstrumentDialer(tr, role)}
}
