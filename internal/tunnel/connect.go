package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/philsphicas/hycows/internal/metrics"
)

// ConnectConfig holds configuration for Connect.
type ConnectConfig struct {
	SenderConfig
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
}

// Connect opens one relayed connection and bridges it with Stdin and
// Stdout. It returns when either side closes.
func Connect(ctx context.Context, cfg ConnectConfig) error {
	if err := cfg.setDefaults(); err != nil {
		return err
	}
	rc, err := cfg.dial(ctx)
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck // best-effort cleanup

	cfg.Logger.Debug("connected", "path", cfg.Path)
	stdio := &stdioConn{in: cfg.Stdin, out: cfg.Stdout}
	_, err = cfg.Metrics.TrackedBridge(ctx, rc, stdio, metrics.RoleSender, cfg.Path)
	return err
}

// stdioConn adapts stdin/stdout to net.Conn for relay.Bridge.
//
// Read deadlines go to in when it supports them (pipes, sockets). Otherwise
// a deadline that has already passed closes in, which is how Bridge stops
// a pending stdin read once the relay side has finished. A terminal read
// blocked in the kernel may still not return until the next line.
type stdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

func (c *stdioConn) Read(b []byte) (int, error)       { return c.in.Read(b) }
func (c *stdioConn) Write(b []byte) (int, error)      { return c.out.Write(b) }
func (c *stdioConn) Close() error                     { return errors.Join(c.in.Close(), c.out.Close()) }
func (c *stdioConn) LocalAddr() net.Addr              { return stdioAddr{} }
func (c *stdioConn) RemoteAddr() net.Addr             { return stdioAddr{} }
func (c *stdioConn) SetDeadline(t time.Time) error    { return c.SetReadDeadline(t) }
func (c *stdioConn) SetWriteDeadline(time.Time) error { return nil }

func (c *stdioConn) SetReadDeadline(t time.Time) error {
	if d, ok := c.in.(readDeadliner); ok && d.SetReadDeadline(t) == nil {
		return nil
	}
	if !t.IsZero() && !t.After(time.Now()) {
		return c.in.Close()
	}
	return nil
}

type stdioAddr struct{}

func (stdioAddr) Network() string { return "stdio" }
func (stdioAddr) String() string  { return "stdio" }
