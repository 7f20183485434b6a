package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
)

// ErrConnectionClosed is returned by a Connection closed before its
// handshake finished.
var ErrConnectionClosed = errors.New("relay: connection closed")

// AuthorizationHeader carries the SAS token on relay WebSocket upgrades.
const AuthorizationHeader = "ServiceBusAuthorization"

// ConnectOptions configures Connect.
type ConnectOptions struct {
	// Token is sent in the ServiceBusAuthorization header when non-empty.
	Token string
	// Proxy routes the dial through an HTTP proxy.
	Proxy func(*http.Request) (*url.URL, error)
	// OnOpen runs once after the handshake succeeds.
	OnOpen func(c *Connection)
	// OnError runs once if the handshake fails.
	OnError func(err error)
}

// Connection is a relayed connection whose handshake may still be in
// flight. Read, Write and Ping block until the handshake finishes.
type Connection struct {
	address string
	ready   chan struct{}

	mu     sync.Mutex
	conn   Conn
	err    error
	closed bool
}

// Connect starts dialing address through d and returns immediately. The
// handshake runs in the background; opts.OnOpen or opts.OnError report
// the outcome.
func Connect(ctx context.Context, d Dialer, address string, opts ConnectOptions) *Connection {
	c := &Connection{
		address: address,
		ready:   make(chan struct{}),
	}
	copts := connectionOptions(opts)
	go func() {
		conn, err := d.Dial(ctx, address, copts)
		if err != nil {
			err = sanitizeErr(err)
		}
		c.mu.Lock()
		if c.closed {
			if conn != nil {
				_ = conn.Close()
			}
			conn, err = nil, ErrConnectionClosed
		}
		c.conn, c.err = conn, err
		close(c.ready)
		c.mu.Unlock()
		if err != nil {
			if opts.OnError != nil {
				opts.OnError(err)
			}
			return
		}
		if opts.OnOpen != nil {
			opts.OnOpen(c)
		}
	}()
	return c
}

// Dial is the blocking form of Connect.
func Dial(ctx context.Context, d Dialer, address string, opts ConnectOptions) (Conn, error) {
	c := Connect(ctx, d, address, opts)
	if _, err := c.Wait(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func connectionOptions(opts ConnectOptions) ConnectionOptions {
	var co ConnectionOptions
	if opts.Token != "" {
		co.Header = http.Header{}
		co.Header.Set(AuthorizationHeader, opts.Token)
	}
	co.Proxy = opts.Proxy
	return co
}

// Address returns the address being dialed.
func (c *Connection) Address() string { return c.address }

// Ready is closed once the handshake has finished, successfully or not.
func (c *Connection) Ready() <-chan struct{} { return c.ready }

// Wait blocks until the handshake finishes and returns the underlying
// transport connection.
func (c *Connection) Wait(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ready:
		return c.conn, c.err
	}
}

// Read implements Conn.
func (c *Connection) Read(ctx context.Context) (MessageType, []byte, error) {
	conn, err := c.Wait(ctx)
	if err != nil {
		return 0, nil, err
	}
	return conn.Read(ctx)
}

// Write implements Conn.
func (c *Connection) Write(ctx context.Context, typ MessageType, p []byte) error {
	conn, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	return conn.Write(ctx, typ, p)
}

// Ping implements Conn.
func (c *Connection) Ping(ctx context.Context) error {
	conn, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	return conn.Ping(ctx)
}

// Close closes the connection. Closing before the handshake finishes
// discards the connection once it opens.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
