// Package gorillaws provides a relay.Transport backed by github.com/gorilla/websocket.
package gorillaws

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/philsphicas/hycows/relay"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	closeGracePeriod        = time.Second

	// DefaultReadLimit is the largest message a connection accepts.
	DefaultReadLimit = 1 << 20
)

// Transport dials relay WebSockets with gorilla/websocket.
// The zero value is ready to use.
type Transport struct {
	TLSClientConfig  *tls.Config
	HandshakeTimeout time.Duration // 30s when zero
	ReadLimit        int64         // DefaultReadLimit when zero
}

var _ relay.Transport = (*Transport)(nil)

// Dial implements relay.Dialer.
func (t *Transport) Dial(ctx context.Context, address string, opts relay.ConnectionOptions) (relay.Conn, error) {
	d := websocket.Dialer{
		Proxy:            opts.Proxy,
		TLSClientConfig:  t.TLSClientConfig,
		HandshakeTimeout: t.HandshakeTimeout,
	}
	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = defaultHandshakeTimeout
	}
	ws, resp, err := d.DialContext(ctx, address, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := t.ReadLimit
	if limit == 0 {
		limit = DefaultReadLimit
	}
	ws.SetReadLimit(limit)
	return newConn(ws), nil
}

// Listen implements relay.Transport.
func (t *Transport) Listen(ctx context.Context, opts relay.ServerOptions) (relay.Server, error) {
	s, err := relay.Listen(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Conn adapts *websocket.Conn to relay.Conn. gorilla allows one reader and
// one writer at a time; Conn serializes writers.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	pongs   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, pongs: make(chan struct{}, 1)}
	ws.SetPongHandler(func(string) error {
		select {
		case c.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	return c
}

// Unwrap returns the underlying connection.
func (c *Conn) Unwrap() *websocket.Conn { return c.ws }

func (c *Conn) Read(ctx context.Context) (relay.MessageType, []byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	if typ == websocket.TextMessage {
		return relay.MessageText, data, nil
	}
	return relay.MessageBinary, data, nil
}

func (c *Conn) Write(ctx context.Context, typ relay.MessageType, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.ws.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetWriteDeadline(time.Now())
	})
	defer stop()

	wt := websocket.BinaryMessage
	if typ == relay.MessageText {
		wt = websocket.TextMessage
	}
	if err := c.ws.WriteMessage(wt, p); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Ping sends a ping and waits for the pong. It needs a concurrent Read to
// process the reply.
func (c *Conn) Ping(ctx context.Context) error {
	select {
	case <-c.pongs:
	default:
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHandshakeTimeout)
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	select {
	case <-c.pongs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a normal closure frame and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
