// Package coderws provides a relay.Transport backed by github.com/coder/websocket.
package coderws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/philsphicas/hycows/relay"
)

// DefaultReadLimit is the largest message a connection accepts.
const DefaultReadLimit = 1 << 20

// Transport dials relay WebSockets with coder/websocket.
// The zero value is ready to use.
type Transport struct {
	// HTTPClient performs the upgrade request. http.DefaultClient when nil.
	HTTPClient *http.Client
	// ReadLimit caps message size. DefaultReadLimit when zero.
	ReadLimit int64
}

var _ relay.Transport = (*Transport)(nil)

// Dial implements relay.Dialer.
func (t *Transport) Dial(ctx context.Context, address string, opts relay.ConnectionOptions) (relay.Conn, error) {
	ws, resp, err := websocket.Dial(ctx, address, &websocket.DialOptions{
		HTTPClient: t.client(opts.Proxy),
		HTTPHeader: opts.Header,
	})
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
	return &Conn{ws: ws}, nil
}

// Listen implements relay.Transport.
func (t *Transport) Listen(ctx context.Context, opts relay.ServerOptions) (relay.Server, error) {
	s, err := relay.Listen(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t *Transport) client(proxy func(*http.Request) (*url.URL, error)) *http.Client {
	base := t.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	if proxy == nil {
		return base
	}
	var tr *http.Transport
	switch rt := base.Transport.(type) {
	case nil:
		tr = http.DefaultTransport.(*http.Transport).Clone()
	case *http.Transport:
		tr = rt.Clone()
	default:
		// Custom round trippers keep their own proxy settings.
		return base
	}
	tr.Proxy = proxy
	c := *base
	c.Transport = tr
	return &c
}

// Conn adapts *websocket.Conn to relay.Conn.
type Conn struct {
	ws *websocket.Conn
}

// Unwrap returns the underlying connection.
func (c *Conn) Unwrap() *websocket.Conn { return c.ws }

func (c *Conn) Read(ctx context.Context) (relay.MessageType, []byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return 0, nil, translateErr(err)
	}
	return fromMessageType(typ), data, nil
}

func (c *Conn) Write(ctx context.Context, typ relay.MessageType, p []byte) error {
	return c.ws.Write(ctx, toMessageType(typ), p)
}

// Ping needs a concurrent Read to observe the pong.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *Conn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	if err != nil && !isClosed(err) {
		return err
	}
	return nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if isClosed(err) {
		return io.EOF
	}
	return err
}

func isClosed(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func toMessageType(t relay.MessageType) websocket.MessageType {
	if t == relay.MessageText {
		return websocket.MessageText
	}
	return websocket.MessageBinary
}

func fromMessageType(t websocket.MessageType) relay.MessageType {
	if t == websocket.MessageText {
		return relay.MessageText
	}
	return relay.MessageBinary
}
