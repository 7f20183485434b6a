package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// MessageType identifies the payload kind of a WebSocket message.
type MessageType int

const (
	MessageText MessageType = iota + 1
	MessageBinary
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// ErrServerClosed is returned by Server.Accept after Close.
var ErrServerClosed = errors.New("relay: server closed")

// Conn is an established WebSocket connection provided by a transport.
// A normal closure from the peer is reported by Read as io.EOF.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, typ MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// ConnectionOptions is handed to the transport for a single dial.
type ConnectionOptions struct {
	// Header is sent with the WebSocket upgrade request.
	Header http.Header
	// Proxy selects an HTTP proxy for the dial. Nil means no proxy.
	Proxy func(*http.Request) (*url.URL, error)
}

// Dialer opens WebSocket connections.
type Dialer interface {
	Dial(ctx context.Context, address string, opts ConnectionOptions) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string, opts ConnectionOptions) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, address string, opts ConnectionOptions) (Conn, error) {
	return f(ctx, address, opts)
}

// Server is a listening relayed server.
type Server interface {
	// Accept returns the next accepted connection. It is only fed when no
	// ServerOptions.Handler is configured.
	Accept(ctx context.Context) (Conn, error)
	// Close stops listening and waits for in-flight handlers.
	Close() error
	// Done is closed once the server has stopped.
	Done() <-chan struct{}
	// Err returns the reason the server stopped, or nil while running.
	Err() error
}

// Transport is the capability a WebSocket library provides to this package.
type Transport interface {
	Dialer
	Listen(ctx context.Context, opts ServerOptions) (Server, error)
}

// ConnHandler is called for each accepted connection. The connection is
// closed after the handler returns.
type ConnHandler func(ctx context.Context, c Conn)

// AcceptRequest describes a sender waiting on the rendezvous address.
type AcceptRequest struct {
	Address        string            `json:"address"`
	ID             string            `json:"id"`
	ConnectHeaders map[string]string `json:"connectHeaders"`
	RemoteEndpoint *RemoteEndpoint   `json:"remoteEndpoint,omitempty"`
}

// RemoteEndpoint is the sender's network address as seen by the relay.
type RemoteEndpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// ServerOptions configures a relayed server.
type ServerOptions struct {
	Namespace string // relay FQDN, optionally host:port
	Path      string // hybrid connection name

	// TokenProvider mints listen tokens and renews them on the control
	// channel. When nil, Token is used for the lifetime of the server.
	TokenProvider TokenProvider
	Token         string

	// ID identifies this listener to the relay. Defaults to a random UUID.
	ID string

	Handler ConnHandler
	// Verify, when set, is consulted before each rendezvous. A non-nil
	// error rejects the sender with 403 and the error text.
	Verify func(req *AcceptRequest) error

	MaxConnections int // 0 = unlimited
	AcceptBacklog  int // Accept queue size when Handler is nil, default 16
	DialTimeout    time.Duration
	Proxy          func(*http.Request) (*url.URL, error)
	Logger         *slog.Logger

	// OnConnect is called when the control channel connects. Optional.
	OnConnect func()
	// OnDisconnect is called when the control channel disconnects. Optional.
	OnDisconnect func()
}

// sanitizeErr strips token query parameters from dial errors
// to avoid leaking credentials in log output.
func sanitizeErr(err error) error {
	s := err.Error()
	r := RedactToken(s)
	if r == s {
		return err
	}
	return errors.New(r)
}
