package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// mockTokenCredential implements azcore.TokenCredential for testing.
type mockTokenCredential struct {
	token     string
	lifetime  time.Duration // one hour when zero
	lastScope string
	calls     int
}

func (m *mockTokenCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	m.calls++
	if len(opts.Scopes) > 0 {
		m.lastScope = opts.Scopes[0]
	}
	lifetime := m.lifetime
	if lifetime == 0 {
		lifetime = time.Hour
	}
	return azcore.AccessToken{
		Token:     m.token,
		ExpiresOn: time.Now().Add(lifetime),
	}, nil
}

// mockTokenProvider is a TokenProvider with a scripted result.
type mockTokenProvider struct {
	mu      sync.Mutex
	token   string
	err     error
	calls   int
	lastURI string
	tokenFn func(ctx context.Context, resourceURI string) (string, error)
}

func (m *mockTokenProvider) GetToken(ctx context.Context, resourceURI string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastURI = resourceURI
	if m.tokenFn != nil {
		return m.tokenFn(ctx, resourceURI)
	}
	return m.token, m.err
}

func (m *mockTokenProvider) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type pipeMsg struct {
	typ  MessageType
	data []byte
}

// pipeConn is one end of an in-memory Conn pair.
type pipeConn struct {
	in   chan pipeMsg
	out  chan pipeMsg
	done chan struct{} // closed by Close on this end
	peer *pipeConn

	closeOnce sync.Once
	pings     atomic.Int32
	pingErr   error
}

var errPipeClosed = errors.New("pipe closed")

func newConnPair() (*pipeConn, *pipeConn) {
	ab := make(chan pipeMsg, 64)
	ba := make(chan pipeMsg, 64)
	a := &pipeConn{in: ba, out: ab, done: make(chan struct{})}
	b := &pipeConn{in: ab, out: ba, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *pipeConn) Read(ctx context.Context) (MessageType, []byte, error) {
	select {
	case m := <-c.in:
		return m.typ, m.data, nil
	default:
	}
	select {
	case m := <-c.in:
		return m.typ, m.data, nil
	case <-c.done:
		return 0, nil, errPipeClosed
	case <-c.peer.done:
		return 0, nil, io.EOF
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *pipeConn) Write(ctx context.Context, typ MessageType, p []byte) error {
	buf := append([]byte(nil), p...)
	select {
	case <-c.done:
		return errPipeClosed
	case <-c.peer.done:
		return errPipeClosed
	default:
	}
	select {
	case c.out <- pipeMsg{typ: typ, data: buf}:
		return nil
	case <-c.done:
		return errPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Ping(context.Context) error {
	c.pings.Add(1)
	return c.pingErr
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// fakeDialer records dials and hands out connections from dialFn.
type fakeDialer struct {
	mu     sync.Mutex
	dials  []string
	opts   []ConnectionOptions
	dialFn func(ctx context.Context, address string) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, address string, opts ConnectionOptions) (Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, address)
	d.opts = append(d.opts, opts)
	fn := d.dialFn
	d.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no route")
	}
	return fn(ctx, address)
}

func (d *fakeDialer) addresses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
