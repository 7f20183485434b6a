package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestConnect_AuthorizationHeader(t *testing.T) {
	t.Run("token sets header", func(t *testing.T) {
		a, _ := newConnPair()
		d := &fakeDialer{dialFn: func(context.Context, string) (Conn, error) { return a, nil }}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		c, err := Dial(ctx, d, "wss://ns:443/$hc/foo?sb-hc-action=connect", ConnectOptions{Token: "SharedAccessSignature sr=x"})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer c.Close()

		got := d.opts[0].Header.Get(AuthorizationHeader)
		if got != "SharedAccessSignature sr=x" {
			t.Errorf("%s = %q", AuthorizationHeader, got)
		}
		if d.addresses()[0] != "wss://ns:443/$hc/foo?sb-hc-action=connect" {
			t.Errorf("dialed %q", d.addresses()[0])
		}
	})

	t.Run("no token no header", func(t *testing.T) {
		a, _ := newConnPair()
		d := &fakeDialer{dialFn: func(context.Context, string) (Conn, error) { return a, nil }}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		c, err := Dial(ctx, d, "wss://ns/$hc/foo", ConnectOptions{})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer c.Close()

		if d.opts[0].Header != nil {
			t.Errorf("expected no header, got %v", d.opts[0].Header)
		}
	})

	t.Run("proxy forwarded", func(t *testing.T) {
		a, _ := newConnPair()
		d := &fakeDialer{dialFn: func(context.Context, string) (Conn, error) { return a, nil }}
		proxyURL, _ := url.Parse("http://proxy.local:3128")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		c, err := Dial(ctx, d, "wss://ns/$hc/foo", ConnectOptions{Proxy: http.ProxyURL(proxyURL)})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer c.Close()

		if d.opts[0].Proxy == nil {
			t.Fatal("proxy not forwarded")
		}
		got, _ := d.opts[0].Proxy(&http.Request{})
		if got.String() != proxyURL.String() {
			t.Errorf("proxy = %v, want %v", got, proxyURL)
		}
	})
}

func TestConnect_ReturnsBeforeHandshake(t *testing.T) {
	release := make(chan struct{})
	a, b := newConnPair()
	d := &fakeDialer{dialFn: func(context.Context, string) (Conn, error) {
		<-release
		return a, nil
	}}

	var opens atomic.Int32
	opened := make(chan *Connection, 1)
	c := Connect(context.Background(), d, "wss://ns/$hc/foo", ConnectOptions{
		OnOpen: func(c *Connection) {
			opens.Add(1)
			opened <- c
		},
		OnError: func(err error) { t.Errorf("unexpected OnError: %v", err) },
	})
	defer c.Close()

	select {
	case <-c.Ready():
		t.Fatal("Connect waited for the handshake")
	default:
	}

	close(release)
	select {
	case got := <-opened:
		if got != c {
			t.Error("OnOpen received a different handle")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnOpen not called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Write(ctx, MessageText, []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	typ, data, err := b.Read(ctx)
	if err != nil || typ != MessageText || string(data) != "hi" {
		t.Errorf("peer read = %v %q %v", typ, data, err)
	}
	if n := opens.Load(); n != 1 {
		t.Errorf("OnOpen called %d times, want 1", n)
	}
}

func TestConnect_DialError(t *testing.T) {
	d := &fakeDialer{dialFn: func(context.Context, string) (Conn, error) {
		return nil, errors.New("dial wss://ns/$hc/foo?sb-hc-token=SECRET: 401 Unauthorized")
	}}

	errc := make(chan error, 1)
	c := Connect(context.Background(), d, "wss://ns/$hc/foo", ConnectOptions{
		OnOpen:  func(*Connection) { t.Error("OnOpen called on failure") },
		OnError: func(err error) { errc <- err },
	})

	select {
	case err := <-errc:
		if strings.Contains(err.Error(), "SECRET") {
			t.Errorf("token leaked in error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnError not called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); err == nil {
		t.Error("Read on failed connection returned nil error")
	}
}

func TestConnect_CloseBeforeOpen(t *testing.T) {
	release := make(chan struct{})
	a, _ := newConnPair()
	d := &fakeDialer{dialFn: func(context.Context, string) (Conn, error) {
		<-release
		return a, nil
	}}

	c := Connect(context.Background(), d, "wss://ns/$hc/foo", ConnectOptions{
		OnOpen: func(*Connection) { t.Error("OnOpen called after Close") },
	})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Wait err = %v, want ErrConnectionClosed", err)
	}
	if !a.isClosed() {
		t.Error("late connection was not closed")
	}
}

func TestConnection_WaitHonorsContext(t *testing.T) {
	d := &fakeDialer{dialFn: func(ctx context.Context, _ string) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	dialCtx, stop := context.WithCancel(context.Background())
	defer stop()
	c := Connect(dialCtx, d, "wss://ns/$hc/foo", ConnectOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait err = %v, want deadline exceeded", err)
	}
	if c.Address() != "wss://ns/$hc/foo" {
		t.Errorf("Address = %q", c.Address())
	}
}
