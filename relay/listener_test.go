package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// relayHarness plays the relay service: control channel dials surface on
// controls, rendezvous dials surface on senders.
type relayHarness struct {
	d        *fakeDialer
	controls chan *pipeConn
	senders  chan *pipeConn
}

func newRelayHarness() *relayHarness {
	h := &relayHarness{
		controls: make(chan *pipeConn, 8),
		senders:  make(chan *pipeConn, 8),
	}
	h.d = &fakeDialer{dialFn: func(_ context.Context, addr string) (Conn, error) {
		a, b := newConnPair()
		if strings.Contains(addr, "sb-hc-action=listen") {
			h.controls <- b
		} else {
			h.senders <- b
		}
		return a, nil
	}}
	return h
}

func (h *relayHarness) nextControl(t *testing.T) *pipeConn {
	t.Helper()
	select {
	case c := <-h.controls:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("control channel not dialed")
		return nil
	}
}

func (h *relayHarness) nextSender(t *testing.T) *pipeConn {
	t.Helper()
	select {
	case c := <-h.senders:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("rendezvous not dialed")
		return nil
	}
}

func sendAccept(t *testing.T, ctrl *pipeConn, address, id string) {
	t.Helper()
	msg := map[string]any{
		"accept": map[string]any{
			"address":        address,
			"id":             id,
			"connectHeaders": map[string]string{"Host": "ns.servicebus.windows.net"},
		},
	}
	data, _ := json.Marshal(msg)
	if err := ctrl.Write(context.Background(), MessageText, data); err != nil {
		t.Fatalf("write accept: %v", err)
	}
}

func testServerOptions() ServerOptions {
	return ServerOptions{
		Namespace: "ns.servicebus.windows.net",
		Path:      "myhc",
		Token:     "SharedAccessSignature sr=x",
		ID:        "listener-1",
		Logger:    discardLogger(),
	}
}

func TestNewHybridConnectionServer_Validation(t *testing.T) {
	d := &fakeDialer{}
	tests := []struct {
		name string
		d    Dialer
		mut  func(*ServerOptions)
		want string
	}{
		{"nil dialer", nil, func(*ServerOptions) {}, "dialer is required"},
		{"no namespace", d, func(o *ServerOptions) { o.Namespace = "" }, "namespace is required"},
		{"no path", d, func(o *ServerOptions) { o.Path = "" }, "path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testServerOptions()
			tt.mut(&opts)
			_, err := NewHybridConnectionServer(tt.d, opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}

	t.Run("defaults", func(t *testing.T) {
		opts := testServerOptions()
		opts.ID = ""
		s, err := NewHybridConnectionServer(d, opts)
		if err != nil {
			t.Fatal(err)
		}
		if s.ID() == "" {
			t.Error("listener id not generated")
		}
		if s.opts.DialTimeout != defaultDialTimeout {
			t.Errorf("DialTimeout = %v", s.opts.DialTimeout)
		}
		if cap(s.accept) != defaultAcceptBacklog {
			t.Errorf("accept backlog = %d", cap(s.accept))
		}
	})
}

func TestHybridConnectionServer_ListenURI(t *testing.T) {
	h := newRelayHarness()
	tp := &mockTokenProvider{token: "SharedAccessSignature sr=abc&sig=d"}
	opts := testServerOptions()
	opts.TokenProvider = tp

	s, err := Listen(context.Background(), h.d, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	h.nextControl(t)
	addr := h.d.addresses()[0]
	u, err := url.Parse(addr)
	if err != nil {
		t.Fatalf("parse %q: %v", addr, err)
	}
	if u.Scheme != "wss" || u.Host != "ns.servicebus.windows.net:443" || u.Path != "/$hc/myhc" {
		t.Errorf("unexpected listen address %q", addr)
	}
	q := u.Query()
	if q.Get(ParamAction) != ActionListen {
		t.Errorf("action = %q", q.Get(ParamAction))
	}
	if q.Get(ParamToken) != tp.token {
		t.Errorf("token = %q", q.Get(ParamToken))
	}
	if q.Get(ParamID) != "listener-1" {
		t.Errorf("id = %q", q.Get(ParamID))
	}
	if tp.lastURI != "wss://ns.servicebus.windows.net:443/$hc/myhc" {
		t.Errorf("token requested for %q", tp.lastURI)
	}
}

func TestHybridConnectionServer_Handler(t *testing.T) {
	h := newRelayHarness()
	opts := testServerOptions()
	var connected atomic.Int32
	opts.OnConnect = func() { connected.Add(1) }
	opts.Handler = func(ctx context.Context, c Conn) {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		_ = c.Write(ctx, typ, append([]byte("echo:"), data...))
	}

	s, err := Listen(context.Background(), h.d, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctrl := h.nextControl(t)
	sendAccept(t, ctrl, "wss://g0.servicebus.windows.net/$hc/myhc?sb-hc-action=accept&sb-hc-id=c1", "c1")

	sender := h.nextSender(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sender.Write(ctx, MessageBinary, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	typ, data, err := sender.Read(ctx)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if typ != MessageBinary || string(data) != "echo:ping" {
		t.Errorf("got %v %q", typ, data)
	}
	if connected.Load() != 1 {
		t.Errorf("OnConnect called %d times", connected.Load())
	}

	// The handler returned, so the rendezvous connection is closed.
	if _, _, err := sender.Read(ctx); err == nil {
		t.Error("expected rendezvous to close after handler returned")
	}

	if got := h.d.addresses()[1]; !strings.HasPrefix(got, "wss://g0.servicebus.windows.net/$hc/myhc?sb-hc-action=accept") {
		t.Errorf("rendezvous dialed %q", got)
	}
	if h.d.opts[1].Header != nil {
		t.Error("rendezvous dial should not carry an authorization header")
	}
}

func TestHybridConnectionServer_Accept(t *testing.T) {
	h := newRelayHarness()
	s, err := Listen(context.Background(), h.d, testServerOptions())
	if err != nil {
		t.Fatal(err)
	}

	ctrl := h.nextControl(t)
	sendAccept(t, ctrl, "wss://g0/$hc/myhc?sb-hc-action=accept&sb-hc-id=c1", "c1")
	sender := h.nextSender(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := s.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := sender.Write(ctx, MessageText, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil || string(data) != "hello" {
		t.Errorf("read = %q, %v", data, err)
	}
	_ = conn.Close()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Accept(ctx); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Accept after Close = %v, want ErrServerClosed", err)
	}
	if !errors.Is(s.Err(), ErrServerClosed) {
		t.Errorf("Err = %v", s.Err())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after Close")
	}
}

func TestHybridConnectionServer_Verify(t *testing.T) {
	h := newRelayHarness()
	opts := testServerOptions()
	opts.Verify = func(req *AcceptRequest) error {
		if req.ConnectHeaders["Host"] == "" {
			return errors.New("missing host")
		}
		if req.ID == "bad" {
			return errors.New("not welcome")
		}
		return nil
	}
	opts.Handler = func(ctx context.Context, c Conn) {
		t.Error("handler called for rejected connection")
	}

	s, err := Listen(context.Background(), h.d, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctrl := h.nextControl(t)
	sendAccept(t, ctrl, "wss://g0/$hc/myhc?sb-hc-action=accept&sb-hc-id=bad", "bad")
	sender := h.nextSender(t)

	addr := h.d.addresses()[1]
	u, err := url.Parse(addr)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get(ParamStatusCode) != "403" {
		t.Errorf("status code param missing from %q", addr)
	}
	if u.Query().Get(ParamStatusDescription) != "not welcome" {
		t.Errorf("status description = %q", u.Query().Get(ParamStatusDescription))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := sender.Read(ctx); err == nil {
		t.Error("reject connection should be closed")
	}
}

func TestHybridConnectionServer_IgnoresUnknownMessages(t *testing.T) {
	h := newRelayHarness()
	s, err := Listen(context.Background(), h.d, testServerOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctrl := h.nextControl(t)
	ctx := context.Background()
	for _, m := range []string{`not json`, `{}`, `{"request":{"address":"wss://x"}}`, `{"accept":{"id":"no-address"}}`} {
		if err := ctrl.Write(ctx, MessageText, []byte(m)); err != nil {
			t.Fatal(err)
		}
	}
	sendAccept(t, ctrl, "wss://g0/$hc/myhc?sb-hc-id=ok", "ok")
	h.nextSender(t)

	if n := len(h.d.addresses()); n != 2 {
		t.Errorf("dials = %d, want 2 (control + one rendezvous)", n)
	}
}

func TestHybridConnectionServer_Reconnect(t *testing.T) {
	h := newRelayHarness()
	opts := testServerOptions()
	var connects, disconnects atomic.Int32
	opts.OnConnect = func() { connects.Add(1) }
	opts.OnDisconnect = func() { disconnects.Add(1) }

	s, err := NewHybridConnectionServer(h.d, opts)
	if err != nil {
		t.Fatal(err)
	}
	s.reconnectMin = 10 * time.Millisecond
	s.reconnectMax = 50 * time.Millisecond
	s.Start(context.Background())

	first := h.nextControl(t)
	_ = first.Close()

	second := h.nextControl(t)
	sendAccept(t, second, "wss://g0/$hc/myhc?sb-hc-id=c2", "c2")
	h.nextSender(t)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if c := connects.Load(); c != 2 {
		t.Errorf("OnConnect = %d, want 2", c)
	}
	if d := disconnects.Load(); d != 2 {
		t.Errorf("OnDisconnect = %d, want 2 (drop + shutdown)", d)
	}
}

func TestHybridConnectionServer_ReconnectWhilePingsSucceed(t *testing.T) {
	h := newRelayHarness()
	s, err := NewHybridConnectionServer(h.d, testServerOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.pingInterval = 5 * time.Millisecond
	s.reconnectMin = 10 * time.Millisecond
	s.Start(context.Background())
	defer s.Close()

	first := h.nextControl(t)
	// Let the ping loop run so it is active when the relay drops us.
	time.Sleep(30 * time.Millisecond)
	_ = first.Close()

	h.nextControl(t)
}

// echoHandler echoes messages until the connection or ctx ends.
func echoHandler(done *atomic.Bool) ConnHandler {
	return func(ctx context.Context, c Conn) {
		defer done.Store(true)
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if err := c.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}
}

func roundTrip(t *testing.T, c *pipeConn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Write(ctx, MessageBinary, []byte(msg)); err != nil {
		t.Fatalf("write %q: %v", msg, err)
	}
	_, got, err := c.Read(ctx)
	if err != nil || string(got) != msg {
		t.Fatalf("echo = %q, %v; want %q", got, err, msg)
	}
}

func TestHybridConnectionServer_ConnectionSurvivesControlDrop(t *testing.T) {
	h := newRelayHarness()
	var handlerDone atomic.Bool
	opts := testServerOptions()
	opts.Handler = echoHandler(&handlerDone)

	s, err := NewHybridConnectionServer(h.d, opts)
	if err != nil {
		t.Fatal(err)
	}
	s.reconnectMin = 10 * time.Millisecond
	s.Start(context.Background())

	first := h.nextControl(t)
	sendAccept(t, first, "wss://g0/$hc/myhc?sb-hc-id=long", "long")
	sender := h.nextSender(t)
	roundTrip(t, sender, "before drop")

	_ = first.Close()
	h.nextControl(t)

	roundTrip(t, sender, "after drop")
	if handlerDone.Load() {
		t.Fatal("handler ended with the control channel")
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !handlerDone.Load() {
		t.Error("Close returned before the handler finished")
	}
}

func TestHybridConnectionServer_CloseBeforeStart(t *testing.T) {
	d := &fakeDialer{}
	s, err := NewHybridConnectionServer(d, testServerOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	if _, err := s.Accept(context.Background()); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Accept err = %v, want ErrServerClosed", err)
	}
	if !errors.Is(s.Err(), ErrServerClosed) {
		t.Errorf("Err = %v", s.Err())
	}

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	if n := len(d.addresses()); n != 0 {
		t.Errorf("Start after Close dialed %d times", n)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestHybridConnectionServer_PingFailureForcesReconnect(t *testing.T) {
	var dials atomic.Int32
	controls := make(chan *pipeConn, 8)
	d := &fakeDialer{dialFn: func(context.Context, string) (Conn, error) {
		a, b := newConnPair()
		if dials.Add(1) == 1 {
			a.pingErr = errors.New("pong timeout")
		}
		controls <- b
		return a, nil
	}}

	s, err := NewHybridConnectionServer(d, testServerOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.pingInterval = 10 * time.Millisecond
	s.reconnectMin = 10 * time.Millisecond
	s.Start(context.Background())
	defer s.Close()

	for i := range 2 {
		select {
		case <-controls:
		case <-time.After(3 * time.Second):
			t.Fatalf("control dial %d did not happen", i+1)
		}
	}
}

func TestHybridConnectionServer_TokenErrorRetries(t *testing.T) {
	var calls atomic.Int32
	tp := &mockTokenProvider{tokenFn: func(context.Context, string) (string, error) {
		if calls.Add(1) < 3 {
			return "", fmt.Errorf("transient")
		}
		return "tok", nil
	}}
	h := newRelayHarness()
	opts := testServerOptions()
	opts.TokenProvider = tp

	s, err := NewHybridConnectionServer(h.d, opts)
	if err != nil {
		t.Fatal(err)
	}
	s.reconnectMin = 5 * time.Millisecond
	s.reconnectMax = 10 * time.Millisecond
	s.Start(context.Background())
	defer s.Close()

	h.nextControl(t)
	if got := calls.Load(); got != 3 {
		t.Errorf("GetToken called %d times, want 3", got)
	}
}

func TestRenewOnce(t *testing.T) {
	t.Run("sends renewToken", func(t *testing.T) {
		tp := &mockTokenProvider{token: "renewed-token-123"}
		opts := testServerOptions()
		opts.TokenProvider = tp
		s, err := NewHybridConnectionServer(&fakeDialer{}, opts)
		if err != nil {
			t.Fatal(err)
		}
		local, remote := newConnPair()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.renewOnce(ctx, local); err != nil {
			t.Fatalf("renewOnce: %v", err)
		}

		typ, data, err := remote.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if typ != MessageText {
			t.Errorf("type = %v, want text", typ)
		}
		var msg struct {
			RenewToken struct {
				Token string `json:"token"`
			} `json:"renewToken"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if msg.RenewToken.Token != "renewed-token-123" {
			t.Errorf("token = %q", msg.RenewToken.Token)
		}
	})

	t.Run("returns error after max retries", func(t *testing.T) {
		tp := &mockTokenProvider{err: fmt.Errorf("permanent failure")}
		opts := testServerOptions()
		opts.TokenProvider = tp
		s, err := NewHybridConnectionServer(&fakeDialer{}, opts)
		if err != nil {
			t.Fatal(err)
		}
		s.renewBackoff = time.Millisecond
		local, _ := newConnPair()

		err = s.renewOnce(context.Background(), local)
		if err == nil || !strings.Contains(err.Error(), "permanent failure") {
			t.Fatalf("err = %v", err)
		}
		if tp.getCalls() != maxRenewRetries {
			t.Errorf("GetToken called %d times, want %d", tp.getCalls(), maxRenewRetries)
		}
	})

	t.Run("write failure returns immediately", func(t *testing.T) {
		tp := &mockTokenProvider{token: "tok"}
		opts := testServerOptions()
		opts.TokenProvider = tp
		s, err := NewHybridConnectionServer(&fakeDialer{}, opts)
		if err != nil {
			t.Fatal(err)
		}
		local, _ := newConnPair()
		_ = local.Close()

		if err := s.renewOnce(context.Background(), local); err == nil {
			t.Fatal("expected write error")
		}
		if tp.getCalls() != 1 {
			t.Errorf("GetToken called %d times, want 1", tp.getCalls())
		}
	})
}
