package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	renewInterval  = 45 * time.Minute
	pingInterval   = 30 * time.Second
	pingTimeout    = 10 * time.Second
	reconnectMin   = 1 * time.Second
	reconnectMax   = 30 * time.Second
	reconnectReset = 2 // multiplier

	defaultDialTimeout   = 30 * time.Second
	defaultAcceptBacklog = 16
	maxRenewRetries      = 3
)

// HybridConnectionServer listens on a hybrid connection's control channel
// and accepts rendezvous connections from senders. It is independent of the
// WebSocket library: all sockets come from the Dialer it is built on.
type HybridConnectionServer struct {
	dialer Dialer
	opts   ServerOptions
	logger *slog.Logger

	accept chan Conn
	slots  handshakeSlots
	conns  sync.WaitGroup // rendezvous handshakes and handlers
	done   chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	err     error

	renewInterval time.Duration
	pingInterval  time.Duration
	reconnectMin  time.Duration
	reconnectMax  time.Duration
	renewBackoff  time.Duration
}

var _ Server = (*HybridConnectionServer)(nil)

// Listen validates opts and starts a HybridConnectionServer on d. It
// returns as soon as the server goroutine is running; the control channel
// connects in the background.
func Listen(ctx context.Context, d Dialer, opts ServerOptions) (*HybridConnectionServer, error) {
	s, err := NewHybridConnectionServer(d, opts)
	if err != nil {
		return nil, err
	}
	s.Start(ctx)
	return s, nil
}

// NewHybridConnectionServer returns an unstarted server.
func NewHybridConnectionServer(d Dialer, opts ServerOptions) (*HybridConnectionServer, error) {
	if d == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("relay namespace is required")
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("hybrid connection path is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.AcceptBacklog <= 0 {
		opts.AcceptBacklog = defaultAcceptBacklog
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	return &HybridConnectionServer{
		dialer:        d,
		opts:          opts,
		logger:        opts.Logger.With("path", opts.Path, "listenerID", opts.ID),
		accept:        make(chan Conn, opts.AcceptBacklog),
		slots:         newHandshakeSlots(opts.MaxConnections),
		done:          make(chan struct{}),
		renewInterval: renewInterval,
		pingInterval:  pingInterval,
		reconnectMin:  reconnectMin,
		reconnectMax:  reconnectMax,
		renewBackoff:  5 * time.Second,
	}, nil
}

// Start runs the server until ctx is cancelled or Close is called.
// Accepted connections live under ctx, not under one control channel, so
// they survive control channel reconnects. Start after Close does nothing.
func (s *HybridConnectionServer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		err := s.serve(ctx)
		s.conns.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.drain()
		close(s.done)
	}()
}

// ID returns the listener id sent to the relay.
func (s *HybridConnectionServer) ID() string { return s.opts.ID }

// Accept implements Server.
func (s *HybridConnectionServer) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrServerClosed
	case c := <-s.accept:
		return c, nil
	}
}

// Close implements Server.
func (s *HybridConnectionServer) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	if cancel == nil {
		// Never started.
		s.err = ErrServerClosed
		close(s.done)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	cancel()
	<-s.done
	return nil
}

// Done implements Server.
func (s *HybridConnectionServer) Done() <-chan struct{} { return s.done }

// Err implements Server.
func (s *HybridConnectionServer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *HybridConnectionServer) drain() {
	for {
		select {
		case c := <-s.accept:
			_ = c.Close()
		default:
			return
		}
	}
}

func (s *HybridConnectionServer) serve(ctx context.Context) error {
	delay := s.reconnectMin
	for {
		start := time.Now()
		connected, err := s.runControlLoop(ctx)
		if ctx.Err() != nil {
			if connected && s.opts.OnDisconnect != nil {
				s.opts.OnDisconnect()
			}
			return ErrServerClosed
		}
		// Reset backoff if the connection was up for a meaningful duration.
		if time.Since(start) > s.reconnectMax {
			delay = s.reconnectMin
		}
		s.logger.Warn("control channel disconnected, reconnecting", "error", err, "delay", delay)
		if connected && s.opts.OnDisconnect != nil {
			s.opts.OnDisconnect()
		}
		select {
		case <-ctx.Done():
			return ErrServerClosed
		case <-time.After(delay):
		}
		delay = min(delay*reconnectReset, s.reconnectMax)
	}
}

func (s *HybridConnectionServer) resourceURI() string {
	return BaseURI(s.opts.Namespace, s.opts.Path)
}

func (s *HybridConnectionServer) token(ctx context.Context) (string, error) {
	if s.opts.TokenProvider == nil {
		return s.opts.Token, nil
	}
	return s.opts.TokenProvider.GetToken(ctx, s.resourceURI())
}

type controlMessage struct {
	Accept  *AcceptRequest  `json:"accept,omitempty"`
	Request json.RawMessage `json:"request,omitempty"`
}

func (s *HybridConnectionServer) runControlLoop(ctx context.Context) (connected bool, err error) {
	token, err := s.token(ctx)
	if err != nil {
		return false, fmt.Errorf("get token: %w", err)
	}

	listenURI := ListenURI(s.opts.Namespace, s.opts.Path, token, s.opts.ID)
	dialCtx, dialCancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer dialCancel()
	ctrl, err := s.dialer.Dial(dialCtx, listenURI, ConnectionOptions{Proxy: s.opts.Proxy})
	if err != nil {
		return false, fmt.Errorf("dial control: %w", sanitizeErr(err))
	}
	defer func() { _ = ctrl.Close() }()

	s.logger.Info("control channel connected")
	if s.opts.OnConnect != nil {
		s.opts.OnConnect()
	}

	// Cancel used by ping/renew failure to force reconnect. The helpers
	// must be cancelled before waiting on them.
	loopCtx, loopCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		loopCancel()
		wg.Wait()
	}()

	if s.opts.TokenProvider != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.renewLoop(loopCtx, ctrl, loopCancel)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pingLoop(loopCtx, ctrl, loopCancel)
	}()

	for {
		_, data, err := ctrl.Read(loopCtx)
		if err != nil {
			return true, fmt.Errorf("read control: %w", err)
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("invalid control message", "error", err)
			continue
		}
		if msg.Request != nil {
			s.logger.Debug("ignoring relayed HTTP request")
			continue
		}
		if msg.Accept == nil || msg.Accept.Address == "" {
			continue
		}

		if !s.slots.take() {
			s.logger.Warn("max connections reached, dropping accept", "id", msg.Accept.ID)
			continue
		}

		s.conns.Add(1)
		go func(req *AcceptRequest) {
			defer s.conns.Done()
			defer s.slots.put()
			if err := s.handleAccept(ctx, req); err != nil {
				s.logger.Warn("accept failed", "id", req.ID, "error", err)
			}
		}(msg.Accept)
	}
}

func (s *HybridConnectionServer) handleAccept(ctx context.Context, req *AcceptRequest) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer dialCancel()

	if s.opts.Verify != nil {
		if verr := s.opts.Verify(req); verr != nil {
			return s.reject(dialCtx, req, verr)
		}
	}

	conn, err := s.dialer.Dial(dialCtx, req.Address, ConnectionOptions{Proxy: s.opts.Proxy})
	if err != nil {
		return fmt.Errorf("dial rendezvous: %w", sanitizeErr(err))
	}
	s.logger.Debug("rendezvous established", "id", req.ID)

	if s.opts.Handler == nil {
		select {
		case s.accept <- conn:
		default:
			s.logger.Warn("accept queue full, dropping connection", "id", req.ID)
			_ = conn.Close()
		}
		return nil
	}

	defer func() { _ = conn.Close() }()
	s.opts.Handler(ctx, conn)
	return nil
}

// reject tells the relay to fail the sender's handshake by dialing the
// rendezvous address with a status code.
func (s *HybridConnectionServer) reject(ctx context.Context, req *AcceptRequest, reason error) error {
	addr := appendQuery(req.Address, ParamStatusCode, "403")
	addr = appendQuery(addr, ParamStatusDescription, reason.Error())
	s.logger.Info("rejecting connection", "id", req.ID, "reason", reason)
	conn, err := s.dialer.Dial(ctx, addr, ConnectionOptions{Proxy: s.opts.Proxy})
	if err == nil {
		_ = conn.Close()
	}
	return nil
}

func (s *HybridConnectionServer) renewLoop(ctx context.Context, ctrl Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.renewOnce(ctx, ctrl); err != nil {
				s.logger.Warn("token renewal failed, forcing reconnect", "error", err)
				cancel()
				return
			}
		}
	}
}

type renewTokenMessage struct {
	RenewToken struct {
		Token string `json:"token"`
	} `json:"renewToken"`
}

func (s *HybridConnectionServer) renewOnce(ctx context.Context, ctrl Conn) error {
	var lastErr error
	for attempt := range maxRenewRetries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * s.renewBackoff):
			}
		}

		token, err := s.opts.TokenProvider.GetToken(ctx, s.resourceURI())
		if err != nil {
			lastErr = err
			s.logger.Warn("token renewal attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		var msg renewTokenMessage
		msg.RenewToken.Token = token
		data, _ := json.Marshal(msg) // simple struct, cannot fail
		if err := ctrl.Write(ctx, MessageText, data); err != nil {
			return err // write failure = connection problem, no retry
		}
		s.logger.Debug("token renewed")
		return nil
	}
	return lastErr
}

func (s *HybridConnectionServer) pingLoop(ctx context.Context, ctrl Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
			err := ctrl.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Warn("ping failed, forcing reconnect", "error", err)
				cancel()
				return
			}
		}
	}
}
