// Package relaytest runs an in-process stand-in for the Azure Relay
// Hybrid Connections service.
//
// It understands the listen, connect and accept actions on /$hc/{path},
// forwards senders to registered listeners through accept control
// messages and splices the two rendezvous sockets together.
package relaytest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

const rendezvousTimeout = 5 * time.Second

// Server is a fake relay namespace served over TLS.
type Server struct {
	*httptest.Server

	// Namespace is the host:port to hand to relay URI builders.
	Namespace string

	mu             sync.Mutex
	listeners      map[string]*websocket.Conn
	pending        map[string]chan rendezvous
	nextID         int
	listenTokens   []string
	connectHeaders []http.Header
	rejections     []string
}

type rendezvous struct {
	ws     *websocket.Conn
	status int
	desc   string
	done   chan struct{}
}

// NewServer starts a fake relay and registers its shutdown with t.
func NewServer(t testing.TB) *Server {
	s := &Server{
		listeners: make(map[string]*websocket.Conn),
		pending:   make(map[string]chan rendezvous),
	}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.serveHC))
	s.Namespace = strings.TrimPrefix(s.URL, "https://")
	t.Cleanup(s.Close)
	return s
}

// TLSConfig trusts the server's certificate.
func (s *Server) TLSConfig() *tls.Config {
	return s.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
}

// ListenTokens returns the sb-hc-token of every listen request.
func (s *Server) ListenTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.listenTokens...)
}

// ConnectHeaders returns the upgrade headers of every connect request.
func (s *Server) ConnectHeaders() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.connectHeaders...)
}

// Rejections returns the status descriptions of rejected rendezvous.
func (s *Server) Rejections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rejections...)
}

// WaitListener blocks until a listener is registered on path.
func (s *Server) WaitListener(t testing.TB, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, ok := s.listeners[path]
		s.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no listener registered on %q", path)
}

// DropListener closes the control channel of the listener on path.
func (s *Server) DropListener(path string) {
	s.mu.Lock()
	ws := s.listeners[path]
	delete(s.listeners, path)
	s.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.StatusGoingAway, "maintenance")
	}
}

func (s *Server) serveHC(w http.ResponseWriter, r *http.Request) {
	path, ok := strings.CutPrefix(r.URL.Path, "/$hc/")
	if !ok || path == "" {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	switch q.Get("sb-hc-action") {
	case "listen":
		s.serveListen(w, r, path, q.Get("sb-hc-token"))
	case "connect":
		s.serveConnect(w, r, path)
	case "accept":
		s.serveAccept(w, r, q.Get("sb-hc-id"))
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (s *Server) serveListen(w http.ResponseWriter, r *http.Request, path, token string) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.listenTokens = append(s.listenTokens, token)
	s.listeners[path] = ws
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listeners[path] == ws {
			delete(s.listeners, path)
		}
		s.mu.Unlock()
		_ = ws.CloseNow()
	}()

	// Listener to relay traffic (renewToken) is drained until the socket closes.
	for {
		if _, _, err := ws.Read(r.Context()); err != nil {
			return
		}
	}
}

func (s *Server) serveConnect(w http.ResponseWriter, r *http.Request, path string) {
	s.mu.Lock()
	s.connectHeaders = append(s.connectHeaders, r.Header.Clone())
	ctrl := s.listeners[path]
	s.nextID++
	id := strconv.Itoa(s.nextID)
	ch := make(chan rendezvous, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if ctrl == nil {
		http.Error(w, "no listener", http.StatusNotFound)
		return
	}

	accept := map[string]any{
		"accept": map[string]any{
			"address": fmt.Sprintf("wss://%s/$hc/%s?sb-hc-action=accept&sb-hc-id=%s", s.Namespace, path, id),
			"id":      id,
			"connectHeaders": map[string]string{
				"Host": r.Host,
			},
			"remoteEndpoint": map[string]any{"address": "127.0.0.1", "port": 50000},
		},
	}
	data, _ := json.Marshal(accept)
	if err := ctrl.Write(r.Context(), websocket.MessageText, data); err != nil {
		http.Error(w, "listener unavailable", http.StatusBadGateway)
		return
	}

	var rv rendezvous
	select {
	case rv = <-ch:
	case <-time.After(rendezvousTimeout):
		http.Error(w, "rendezvous timeout", http.StatusGatewayTimeout)
		return
	case <-r.Context().Done():
		return
	}
	if rv.ws == nil {
		http.Error(w, rv.desc, rv.status)
		return
	}
	defer close(rv.done)

	sender, err := websocket.Accept(w, r, nil)
	if err != nil {
		_ = rv.ws.CloseNow()
		return
	}
	sender.SetReadLimit(-1)
	rv.ws.SetReadLimit(-1)
	splice(r.Context(), sender, rv.ws)
}

func (s *Server) serveAccept(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	ch := s.pending[id]
	s.mu.Unlock()
	if ch == nil {
		http.Error(w, "unknown rendezvous", http.StatusGone)
		return
	}

	q := r.URL.Query()
	if code := q.Get("sb-hc-statusCode"); code != "" {
		status, _ := strconv.Atoi(code)
		desc := q.Get("sb-hc-statusDescription")
		s.mu.Lock()
		s.rejections = append(s.rejections, desc)
		s.mu.Unlock()
		ch <- rendezvous{status: status, desc: desc}
		http.Error(w, "rejected", http.StatusGone)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	done := make(chan struct{})
	ch <- rendezvous{ws: ws, done: done}
	<-done
}

// splice copies messages both ways until either side closes.
func splice(ctx context.Context, a, b *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	pump := func(from, to *websocket.Conn) {
		defer wg.Done()
		defer cancel()
		for {
			typ, data, err := from.Read(ctx)
			if err != nil {
				status := websocket.CloseStatus(err)
				if status == -1 {
					status = websocket.StatusGoingAway
				}
				_ = to.Close(status, "")
				return
			}
			if err := to.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}
	wg.Add(2)
	go pump(a, b)
	go pump(b, a)
	wg.Wait()
	_ = a.CloseNow()
	_ = b.CloseNow()
}
