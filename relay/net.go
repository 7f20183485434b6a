package relay

import (
	"net"
	"time"
)

// SetTCPKeepAlive turns on keepalive probes every d for TCP connections.
// Other connection types, and d <= 0, are left alone.
func SetTCPKeepAlive(conn net.Conn, d time.Duration) {
	tc, ok := conn.(*net.TCPConn)
	if !ok || d <= 0 {
		return
	}
	_ = tc.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     d,
		Interval: d,
	})
}

// handshakeSlots bounds the number of rendezvous handshakes a server runs
// at once. The zero limit is unbounded.
type handshakeSlots chan struct{}

func newHandshakeSlots(limit int) handshakeSlots {
	if limit <= 0 {
		return nil
	}
	return make(handshakeSlots, limit)
}

// take reserves a slot without blocking.
func (s handshakeSlots) take() bool {
	if s == nil {
		return true
	}
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s handshakeSlots) put() {
	if s != nil {
		<-s
	}
}
