package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"
)

const (
	// bridgePingInterval is how often we ping relayed connections to keep the
	// relay from dropping idle rendezvous sockets (~120s timeout).
	bridgePingInterval = 30 * time.Second
	bridgePingTimeout  = 10 * time.Second
	bridgeBufferSize   = 32 * 1024
)

// BridgeStats holds byte counters for a completed bridge.
type BridgeStats struct {
	ToRelay   int64 // bytes read from the local side and written to the relay
	FromRelay int64 // bytes received from the relay and written locally
}

// Bridge copies data between a relayed connection and a local stream until
// one side closes or ctx is cancelled. Local data is sent as binary
// messages. It returns the byte counts and the first error from either
// direction; orderly closes are not errors.
func Bridge(ctx context.Context, rc Conn, local net.Conn) (BridgeStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var toRelay, fromRelay atomic.Int64
	errc := make(chan error, 2)

	go func() {
		errc <- relayToLocal(ctx, rc, local, &fromRelay)
	}()
	go func() {
		errc <- localToRelay(ctx, rc, local, &toRelay)
	}()
	go bridgePingLoop(ctx, rc)

	// Wait for the first direction to finish, then cancel the other.
	err := <-errc
	cancel()
	// Unblock local.Read in localToRelay.
	_ = local.SetReadDeadline(time.Now())
	<-errc

	return BridgeStats{ToRelay: toRelay.Load(), FromRelay: fromRelay.Load()}, err
}

func bridgePingLoop(ctx context.Context, rc Conn) {
	ticker := time.NewTicker(bridgePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, bridgePingTimeout)
			_ = rc.Ping(pingCtx) // best-effort; data flow or context cancel will clean up
			cancel()
		}
	}
}

func relayToLocal(ctx context.Context, rc Conn, local io.Writer, count *atomic.Int64) error {
	for {
		_, data, err := rc.Read(ctx)
		if err != nil {
			return ignoreEOF(err)
		}
		if len(data) == 0 {
			continue
		}
		n, err := local.Write(data)
		count.Add(int64(n))
		if err != nil {
			return err
		}
	}
}

func localToRelay(ctx context.Context, rc Conn, local io.Reader, count *atomic.Int64) error {
	buf := make([]byte, bridgeBufferSize)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			if wErr := rc.Write(ctx, MessageBinary, buf[:n]); wErr != nil {
				return wErr
			}
			count.Add(int64(n))
		}
		if err != nil {
			return ignoreEOF(err)
		}
	}
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}
