package relay

import "context"

// CreateRelayedServer starts a relayed server on t. When onConnection is
// non-nil it handles every accepted connection; otherwise connections are
// delivered through Server.Accept.
func CreateRelayedServer(ctx context.Context, t Transport, opts ServerOptions, onConnection ConnHandler) (Server, error) {
	if onConnection != nil {
		opts.Handler = onConnection
	}
	return t.Listen(ctx, opts)
}
