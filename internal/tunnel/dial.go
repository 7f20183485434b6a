package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/philsphicas/hycows/internal/metrics"
	"github.com/philsphicas/hycows/relay"
)

const (
	dialRetryBase = 1 * time.Second
	dialRetryMax  = 30 * time.Second
)

// SenderConfig describes how to open relayed connections to a listener.
type SenderConfig struct {
	Namespace string
	Path      string
	// TokenProvider signs each connect. Nil sends no authorization, for
	// hybrid connections that do not require client authorization.
	TokenProvider relay.TokenProvider
	Dialer        relay.Dialer
	Proxy         func(*http.Request) (*url.URL, error)
	// DialTimeout is the total retry budget for one relayed connection.
	// Zero means a single attempt.
	DialTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional
}

func (c *SenderConfig) setDefaults() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dialer == nil {
		return fmt.Errorf("dialer is required")
	}
	if c.Namespace == "" || c.Path == "" {
		return fmt.Errorf("relay namespace and hybrid connection are required")
	}
	return nil
}

// dial opens one relayed connection, retrying with exponential backoff
// (1s, 2s, 4s... capped at 30s) until DialTimeout is spent.
func (c *SenderConfig) dial(ctx context.Context) (relay.Conn, error) {
	start := time.Now()
	conn, err := c.dialWithRetry(ctx)
	c.Metrics.ObserveDialDuration(metrics.RoleSender, time.Since(start).Seconds(), err)
	return conn, err
}

func (c *SenderConfig) dialWithRetry(ctx context.Context) (relay.Conn, error) {
	if c.DialTimeout == 0 {
		return c.dialOnce(ctx)
	}

	budget, cancel := context.WithTimeout(ctx, c.DialTimeout)
	defer cancel()

	delay := dialRetryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.Logger.Debug("retrying relay dial", "attempt", attempt, "delay", delay)
			c.Metrics.IncrDialRetries(metrics.RoleSender)
			select {
			case <-budget.Done():
				return nil, lastErr
			case <-time.After(delay):
			}
			delay = min(delay*2, dialRetryMax)
		}
		conn, err := c.dialOnce(budget)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.Logger.Debug("relay dial attempt failed", "attempt", attempt+1, "error", err)
		if budget.Err() != nil {
			return nil, lastErr
		}
	}
}

func (c *SenderConfig) dialOnce(ctx context.Context) (relay.Conn, error) {
	var token string
	if c.TokenProvider != nil {
		var err error
		token, err = c.TokenProvider.GetToken(ctx, relay.ResourceURI(c.Namespace, c.Path))
		if err != nil {
			c.Metrics.ConnectionError(metrics.RoleSender, metrics.ReasonAuthFailed)
			return nil, fmt.Errorf("get token: %w", err)
		}
	}
	address := relay.SendURI(c.Namespace, c.Path, "", uuid.NewString())
	conn, err := relay.Dial(ctx, c.Dialer, address, relay.ConnectOptions{
		Token: token,
		Proxy: c.Proxy,
	})
	if err != nil {
		c.Metrics.ConnectionError(metrics.RoleSender, metrics.DialReason(err, metrics.ReasonRelayFailed))
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}
