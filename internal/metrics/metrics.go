// Package metrics exports Prometheus metrics for hycows relays, tokens and
// bridged connections. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/philsphicas/hycows/relay"
)

const namespace = "hycows"

// OverflowTarget is the target label once MaxTargets distinct values
// have been recorded.
const OverflowTarget = "__other__"

// Connection error reasons.
const (
	ReasonDialFailed  = "dial_failed"
	ReasonDialTimeout = "dial_timeout"
	ReasonRelayFailed = "relay_failed"
	ReasonAuthFailed  = "auth_failed"
	ReasonRejected    = "rejected"
)

// Roles label which side of a hybrid connection recorded a metric.
const (
	RoleListener = "listener"
	RoleSender   = "sender"
)

// Metrics holds the hycows collectors and the registry they live in.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxTargets caps distinct target label values. Zero is unlimited.
	MaxTargets int

	connectionsTotal   *prometheus.CounterVec
	connectionErrors   *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	activeConnections  *prometheus.GaugeVec
	controlChannelUp   prometheus.Gauge
	connectionDuration *prometheus.HistogramVec
	dialDuration       *prometheus.HistogramVec
	dialRetriesTotal   *prometheus.CounterVec
	tokensTotal        *prometheus.CounterVec

	targetCount atomic.Int64
	targets     sync.Map // map[string]struct{}
}

// New returns Metrics registered on a fresh registry together with the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Relayed connections that reached the bridge, by outcome.",
		}, []string{"role", "target", "status"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Relayed connections that failed before bridging, by reason.",
		}, []string{"role", "reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Payload bytes moved through hybrid connections.",
		}, []string{"role", "target", "direction"}),

		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Relayed connections currently bridging.",
		}, []string{"role", "target"}),

		controlChannelUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_channel_connected",
			Help:      "1 while the listener control channel is connected.",
		}),

		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of bridged connections.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role", "target"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "WebSocket handshake time against the relay, by result.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"role", "result"}),

		dialRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_retries_total",
			Help:      "Relay dial attempts after the first.",
		}, []string{"role"}),

		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Relay tokens requested from a token provider, by outcome.",
		}, []string{"provider", "status"}),
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.connectionErrors,
		m.bytesTotal,
		m.activeConnections,
		m.controlChannelUp,
		m.connectionDuration,
		m.dialDuration,
		m.dialRetriesTotal,
		m.tokensTotal,
	)

	return m
}

// SanitizeTarget returns target while it fits the cardinality budget and
// OverflowTarget afterwards. Targets already seen always pass.
func (m *Metrics) SanitizeTarget(target string) string {
	if m == nil || m.MaxTargets <= 0 {
		return target
	}

	for {
		if _, ok := m.targets.Load(target); ok {
			return target
		}

		cur := m.targetCount.Load()
		if cur >= int64(m.MaxTargets) {
			// Another goroutine may have stored it after our first Load.
			if _, ok := m.targets.Load(target); ok {
				return target
			}
			return OverflowTarget
		}

		if !m.targetCount.CompareAndSwap(cur, cur+1) {
			continue
		}
		if _, loaded := m.targets.LoadOrStore(target, struct{}{}); loaded {
			m.targetCount.Add(-1)
		}
		return target
	}
}

// ConnectionOpened marks a bridge as active. Call Done on the returned
// tracker when it ends.
func (m *Metrics) ConnectionOpened(role, target string) *ConnectionTracker {
	if m == nil {
		return nil
	}
	target = m.SanitizeTarget(target)
	m.activeConnections.WithLabelValues(role, target).Inc()
	return &ConnectionTracker{m: m, role: role, target: target}
}

// ConnectionError records a connection that never reached the bridge.
func (m *Metrics) ConnectionError(role, reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(role, reason).Inc()
}

// DialReason maps timeouts to ReasonDialTimeout and everything else to
// fallback.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// ObserveDialDuration records one relay handshake.
func (m *Metrics) ObserveDialDuration(role string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.dialDuration.WithLabelValues(role, result).Observe(seconds)
}

// IncrDialRetries counts a relay dial retry.
func (m *Metrics) IncrDialRetries(role string) {
	if m == nil {
		return
	}
	m.dialRetriesTotal.WithLabelValues(role).Inc()
}

// SetControlChannelConnected sets the control channel gauge.
func (m *Metrics) SetControlChannelConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.controlChannelUp.Set(1)
	} else {
		m.controlChannelUp.Set(0)
	}
}

// ConnectionTracker records the outcome of one bridged connection.
type ConnectionTracker struct {
	m      *Metrics
	role   string
	target string
}

// Done records a finished bridge.
func (t *ConnectionTracker) Done(duration time.Duration, stats relay.BridgeStats, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeConnections.WithLabelValues(t.role, t.target).Dec()
	t.m.connectionsTotal.WithLabelValues(t.role, t.target, status).Inc()
	t.m.connectionDuration.WithLabelValues(t.role, t.target).Observe(duration.Seconds())
	t.m.bytesTotal.WithLabelValues(t.role, t.target, "to_relay").Add(float64(stats.ToRelay))
	t.m.bytesTotal.WithLabelValues(t.role, t.target, "from_relay").Add(float64(stats.FromRelay))
}

// TrackedBridge runs relay.Bridge and records it as one connection.
func (m *Metrics) TrackedBridge(ctx context.Context, rc relay.Conn, local net.Conn, role, target string) (relay.BridgeStats, error) {
	tracker := m.ConnectionOpened(role, target)
	start := time.Now()
	stats, err := relay.Bridge(ctx, rc, local)
	tracker.Done(time.Since(start), stats, err)
	return stats, err
}

// InstrumentDialer times every handshake made through d.
func (m *Metrics) InstrumentDialer(d relay.Dialer, role string) relay.Dialer {
	if m == nil {
		return d
	}
	return relay.DialerFunc(func(ctx context.Context, address string, opts relay.ConnectionOptions) (relay.Conn, error) {
		start := time.Now()
		c, err := d.Dial(ctx, address, opts)
		m.ObserveDialDuration(role, time.Since(start).Seconds(), err)
		return c, err
	})
}

// InstrumentTokenProvider counts tokens minted by tp under the provider label.
func (m *Metrics) InstrumentTokenProvider(tp relay.TokenProvider, provider string) relay.TokenProvider {
	if m == nil || tp == nil {
		return tp
	}
	return &countingProvider{tp: tp, m: m, provider: provider}
}

type countingProvider struct {
	tp       relay.TokenProvider
	m        *Metrics
	provider string
}

func (p *countingProvider) GetToken(ctx context.Context, resourceURI string) (string, error) {
	tok, err := p.tp.GetToken(ctx, resourceURI)
	status := "success"
	if err != nil {
		status = "error"
	}
	p.m.tokensTotal.WithLabelValues(p.provider, status).Inc()
	return tok, err
}
