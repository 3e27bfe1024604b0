// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LiangLiang723/tabby-connection-gateway/internal/session"
	"github.com/LiangLiang723/tabby-connection-gateway/internal/tokenstore"
)

// Gateway manages the Prometheus collectors for session lifecycle, token
// consumption, and relayed byte counts.
type Gateway struct {
	sessionsActive   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	tokensConsumed   *prometheus.CounterVec
	bytesRelayed     *prometheus.CounterVec
}

var (
	instance *Gateway
	once     sync.Once
)

// Get returns the singleton gateway metrics instance, registering its
// collectors on the default Prometheus registry the first time it's called.
func Get() *Gateway {
	once.Do(func() {
		instance = newGateway()
	})
	return instance
}

func newGateway() *Gateway {
	m := &Gateway{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "sessions_active",
			Help:      "Number of sessions currently in progress.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "sessions_total",
			Help:      "Total sessions handled, labeled by outcome.",
		}, []string{"outcome"}),
		tokensConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "tokens_consumed_total",
			Help:      "Total tokens consumed during authentication, labeled by kind.",
		}, []string{"kind"}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed, labeled by direction.",
		}, []string{"direction"}),
	}

	prometheus.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.tokensConsumed,
		m.bytesRelayed,
	)

	return m
}

// SessionStarted increments the active-session gauge.
func (m *Gateway) SessionStarted() {
	m.sessionsActive.Inc()
}

// SessionEnded decrements the active-session gauge and records the outcome.
func (m *Gateway) SessionEnded(outcome session.Outcome) {
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(string(outcome)).Inc()
}

// TokenConsumed records a successful authentication by token kind.
func (m *Gateway) TokenConsumed(kind tokenstore.Kind) {
	label := "one_time"
	if kind == tokenstore.KindPermanent {
		label = "permanent"
	}
	m.tokensConsumed.WithLabelValues(label).Inc()
}

// WSToTCP records bytes relayed from the WebSocket to the TCP socket.
func (m *Gateway) WSToTCP(n int) {
	m.bytesRelayed.WithLabelValues("ws_to_tcp").Add(float64(n))
}

// TCPToWS records bytes relayed from the TCP socket to the WebSocket.
func (m *Gateway) TCPToWS(n int) {
	m.bytesRelayed.WithLabelValues("tcp_to_ws").Add(float64(n))
}
