package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the realtime subsystem.
// All methods are nil-safe so wiring metrics stays optional in tests.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	RoomsActive       prometheus.Gauge

	EventsTotal     *prometheus.CounterVec
	BroadcastsTotal *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	AuthRejects     *prometheus.CounterVec

	StoreOpDuration *prometheus.HistogramVec
}

// NewMetrics registers the realtime instruments on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "souk_ws_connections_active",
			Help: "Number of live websocket connections.",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "souk_ws_online_users",
			Help: "Number of users with at least one live connection.",
		}),
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "souk_ws_rooms_active",
			Help: "Number of conversation rooms with at least one joined connection.",
		}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "souk_ws_events_total",
			Help: "Inbound events processed, by type.",
		}, []string{"type"}),
		BroadcastsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "souk_ws_broadcasts_total",
			Help: "Outbound fan-out envelopes enqueued, by type.",
		}, []string{"type"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "souk_ws_errors_total",
			Help: "Error envelopes returned to clients, by code.",
		}, []string{"code"}),
		AuthRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "souk_ws_auth_rejects_total",
			Help: "Handshake rejections, by reason.",
		}, []string{"reason"}),
		StoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "souk_store_op_duration_seconds",
			Help:    "Duration of conversation store operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) setOnlineUsers(n int) {
	if m != nil {
		m.OnlineUsers.Set(float64(n))
	}
}

func (m *Metrics) setRooms(n int) {
	if m != nil {
		m.RoomsActive.Set(float64(n))
	}
}

func (m *Metrics) event(typ string) {
	if m != nil {
		m.EventsTotal.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) broadcast(typ string, reached int) {
	if m != nil && reached > 0 {
		m.BroadcastsTotal.WithLabelValues(typ).Add(float64(reached))
	}
}

func (m *Metrics) errorCode(code string) {
	if m != nil {
		m.ErrorsTotal.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) authReject(reason string) {
	if m != nil {
		m.AuthRejects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) observeStoreOp(op string, start time.Time) {
	if m != nil {
		m.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
