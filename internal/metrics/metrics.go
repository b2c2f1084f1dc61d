// Package metrics holds the Prometheus collectors the server updates at
// well-defined hooks: tick timing, session churn, challenge outcomes,
// escrow phases, and bus traffic. A parallel set of atomics feeds the
// /metrics.json structured snapshot.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TickDuration    prometheus.Histogram
	SessionsOpen    prometheus.Gauge
	ChallengeEvents *prometheus.CounterVec
	EscrowPhases    *prometheus.CounterVec
	ProximityEvents *prometheus.CounterVec
	BusMessages     *prometheus.CounterVec

	// snapshot mirrors
	ticks      atomic.Int64
	sessions   atomic.Int64
	challenges atomic.Int64
	escrowOps  atomic.Int64
}

// New registers all collectors on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers on a caller-supplied registry. Tests use this to avoid
// duplicate registration across instances.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_tick_duration_seconds",
			Help:    "Wall time of one full game tick",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
		SessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arena_sessions_open",
			Help: "Currently open WebSocket sessions on this node",
		}),
		ChallengeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_challenge_events_total",
			Help: "Challenge state transitions by event name",
		}, []string{"event"}),
		EscrowPhases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_escrow_phase_total",
			Help: "Escrow workflow phases by outcome",
		}, []string{"phase", "result"}), // phase: lock|resolve|refund, result: ok|fail
		ProximityEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_proximity_events_total",
			Help: "Proximity enter/exit events emitted",
		}, []string{"event"}),
		BusMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_bus_messages_total",
			Help: "Cross-node bus messages by channel",
		}, []string{"channel", "direction"}),
	}
}

func (m *Metrics) ObserveTick(seconds float64) {
	m.TickDuration.Observe(seconds)
	m.ticks.Add(1)
}

func (m *Metrics) SessionOpened() {
	m.SessionsOpen.Inc()
	m.sessions.Add(1)
}

func (m *Metrics) SessionClosed() {
	m.SessionsOpen.Dec()
	m.sessions.Add(-1)
}

func (m *Metrics) RecordChallengeEvent(event string) {
	m.ChallengeEvents.WithLabelValues(event).Inc()
	m.challenges.Add(1)
}

func (m *Metrics) RecordEscrowPhase(phase string, ok bool) {
	result := "fail"
	if ok {
		result = "ok"
	}
	m.EscrowPhases.WithLabelValues(phase, result).Inc()
	m.escrowOps.Add(1)
}

func (m *Metrics) RecordProximity(event string) {
	m.ProximityEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordBusMessage(channel, direction string) {
	m.BusMessages.WithLabelValues(channel, direction).Inc()
}

// Snapshot is the /metrics.json payload.
type Snapshot struct {
	Ticks           int64 `json:"ticks"`
	SessionsOpen    int64 `json:"sessionsOpen"`
	ChallengeEvents int64 `json:"challengeEvents"`
	EscrowOps       int64 `json:"escrowOps"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Ticks:           m.ticks.Load(),
		SessionsOpen:    m.sessions.Load(),
		ChallengeEvents: m.challenges.Load(),
		EscrowOps:       m.escrowOps.Load(),
	}
}
