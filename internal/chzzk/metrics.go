package chzzk

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stage names a point in the ingest pipeline an event passed through.
type Stage string

const (
	StageSeen       Stage = "seen_from_provider"
	StageNormalized Stage = "normalized_ok"
	StageDelivered  Stage = "delivered"

	stageDroppedPrefix = "dropped_"
)

// StageDropped is the stage label for a record dropped for reason.
func StageDropped(reason string) Stage {
	return Stage(stageDroppedPrefix + reason)
}

// Metrics bundles the Prometheus collectors for one ingest process. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	frames       *prometheus.CounterVec
	events       *prometheus.CounterVec
	reconnects   prometheus.Counter
	handshakes   prometheus.Counter
	state        *prometheus.GaugeVec
	queueDepth   prometheus.Gauge
	queueEvicted prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "frames_received_total",
			Help:      "Chat transport frames received, by command",
		}, []string{"command"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "events_total",
			Help:      "Chat records observed per ingest stage",
		}, []string{"stage"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "reconnects_total",
			Help:      "Reconnect cycles started after a transport loss",
		}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "handshakes_total",
			Help:      "Successful CONNECTED acknowledgements",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "livechat",
			Name:      "session_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livechat",
			Name:      "queue_depth",
			Help:      "Events waiting in the delivery queue",
		}),
		queueEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livechat",
			Name:      "queue_evicted_total",
			Help:      "Events discarded because the delivery queue was full",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.frames,
			m.events,
			m.reconnects,
			m.handshakes,
			m.state,
			m.queueDepth,
			m.queueEvicted,
		)
	}
	return m
}

func (m *Metrics) incFrame(cmd Command) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(cmd.String()).Inc()
}

func (m *Metrics) incStage(stage Stage, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.WithLabelValues(string(stage)).Add(float64(n))
}

func (m *Metrics) incReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) incHandshake() {
	if m == nil {
		return
	}
	m.handshakes.Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, candidate := range allStates {
		v := 0.0
		if candidate == s {
			v = 1
		}
		m.state.WithLabelValues(candidate.String()).Set(v)
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) incEvicted() {
	if m == nil {
		return
	}
	m.queueEvicted.Inc()
}
