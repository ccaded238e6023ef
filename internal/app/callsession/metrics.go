package callsession

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "callsync"
	subsystem = "session"
)

// Metrics exports controller activity. One instance is shared by every
// controller of the process.
type Metrics struct {
	SessionsActive prometheus.Gauge
	Transitions    *prometheus.CounterVec
	Reconnections  *prometheus.CounterVec
	TierChanges    *prometheus.CounterVec
	Terminations   *prometheus.CounterVec
	OffersCreated  prometheus.Counter
	ICERestarts    prometheus.Counter
	TimerStarts    prometheus.Counter
	BilledSeconds  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active",
			Help:      "Sessions not yet ended or failed.",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Controller state transitions.",
		}, []string{"from", "to"}),
		Reconnections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnection_attempts_total",
			Help:      "Reconnection attempts by outcome.",
		}, []string{"outcome"}),
		TierChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "quality_tier_changes_total",
			Help:      "Quality tier change events by new tier.",
		}, []string{"tier"}),
		Terminations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "terminations_total",
			Help:      "Sessions reaching a terminal state.",
		}, []string{"state", "kind"}),
		OffersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "offers_created_total",
			Help:      "Session description offers created.",
		}),
		ICERestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ice_restarts_total",
			Help:      "Lightweight ICE restarts requested.",
		}),
		TimerStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "timer_starts_total",
			Help:      "Billing timer starts after the dual-ready handshake.",
		}),
		BilledSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "billed_seconds",
			Help:      "Billed duration of finished sessions.",
			Buckets:   []float64{30, 60, 300, 600, 900, 1800, 3600},
		}),
	}
}
