// Package metrics exposes Prometheus collectors for the bout engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pit"

// Metrics holds the engine's collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	BoutsStarted    prometheus.Counter
	BoutsFinished   *prometheus.CounterVec
	BoutsRunning    prometheus.Gauge
	Turns           *prometheus.CounterVec
	Tokens          *prometheus.CounterVec
	PersonaBreaks   *prometheus.CounterVec
	QuotaRejections *prometheus.CounterVec
	Truncations     prometheus.Counter
	FirstToken      *prometheus.HistogramVec
	SettledMicro    prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BoutsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bout",
			Name:      "started_total",
			Help:      "Bouts claimed for execution.",
		}),
		BoutsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bout",
			Name:      "finished_total",
			Help:      "Bouts reaching a terminal state, by status and error category.",
		}, []string{"status", "category"}),
		BoutsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bout",
			Name:      "running",
			Help:      "Bouts currently executing in this process.",
		}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "total",
			Help:      "Completed turns by model and whether they were scripted.",
		}, []string{"model", "scripted"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "tokens_total",
			Help:      "Tokens consumed by model and direction.",
		}, []string{"model", "direction"}),
		PersonaBreaks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "persona_breaks_total",
			Help:      "Turns flagged as out of character.",
		}, []string{"model"}),
		QuotaRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Bouts refused by a quota gate, by reason.",
		}, []string{"reason"}),
		Truncations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "history_truncations_total",
			Help:      "Turns whose history was truncated to fit the context window.",
		}),
		FirstToken: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "first_token_seconds",
			Help:      "Time from request to first streamed token.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"model"}),
		SettledMicro: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "settled_micro_total",
			Help:      "Micro-credits charged at settlement.",
		}),
	}
}

func (m *Metrics) BoutStarted() {
	if m == nil {
		return
	}
	m.BoutsStarted.Inc()
	m.BoutsRunning.Inc()
}

func (m *Metrics) BoutFinished(status, category string) {
	if m == nil {
		return
	}
	m.BoutsRunning.Dec()
	m.BoutsFinished.WithLabelValues(status, category).Inc()
}

func (m *Metrics) Turn(model string, scripted bool, in, out int64) {
	if m == nil {
		return
	}
	s := "false"
	if scripted {
		s = "true"
	}
	m.Turns.WithLabelValues(model, s).Inc()
	m.Tokens.WithLabelValues(model, "input").Add(float64(in))
	m.Tokens.WithLabelValues(model, "output").Add(float64(out))
}

func (m *Metrics) PersonaBreak(model string) {
	if m == nil {
		return
	}
	m.PersonaBreaks.WithLabelValues(model).Inc()
}

func (m *Metrics) QuotaRejected(reason string) {
	if m == nil {
		return
	}
	m.QuotaRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Truncated() {
	if m == nil {
		return
	}
	m.Truncations.Inc()
}

func (m *Metrics) ObserveFirstToken(model string, d time.Duration) {
	if m == nil {
		return
	}
	m.FirstToken.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) Settled(micro int64) {
	if m == nil || micro <= 0 {
		return
	}
	m.SettledMicro.Add(float64(micro))
}
