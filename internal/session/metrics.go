package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for engine activity. A nil *Metrics
// records nothing.
type Metrics struct {
	started         *prometheus.CounterVec
	finished        *prometheus.CounterVec
	active          prometheus.Gauge
	rejected        prometheus.Counter
	messages        *prometheus.CounterVec
	recordsIgnored  *prometheus.CounterVec
	cost            prometheus.Histogram
	sessionDuration prometheus.Histogram
}

// MustNewMetrics constructs a Metrics instance registered with reg. Tests
// should pass a fresh prometheus.NewRegistry(). Registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "sessions_started_total",
			Help:      "Sessions admitted, by transport.",
		}, []string{"transport"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "sessions_finished_total",
			Help:      "Sessions finalized, by terminal status and failure kind.",
		}, []string{"status", "failure"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentd",
			Name:      "sessions_active",
			Help:      "Sessions currently starting or running.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "admission_rejected_total",
			Help:      "Start requests rejected by the concurrency ceiling.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "timeline_messages_total",
			Help:      "Timeline messages appended, by kind.",
		}, []string{"kind"}),
		recordsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "stream_records_ignored_total",
			Help:      "Stream records that produced no effect, by reason.",
		}, []string{"reason"}),
		cost: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentd",
			Name:      "session_cost_usd",
			Help:      "Reported cost of finished sessions.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentd",
			Name:      "session_duration_seconds",
			Help:      "Wall-clock time from creation to finalization.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(m.started, m.finished, m.active, m.rejected, m.messages, m.recordsIgnored, m.cost, m.sessionDuration)
	return m
}

func (m *Metrics) sessionStarted(t Transport) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(string(t)).Inc()
	m.active.Inc()
}

func (m *Metrics) sessionFinished(s Status, f FailureKind, cost float64, d time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(s), string(f)).Inc()
	m.active.Dec()
	m.cost.Observe(cost)
	m.sessionDuration.Observe(d.Seconds())
}

func (m *Metrics) admissionRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) messageAppended(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordIgnored(reason string) {
	if m == nil {
		return
	}
	m.recordsIgnored.WithLabelValues(reason).Inc()
}
