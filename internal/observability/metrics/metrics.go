package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "clinic_scribe"

// SessionMetrics exposes counters for the session lifecycle.
type SessionMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	startCalls  *prometheus.HistogramVec
	attachments *prometheus.CounterVec
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Accepted session lifecycle transitions",
		}, []string{"event", "from", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rejections_total",
			Help:      "Session events rejected by the state machine",
		}, []string{"event", "reason"}),
		startCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "start_latency_seconds",
			Help:      "Latency of start-session calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		attachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "summary_attach_total",
			Help:      "Summary attach attempts by result",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitions, m.rejections, m.startCalls, m.attachments)
	return m
}

func (m *SessionMetrics) ObserveTransition(event, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, from, to).Inc()
}

func (m *SessionMetrics) ObserveRejection(event, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(event, reason).Inc()
}

func (m *SessionMetrics) ObserveStart(ok bool, seconds float64) {
	if m == nil {
		return
	}
	m.startCalls.WithLabelValues(statusLabel(ok)).Observe(seconds)
}

func (m *SessionMetrics) ObserveAttach(ok bool) {
	if m == nil {
		return
	}
	m.attachments.WithLabelValues(statusLabel(ok)).Inc()
}

// SearchMetrics exposes counters/histograms for appointment searches.
type SearchMetrics struct {
	outcomes *prometheus.CounterVec
	latency  prometheus.Histogram
}

func NewSearchMetrics(reg prometheus.Registerer) *SearchMetrics {
	m := &SearchMetrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointment_search",
			Name:      "outcomes_total",
			Help:      "Appointment search outcomes by classification",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "appointment_search",
			Name:      "latency_seconds",
			Help:      "Latency of appointment search calls",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.outcomes, m.latency)
	return m
}

// ObserveOutcome counts one search by outcome label, e.g. "results",
// "fallback" or a failure kind.
func (m *SearchMetrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *SearchMetrics) ObserveLatency(seconds float64) {
	if m == nil {
		return
	}
	m.latency.Observe(seconds)
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
