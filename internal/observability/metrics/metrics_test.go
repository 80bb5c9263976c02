package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSessionMetrics(reg)
	m.ObserveTransition("start_requested", "selecting", "starting")
	m.ObserveTransition("start_requested", "selecting", "starting")
	m.ObserveRejection("start_requested", "in_flight")
	m.ObserveStart(true, 0.2)
	m.ObserveAttach(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("start_requested", "selecting", "starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("start_requested", "in_flight")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attachments.WithLabelValues("error")))
}

func TestSearchMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSearchMetrics(reg)
	m.ObserveOutcome("fallback")
	m.ObserveOutcome("results")
	m.ObserveOutcome("fallback")
	m.ObserveLatency(0.05)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("fallback")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestMetricsNilSafe(t *testing.T) {
	var s *SessionMetrics
	s.ObserveTransition("e", "a", "b")
	s.ObserveRejection("e", "r")
	s.ObserveStart(false, 0.1)
	s.ObserveAttach(true)

	var q *SearchMetrics
	q.ObserveOutcome("results")
	q.ObserveLatency(0.1)
}
