package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics records dispatcher activity.
type OutboxMetrics struct {
	batchDuration prometheus.Histogram
	dispatched    *prometheus.CounterVec
	retried       *prometheus.CounterVec
	deadLettered  *prometheus.CounterVec
	claimsLost    prometheus.Counter
}

// NewOutboxMetrics registers the dispatcher metrics on the provided registerer.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_batch_duration_seconds",
		Help:    "Duration of one dispatch batch in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	dispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dispatched_total",
		Help: "Outbox messages marked done.",
	}, []string{"event_type"})
	retried := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_retried_total",
		Help: "Outbox messages scheduled for retry.",
	}, []string{"event_type"})
	deadLettered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dead_lettered_total",
		Help: "Outbox messages moved to the dead letter queue.",
	}, []string{"event_type"})
	claimsLost := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_claims_lost_total",
		Help: "Fetched rows claimed first by another dispatcher.",
	})
	reg.MustRegister(batchDuration, dispatched, retried, deadLettered, claimsLost)
	return &OutboxMetrics{
		batchDuration: batchDuration,
		dispatched:    dispatched,
		retried:       retried,
		deadLettered:  deadLettered,
		claimsLost:    claimsLost,
	}
}

// ObserveBatch records the duration of one dispatch batch.
func (m *OutboxMetrics) ObserveBatch(duration time.Duration) {
	if m == nil || m.batchDuration == nil {
		return
	}
	m.batchDuration.Observe(duration.Seconds())
}

// IncDispatched increments the done counter for the event type.
func (m *OutboxMetrics) IncDispatched(eventType string) {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncRetried increments the retry counter for the event type.
func (m *OutboxMetrics) IncRetried(eventType string) {
	if m == nil || m.retried == nil {
		return
	}
	m.retried.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncDeadLettered increments the dead letter counter for the event type.
func (m *OutboxMetrics) IncDeadLettered(eventType string) {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncClaimLost increments the lost-claim counter.
func (m *OutboxMetrics) IncClaimLost() {
	if m == nil || m.claimsLost == nil {
		return
	}
	m.claimsLost.Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
