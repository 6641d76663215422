package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewOutboxMetricsNilRegisterer(t *testing.T) {
	m := NewOutboxMetrics(nil)
	if m == nil {
		t.Fatal("expected metrics value")
	}
	// No-op recorders must not panic.
	m.ObserveBatch(time.Second)
	m.IncDispatched("order_created")
	m.IncRetried("order_created")
	m.IncDeadLettered("order_created")
	m.IncClaimLost()
}

func TestNewOutboxMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)
	m.ObserveBatch(250 * time.Millisecond)
	m.IncDispatched("order_created")
	m.IncDeadLettered("")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"outbox_batch_duration_seconds",
		"outbox_dispatched_total",
		"outbox_dead_lettered_total",
	} {
		if !names[want] {
			t.Fatalf("metric %s not registered", want)
		}
	}
}

func TestNormalizeLabel(t *testing.T) {
	if got := normalizeLabel(""); got != "unknown" {
		t.Fatalf("normalizeLabel(\"\") = %q", got)
	}
	if got := normalizeLabel("order_paid"); got != "order_paid" {
		t.Fatalf("normalizeLabel passthrough = %q", got)
	}
}
