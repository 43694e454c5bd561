package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_CountersIncrementIndependently(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RunSucceeded.Inc()
	m.RunSucceeded.Inc()
	m.RunFailed.Inc()

	if got := testutil.ToFloat64(m.RunSucceeded); got != 2 {
		t.Fatalf("expected RunSucceeded = 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.RunFailed); got != 1 {
		t.Fatalf("expected RunFailed = 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.RunWarn); got != 0 {
		t.Fatalf("expected untouched counter RunWarn = 0, got %v", got)
	}
}

func TestNew_QueueDepthIsPerTenant(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.QueueDepth.WithLabelValues("tenant-a").Set(3)
	m.QueueDepth.WithLabelValues("tenant-b").Set(7)

	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("tenant-a")); got != 3 {
		t.Fatalf("expected tenant-a depth 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("tenant-b")); got != 7 {
		t.Fatalf("expected tenant-b depth 7, got %v", got)
	}
}
