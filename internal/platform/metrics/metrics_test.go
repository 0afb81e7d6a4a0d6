package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncrementCommit("UPDATE")
	m.IncrementCommit("UPDATE")
	m.IncrementConflict("restore")
	m.AddPendingReviews(3)
	m.AddPendingReviews(0)
	m.IncrementDelivery("postgres", "delivered")
	m.IncrementDropped()
	m.SetQueueDepth(7)
	m.ObserveWrite("UPDATE", 15*time.Millisecond)

	if got := testutil.ToFloat64(m.Commits.WithLabelValues("UPDATE")); got != 2 {
		t.Errorf("expected 2 commits, got %v", got)
	}
	if got := testutil.ToFloat64(m.VersionConflicts.WithLabelValues("restore")); got != 1 {
		t.Errorf("expected 1 conflict, got %v", got)
	}
	if got := testutil.ToFloat64(m.PendingReviews); got != 3 {
		t.Errorf("expected 3 pending reviews, got %v", got)
	}
	if got := testutil.ToFloat64(m.SideChannelDeliveries.WithLabelValues("postgres", "delivered")); got != 1 {
		t.Errorf("expected 1 delivery, got %v", got)
	}
	if got := testutil.ToFloat64(m.SideChannelQueueDepth); got != 7 {
		t.Errorf("expected queue depth 7, got %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.IncrementCommit("CREATE")
	m.IncrementConflict("update")
	m.ObserveWrite("CREATE", time.Millisecond)
	m.AddPendingReviews(1)
	m.IncrementObservationalFailure("VIEW")
	m.IncrementIntegrityViolation()
	m.IncrementDelivery("redis", "retried")
	m.IncrementDropped()
	m.SetQueueDepth(1)
}
