package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the record versioning engine and its
// audit side channel. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Accepted mutations by action (CREATE, UPDATE, DELETE, RESTORE)
	Commits *prometheus.CounterVec

	// Optimistic-concurrency failures by operation
	VersionConflicts *prometheus.CounterVec

	WriteLatency *prometheus.HistogramVec

	PendingReviews prometheus.Counter

	// Best-effort audit writes that failed (VIEW, EXPORT, PRINT)
	ObservationalFailures *prometheus.CounterVec

	IntegrityViolations prometheus.Counter

	// Side channel deliveries by sink and outcome (delivered, retried, dead_letter)
	SideChannelDeliveries *prometheus.CounterVec
	SideChannelDropped    prometheus.Counter
	SideChannelQueueDepth prometheus.Gauge
}

// New registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anamnesis_commits_total",
			Help: "Total accepted clinical record mutations by action",
		}, []string{"action"}),

		VersionConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anamnesis_version_conflicts_total",
			Help: "Total optimistic-concurrency conflicts by operation",
		}, []string{"operation"}),

		WriteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anamnesis_write_duration_seconds",
			Help:    "Duration of the transactional write path by action",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"action"}),

		PendingReviews: f.NewCounter(prometheus.CounterOpts{
			Name: "anamnesis_pending_reviews_total",
			Help: "Total pending review rows enqueued for critical field changes",
		}),

		ObservationalFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anamnesis_observational_audit_failures_total",
			Help: "Total best-effort audit writes that failed by action",
		}, []string{"action"}),

		IntegrityViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "anamnesis_integrity_violations_total",
			Help: "Total snapshots whose recomputed integrity hash did not match",
		}),

		SideChannelDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anamnesis_sidechannel_deliveries_total",
			Help: "Side channel delivery attempts by sink and outcome",
		}, []string{"sink", "outcome"}),

		SideChannelDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "anamnesis_sidechannel_dropped_total",
			Help: "Events dropped because the side channel queue was full",
		}),

		SideChannelQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "anamnesis_sidechannel_queue_depth",
			Help: "Events waiting in the side channel queue",
		}),
	}
}

func (m *Metrics) IncrementCommit(action string) {
	if m != nil {
		m.Commits.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) IncrementConflict(operation string) {
	if m != nil {
		m.VersionConflicts.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) ObserveWrite(action string, d time.Duration) {
	if m != nil {
		m.WriteLatency.WithLabelValues(action).Observe(d.Seconds())
	}
}

func (m *Metrics) AddPendingReviews(n int) {
	if m != nil && n > 0 {
		m.PendingReviews.Add(float64(n))
	}
}

func (m *Metrics) IncrementObservationalFailure(action string) {
	if m != nil {
		m.ObservationalFailures.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) IncrementIntegrityViolation() {
	if m != nil {
		m.IntegrityViolations.Inc()
	}
}

func (m *Metrics) IncrementDelivery(sink, outcome string) {
	if m != nil {
		m.SideChannelDeliveries.WithLabelValues(sink, outcome).Inc()
	}
}

func (m *Metrics) IncrementDropped() {
	if m != nil {
		m.SideChannelDropped.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.SideChannelQueueDepth.Set(float64(n))
	}
}
