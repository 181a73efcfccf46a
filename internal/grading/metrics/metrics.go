package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"gradewell/internal/grading/model"
	"gradewell/pkg/utils/logger"
)

// Metrics holds the grading worker's Prometheus instruments. A nil *Metrics
// is valid and records nothing, so wiring is optional in tests.
type Metrics struct {
	jobsTotal       *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	execErrorsTotal *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
}

// New registers the grading instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradewell",
			Subsystem: "grading",
			Name:      "jobs_total",
			Help:      "Grading jobs processed, by phase and outcome.",
		}, []string{"phase", "outcome"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradewell",
			Subsystem: "grading",
			Name:      "retries_total",
			Help:      "Transient-failure retries scheduled, by phase.",
		}, []string{"phase"}),
		execErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradewell",
			Subsystem: "grading",
			Name:      "exec_errors_total",
			Help:      "Execution service failures, by phase and stage.",
		}, []string{"phase", "stage"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gradewell",
			Subsystem: "grading",
			Name:      "job_duration_seconds",
			Help:      "End-to-end grading job latency, by phase and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase", "outcome"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gradewell",
			Subsystem: "grading",
			Name:      "submissions_by_status",
			Help:      "Current submission count per status.",
		}, []string{"status"}),
	}
}

// ObserveJob records one finished job and its latency.
func (m *Metrics) ObserveJob(phase, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(phase, outcome).Inc()
	m.jobDuration.WithLabelValues(phase, outcome).Observe(elapsed.Seconds())
}

// IncRetry records one scheduled retry.
func (m *Metrics) IncRetry(phase string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(phase).Inc()
}

// IncExecError records one execution service failure at the given stage.
func (m *Metrics) IncExecError(phase, stage string) {
	if m == nil {
		return
	}
	m.execErrorsTotal.WithLabelValues(phase, stage).Inc()
}

// StatusCounter is the slice of the submission repository the depth
// watcher needs.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[model.Status]int64, error)
}

// WatchQueueDepth refreshes the per-status submission gauge every interval
// until ctx is cancelled.
func (m *Metrics) WatchQueueDepth(ctx context.Context, counter StatusCounter, interval time.Duration) {
	if m == nil || counter == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		counts, err := counter.CountByStatus(ctx)
		if err != nil {
			logger.Warn(ctx, "queue depth refresh failed", zap.Error(err))
		} else {
			for _, status := range []model.Status{model.StatusPending, model.StatusGrading, model.StatusGraded, model.StatusError} {
				m.queueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
