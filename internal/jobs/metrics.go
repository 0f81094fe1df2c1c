package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and ledger runs.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	accountSyncs  *prometheus.CounterVec
	discrepancies *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddAccountSync counts one per-account sync outcome (success, failure or
// skipped) for the given mode.
func (m *Metrics) AddAccountSync(mode, result string) {
	if m == nil {
		return
	}
	m.accountSyncs.WithLabelValues(mode, result).Inc()
}

// AddDiscrepancies increments the integrity discrepancy counter.
func (m *Metrics) AddDiscrepancies(kind, severity string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.discrepancies.WithLabelValues(kind, severity).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
	}, []string{"job"})
	accountSyncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_debt_accounts_synced_total",
		Help: "Per-account debt ledger syncs grouped by mode and result.",
	}, []string{"mode", "result"})
	discrepancies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_debt_discrepancies_total",
		Help: "Debt ledger integrity discrepancies grouped by type and severity.",
	}, []string{"type", "severity"})
	registerer.MustRegister(runs, failures, duration, accountSyncs, discrepancies)
	return &Metrics{
		runs:          runs,
		failures:      failures,
		duration:      duration,
		accountSyncs:  accountSyncs,
		discrepancies: discrepancies,
	}
}
