package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	require.NoError(t, metrics.Track("debt:sync_all").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, metrics.Track("debt:sync_all").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("debt:sync_all", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("debt:sync_all", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.failures.WithLabelValues("debt:sync_all")))
}

func TestLedgerCounters(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.AddAccountSync("full", "success")
	metrics.AddAccountSync("full", "success")
	metrics.AddAccountSync("full", "failure")
	metrics.AddDiscrepancies("MATH_ERROR", "CRITICAL", 3)
	metrics.AddDiscrepancies("MISSING_DATA", "MEDIUM", 0)

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.accountSyncs.WithLabelValues("full", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.accountSyncs.WithLabelValues("full", "failure")))
	require.Equal(t, 3.0, testutil.ToFloat64(metrics.discrepancies.WithLabelValues("MATH_ERROR", "CRITICAL")))
	require.Equal(t, 1, testutil.CollectAndCount(metrics.discrepancies, "odyssey_debt_discrepancies_total"))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.AddAccountSync("snapshot", "success")
	metrics.AddDiscrepancies("MATH_ERROR", "CRITICAL", 1)
	require.NoError(t, metrics.Track("noop").End(nil))
}
