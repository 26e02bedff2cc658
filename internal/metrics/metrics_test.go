package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filekeep/filekeep/internal/retention"
)

func TestInit(t *testing.T) {
	m := Init(prometheus.NewRegistry())
	require.NotNil(t, m)

	require.NotNil(t, m.ReconcileRuns)
	require.NotNil(t, m.FilesDeleted)
	require.NotNil(t, m.BytesFreed)
	require.NotNil(t, m.DeleteFailures)
	require.NotNil(t, m.LastRunFiles)
	require.NotNil(t, m.LastRunUnixtime)
	require.NotNil(t, m.BackupsCreated)
	require.NotNil(t, m.BackupsSkipped)
	require.NotNil(t, m.BackupsPruned)
	require.NotNil(t, m.Restores)

	// Subsequent Init calls return the same instance.
	assert.Same(t, m, Init(prometheus.NewRegistry()))
	assert.Same(t, m, Init(nil))
}

func TestMetrics_ObserveReport(t *testing.T) {
	m := Init(prometheus.NewRegistry())

	runsBefore := testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("success"))
	bytesBefore := testutil.ToFloat64(m.BytesFreed)
	failuresBefore := testutil.ToFloat64(m.DeleteFailures)

	report := &retention.Report{
		TotalFiles: 7,
		Deleted: []retention.Deletion{
			{Reason: retention.ReasonGroupCap},
			{Reason: retention.ReasonGroupCap},
			{Reason: retention.ReasonTooOld},
		},
		FreedBytes:    4096,
		FailedDeletes: 1,
	}
	m.ObserveReport(report, 1700000000)

	assert.Equal(t, runsBefore+1, testutil.ToFloat64(m.ReconcileRuns.WithLabelValues("success")))
	assert.Equal(t, bytesBefore+4096, testutil.ToFloat64(m.BytesFreed))
	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(m.DeleteFailures))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.LastRunFiles))
	assert.Equal(t, float64(1700000000), testutil.ToFloat64(m.LastRunUnixtime))
}
