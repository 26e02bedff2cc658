// Package metrics exposes Prometheus metrics for retention and backup runs.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filekeep/filekeep/internal/retention"
)

// metricsOnce ensures metrics are only registered once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for filekeep.
type Metrics struct {
	// Reconcile metrics
	ReconcileRuns   *prometheus.CounterVec // filekeep_reconcile_runs_total{outcome}
	FilesDeleted    *prometheus.CounterVec // filekeep_files_deleted_total{reason}
	BytesFreed      prometheus.Counter     // filekeep_bytes_freed_total
	DeleteFailures  prometheus.Counter     // filekeep_delete_failures_total
	LastRunFiles    prometheus.Gauge       // filekeep_last_run_files
	LastRunUnixtime prometheus.Gauge       // filekeep_last_run_timestamp_seconds

	// Backup metrics
	BackupsCreated prometheus.Counter // filekeep_backups_created_total
	BackupsSkipped prometheus.Counter // filekeep_backups_skipped_total
	BackupsPruned  prometheus.Counter // filekeep_backups_pruned_total
	Restores       prometheus.Counter // filekeep_restores_total
}

// Init initializes all filekeep metrics. Metrics are only registered once;
// subsequent calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			ReconcileRuns: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "filekeep_reconcile_runs_total",
				Help: "Total reconcile runs by outcome",
			}, []string{"outcome"}),

			FilesDeleted: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "filekeep_files_deleted_total",
				Help: "Total artifacts deleted by retention rule",
			}, []string{"reason"}),

			BytesFreed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filekeep_bytes_freed_total",
				Help: "Total bytes freed by reconcile runs",
			}),

			DeleteFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filekeep_delete_failures_total",
				Help: "Total tolerated per-file deletion failures",
			}),

			LastRunFiles: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filekeep_last_run_files",
				Help: "Artifacts found by the most recent reconcile run",
			}),

			LastRunUnixtime: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "filekeep_last_run_timestamp_seconds",
				Help: "Unix time of the most recent reconcile run",
			}),

			BackupsCreated: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filekeep_backups_created_total",
				Help: "Total backups created",
			}),

			BackupsSkipped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filekeep_backups_skipped_total",
				Help: "Total backup requests skipped because the original was missing",
			}),

			BackupsPruned: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filekeep_backups_pruned_total",
				Help: "Total backups removed by the store policy",
			}),

			Restores: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "filekeep_restores_total",
				Help: "Total backup restores",
			}),
		}
	})
	return metricsInstance
}

// ObserveReport records a reconcile report.
func (m *Metrics) ObserveReport(report *retention.Report, when float64) {
	m.ReconcileRuns.WithLabelValues("success").Inc()
	for reason, count := range report.ReasonCounts() {
		m.FilesDeleted.WithLabelValues(reason.String()).Add(float64(count))
	}
	m.BytesFreed.Add(float64(report.FreedBytes))
	m.DeleteFailures.Add(float64(report.FailedDeletes))
	m.LastRunFiles.Set(float64(report.TotalFiles))
	m.LastRunUnixtime.Set(when)
}
