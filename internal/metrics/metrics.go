// Package metrics exposes Prometheus instrumentation for the backup engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	BackupsTotal         *prometheus.CounterVec
	BackupBytes          prometheus.Counter
	BackupDuration       prometheus.Histogram
	VerificationsTotal   *prometheus.CounterVec
	RestoresTotal        *prometheus.CounterVec
	RestoresRefused      prometheus.Counter
	RecoveryTestsTotal   *prometheus.CounterVec
	RetentionDeleted     prometheus.Counter
	RetentionFailures    prometheus.Counter
	SchedulerTriggers    *prometheus.CounterVec
	RemoteUploadFailures prometheus.Counter
}

// New registers the engine collectors on reg and returns them. Pass a fresh
// registry in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BackupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "virtbak_backups_total",
			Help: "Backup operations by outcome.",
		}, []string{"outcome"}),
		BackupBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "virtbak_backup_bytes_total",
			Help: "Total bytes of backup artifacts produced.",
		}),
		BackupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "virtbak_backup_duration_seconds",
			Help:    "Backup operation duration.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		VerificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "virtbak_verifications_total",
			Help: "Verification passes by outcome.",
		}, []string{"outcome"}),
		RestoresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "virtbak_restores_total",
			Help: "Restore operations by outcome.",
		}, []string{"outcome"}),
		RestoresRefused: factory.NewCounter(prometheus.CounterOpts{
			Name: "virtbak_restores_refused_total",
			Help: "Restores refused because the artifact was not verified.",
		}),
		RecoveryTestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "virtbak_recovery_tests_total",
			Help: "Recovery tests by outcome.",
		}, []string{"outcome"}),
		RetentionDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "virtbak_retention_deleted_total",
			Help: "Artifacts removed by retention sweeps.",
		}),
		RetentionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "virtbak_retention_delete_failures_total",
			Help: "Artifact deletions that failed during retention sweeps.",
		}),
		SchedulerTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "virtbak_scheduler_triggers_total",
			Help: "Scheduler trigger executions by trigger name.",
		}, []string{"trigger"}),
		RemoteUploadFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "virtbak_remote_upload_failures_total",
			Help: "Off-site artifact uploads that failed.",
		}),
	}
}

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Outcome maps a boolean result to its label value.
func Outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
