package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/virtbak/virtbak/internal/metrics"
	"github.com/virtbak/virtbak/internal/models"
	"github.com/virtbak/virtbak/internal/store"
)

// Notifier delivers operation outcome notifications. Delivery failures are
// the notifier's problem; the scheduler never blocks on them beyond the call.
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent)
}

// NotificationEvent describes one completed scheduled operation.
type NotificationEvent struct {
	Operation string // backup, verification, recovery_test, retention, deduplication
	VMID      string
	Success   bool
	Message   string
	Timestamp time.Time
}

// vmConfigRefreshInterval is how often the scheduler reloads per-VM
// schedules from the store.
const vmConfigRefreshInterval = time.Minute

// trigger is one recurring scheduled operation.
type trigger struct {
	name  string
	sched cron.Schedule
	next  time.Time
	run   func(ctx context.Context)
}

// Scheduler fires backups, verification, recovery tests, retention sweeps,
// and deduplication reports on their configured cadences.
//
// Triggers execute serially in a single goroutine: the loop wakes every
// second, runs every due trigger to completion in order, then sleeps again.
// A long-running trigger delays later ones; it never overlaps them.
type Scheduler struct {
	manager  *Manager
	store    *store.Store
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	done        chan struct{}
	static      []*trigger
	vmTriggers  map[string]*trigger
	lastRefresh time.Time
	notifyCfg   models.NotificationConfig
}

// NewScheduler creates a stopped Scheduler. notifier may be nil.
func NewScheduler(manager *Manager, st *store.Store, notifier Notifier, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		manager:  manager,
		store:    st,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start builds the trigger set from the stored scheduler config and begins
// the poll loop. Starting a running scheduler fails without side effects.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return &SchedulerStateError{Op: "start", Reason: "already running"}
	}

	cfg, err := s.store.GetSchedulerConfig(ctx)
	if err != nil {
		return fmt.Errorf("load scheduler config: %w", err)
	}
	if !cfg.Enabled {
		return &SchedulerStateError{Op: "start", Reason: "scheduling is disabled in configuration"}
	}

	now := time.Now()
	static, err := s.buildStaticTriggers(cfg, now)
	if err != nil {
		return err
	}
	s.static = static
	s.vmTriggers = make(map[string]*trigger)
	s.refreshVMTriggers(ctx, cfg.BackupSchedule, now)
	s.lastRefresh = now
	s.notifyCfg = cfg.Notification

	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	go s.loop(cfg.BackupSchedule, s.stopCh, s.done)
	s.logger.Info().Int("triggers", len(static)+len(s.vmTriggers)).Msg("scheduler started")
	return nil
}

// Stop halts the poll loop and waits for any in-flight trigger to finish.
// Stopping a stopped scheduler fails without side effects.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return &SchedulerStateError{Op: "stop", Reason: "not running"}
	}
	close(s.stopCh)
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	Running  bool                 `json:"running"`
	Enabled  bool                 `json:"enabled"`
	NextRuns map[string]time.Time `json:"next_runs,omitempty"`
}

// GetStatus returns the running and enabled flags and the next fire time per
// trigger. Enabled comes from the stored config; a stopped scheduler can
// still be enabled (and vice versa, until the next restart).
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	enabled := false
	if cfg, err := s.store.GetSchedulerConfig(ctx); err == nil {
		enabled = cfg.Enabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	status := SchedulerStatus{Running: s.running, Enabled: enabled}
	if !s.running {
		return status
	}
	status.NextRuns = make(map[string]time.Time, len(s.static)+len(s.vmTriggers))
	for _, t := range s.static {
		status.NextRuns[t.name] = t.next
	}
	for _, t := range s.vmTriggers {
		status.NextRuns[t.name] = t.next
	}
	return status
}

// UpdateConfig merges the given top-level keys into the stored scheduler
// config. Keys absent from patch keep their current value; present keys are
// replaced wholesale. A running scheduler is restarted to pick up the change.
func (s *Scheduler) UpdateConfig(ctx context.Context, patch map[string]json.RawMessage) (*models.SchedulerConfig, error) {
	cfg, err := s.store.UpdateSchedulerConfig(ctx, func(c *models.SchedulerConfig) error {
		current, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode scheduler config: %w", err)
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(current, &doc); err != nil {
			return fmt.Errorf("decode scheduler config: %w", err)
		}
		for key, value := range patch {
			if _, known := doc[key]; !known {
				return &ValidationError{Field: key, Reason: "unknown scheduler config key"}
			}
			doc[key] = value
		}
		merged, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode merged config: %w", err)
		}
		var next models.SchedulerConfig
		if err := json.Unmarshal(merged, &next); err != nil {
			return &ValidationError{Field: "scheduler config", Reason: err.Error()}
		}
		*c = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.Running() {
		if err := s.Stop(); err != nil {
			return nil, err
		}
		if cfg.Enabled {
			if err := s.Start(ctx); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

// buildStaticTriggers creates the maintenance triggers that do not depend on
// per-VM schedules.
func (s *Scheduler) buildStaticTriggers(cfg *models.SchedulerConfig, now time.Time) ([]*trigger, error) {
	var triggers []*trigger

	add := func(name string, spec models.ScheduleSpec, defaultTime string, run func(ctx context.Context)) error {
		expr, err := spec.CronExpression(defaultTime)
		if err != nil {
			return fmt.Errorf("%s schedule: %w", name, err)
		}
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return fmt.Errorf("%s schedule: %w", name, err)
		}
		triggers = append(triggers, &trigger{
			name:  name,
			sched: sched,
			next:  sched.Next(now),
			run:   run,
		})
		return nil
	}

	if err := add("retention", cfg.RetentionEnforcement.Schedule, "", s.runRetentionSweep); err != nil {
		return nil, err
	}
	if cfg.RecoveryTesting.Enabled {
		vms := cfg.RecoveryTesting.VMs
		if err := add("recovery_test", cfg.RecoveryTesting.Schedule, "", func(ctx context.Context) {
			s.runRecoveryTests(ctx, vms)
		}); err != nil {
			return nil, err
		}
	}
	if cfg.Deduplication.Enabled {
		if err := add("deduplication", cfg.Deduplication.Schedule, "", s.runDeduplication); err != nil {
			return nil, err
		}
	}
	return triggers, nil
}

// refreshVMTriggers reconciles the per-VM backup triggers against the store.
// Unchanged schedules keep their computed next fire time.
func (s *Scheduler) refreshVMTriggers(ctx context.Context, times models.BackupTimes, now time.Time) {
	configs, err := s.store.ListVMConfigs(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("error refreshing vm schedules")
		return
	}

	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if cfg.Schedule == nil {
			continue
		}
		name := "backup:" + cfg.VMID
		seen[name] = true

		expr, err := cfg.Schedule.CronExpression(times.DefaultTimeFor(cfg.Schedule.Cadence))
		if err != nil {
			s.logger.Warn().Err(err).Str("vmid", cfg.VMID).Msg("skipping vm with invalid schedule")
			continue
		}
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			s.logger.Warn().Err(err).Str("vmid", cfg.VMID).Msg("skipping vm with unparseable schedule")
			continue
		}

		vmID := cfg.VMID
		if existing, ok := s.vmTriggers[name]; ok {
			existing.sched = sched
			continue
		}
		s.vmTriggers[name] = &trigger{
			name:  name,
			sched: sched,
			next:  sched.Next(now),
			run: func(ctx context.Context) {
				s.runVMBackup(ctx, vmID)
			},
		}
	}

	for name := range s.vmTriggers {
		if !seen[name] {
			delete(s.vmTriggers, name)
		}
	}
}

// loop is the serial poll loop. It wakes every second and runs due triggers
// in order, one at a time.
func (s *Scheduler) loop(times models.BackupTimes, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			if now.Sub(s.lastRefresh) >= vmConfigRefreshInterval {
				s.refreshVMTriggers(context.Background(), times, now)
				s.lastRefresh = now
			}
			due := s.collectDue(now)
			s.mu.Unlock()

			for _, t := range due {
				select {
				case <-stopCh:
					return
				default:
				}
				s.fire(t)
			}
		}
	}
}

// collectDue returns every trigger whose next fire time has passed and
// advances their schedules. Caller holds the lock.
func (s *Scheduler) collectDue(now time.Time) []*trigger {
	var due []*trigger
	for _, t := range s.static {
		if !t.next.IsZero() && !now.Before(t.next) {
			due = append(due, t)
			t.next = t.sched.Next(now)
		}
	}
	for _, t := range s.vmTriggers {
		if !t.next.IsZero() && !now.Before(t.next) {
			due = append(due, t)
			t.next = t.sched.Next(now)
		}
	}
	return due
}

// fire runs one trigger, isolating panics so a bad job cannot kill the loop.
func (s *Scheduler) fire(t *trigger) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("trigger", t.name).Interface("panic", r).Msg("trigger panicked")
		}
	}()
	s.metrics.SchedulerTriggers.WithLabelValues(t.name).Inc()
	s.logger.Info().Str("trigger", t.name).Msg("running scheduled trigger")
	t.run(context.Background())
}

// notify delivers an event if the notification config allows it.
func (s *Scheduler) notify(ctx context.Context, event NotificationEvent) {
	if s.notifier == nil {
		return
	}
	s.mu.Lock()
	cfg := s.notifyCfg
	s.mu.Unlock()

	if !cfg.Enabled {
		return
	}
	if event.Success && !cfg.OnSuccess {
		return
	}
	if !event.Success && !cfg.OnFailure {
		return
	}
	s.notifier.Notify(ctx, event)
}

// runVMBackup performs one scheduled backup, then verifies the artifact if
// automatic verification is enabled.
func (s *Scheduler) runVMBackup(ctx context.Context, vmID string) {
	rec, err := s.manager.CreateBackup(ctx, vmID, models.BackupModeSnapshot, CreateOptions{})
	event := NotificationEvent{Operation: "backup", VMID: vmID, Timestamp: time.Now()}
	if err != nil {
		s.logger.Error().Err(err).Str("vmid", vmID).Msg("scheduled backup failed")
		event.Message = err.Error()
		s.notify(ctx, event)
		return
	}
	event.Success = true
	event.Message = fmt.Sprintf("backup %s created (%d bytes)", rec.File, rec.SizeBytes)
	s.notify(ctx, event)

	settings, err := s.store.GetBackupSettings(ctx)
	if err != nil || !settings.Verification.Enabled {
		return
	}
	report, err := s.manager.VerifyBackup(ctx, vmID, rec.File)
	vEvent := NotificationEvent{Operation: "verification", VMID: vmID, Timestamp: time.Now()}
	if err != nil {
		s.logger.Error().Err(err).Str("vmid", vmID).Msg("post-backup verification failed to run")
		vEvent.Message = err.Error()
		s.notify(ctx, vEvent)
		return
	}
	vEvent.Success = report.Success
	if report.Success {
		vEvent.Message = fmt.Sprintf("artifact %s verified", rec.File)
	} else {
		vEvent.Message = fmt.Sprintf("artifact %s failed verification: %v", rec.File, report.Errors)
	}
	s.notify(ctx, vEvent)
}

// runRetentionSweep sweeps every configured VM.
func (s *Scheduler) runRetentionSweep(ctx context.Context) {
	results, err := s.manager.CleanupAllOldBackups(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention sweep could not list vms")
		return
	}
	for _, res := range results {
		if res.Err != nil {
			s.logger.Error().Err(res.Err).Str("vmid", res.VMID).Msg("retention sweep failed")
			s.notify(ctx, NotificationEvent{
				Operation: "retention", VMID: res.VMID, Message: res.Err.Error(), Timestamp: time.Now(),
			})
			continue
		}
		if len(res.Deleted) > 0 {
			s.notify(ctx, NotificationEvent{
				Operation: "retention", VMID: res.VMID, Success: true,
				Message:   fmt.Sprintf("removed %d expired artifacts", len(res.Deleted)),
				Timestamp: time.Now(),
			})
		}
	}
}

// runRecoveryTests tests the listed VMs, or every VM with a backup when the
// list is empty.
func (s *Scheduler) runRecoveryTests(ctx context.Context, vms []string) {
	results, err := s.manager.TestAllBackupRecoveries(ctx, vms)
	if err != nil {
		s.logger.Error().Err(err).Msg("recovery testing could not list vms")
		return
	}
	for _, res := range results {
		event := NotificationEvent{Operation: "recovery_test", VMID: res.VMID, Timestamp: time.Now()}
		if res.Err != nil {
			s.logger.Error().Err(res.Err).Str("vmid", res.VMID).Msg("scheduled recovery test failed to run")
			event.Message = res.Err.Error()
			s.notify(ctx, event)
			continue
		}
		event.Success = res.Report.Success
		if res.Report.Success {
			event.Message = fmt.Sprintf("artifact %s booted on scratch vm %s", res.Report.File, res.Report.ScratchVMID)
		} else {
			event.Message = res.Report.Error
		}
		s.notify(ctx, event)
	}
}

// runDeduplication refreshes the dedup estimate for every VM with backups.
func (s *Scheduler) runDeduplication(ctx context.Context) {
	results, err := s.manager.RefreshAllDeduplication(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("deduplication could not list vms")
		return
	}
	for _, res := range results {
		if res.Err != nil {
			s.logger.Error().Err(res.Err).Str("vmid", res.VMID).Msg("deduplication report failed")
			s.notify(ctx, NotificationEvent{
				Operation: "deduplication", VMID: res.VMID, Message: res.Err.Error(), Timestamp: time.Now(),
			})
		}
	}
}
