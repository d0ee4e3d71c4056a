package backup

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/virtbak/virtbak/internal/metrics"
	"github.com/virtbak/virtbak/internal/models"
)

func newTestScheduler(t *testing.T) (*Scheduler, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	m := metrics.New(prometheus.NewRegistry())
	s := NewScheduler(env.manager, env.store, nil, m, zerolog.Nop())
	t.Cleanup(func() {
		if s.Running() {
			_ = s.Stop()
		}
	})
	return s, env
}

func enableScheduler(t *testing.T, env *testEnv) {
	t.Helper()
	if _, err := env.store.UpdateSchedulerConfig(context.Background(), func(c *models.SchedulerConfig) error {
		c.Enabled = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s, env := newTestScheduler(t)
	ctx := context.Background()

	t.Run("start refuses when disabled", func(t *testing.T) {
		err := s.Start(ctx)
		var stateErr *SchedulerStateError
		if !errors.As(err, &stateErr) {
			t.Fatalf("expected SchedulerStateError, got %v", err)
		}
		if s.Running() {
			t.Error("scheduler must not run after a refused start")
		}
	})

	enableScheduler(t, env)

	t.Run("start and stop", func(t *testing.T) {
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if !s.Running() {
			t.Fatal("scheduler should be running")
		}
		if err := s.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if s.Running() {
			t.Fatal("scheduler should be stopped")
		}
	})

	t.Run("double start fails without side effects", func(t *testing.T) {
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		err := s.Start(ctx)
		var stateErr *SchedulerStateError
		if !errors.As(err, &stateErr) {
			t.Fatalf("expected SchedulerStateError, got %v", err)
		}
		if !s.Running() {
			t.Error("failed second start must not stop the scheduler")
		}
		if err := s.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	})

	t.Run("double stop fails", func(t *testing.T) {
		err := s.Stop()
		var stateErr *SchedulerStateError
		if !errors.As(err, &stateErr) {
			t.Fatalf("expected SchedulerStateError, got %v", err)
		}
	})
}

func TestSchedulerStatus(t *testing.T) {
	s, env := newTestScheduler(t)
	ctx := context.Background()

	status := s.GetStatus(ctx)
	if status.Running {
		t.Fatal("fresh scheduler should not be running")
	}
	if status.Enabled {
		t.Fatal("fresh scheduler should not report enabled")
	}

	enableScheduler(t, env)
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	status = s.GetStatus(ctx)
	if !status.Running {
		t.Fatal("status should report running")
	}
	if !status.Enabled {
		t.Fatal("status should report enabled from the stored config")
	}
	next, ok := status.NextRuns["retention"]
	if !ok {
		t.Fatal("retention trigger missing from status")
	}
	// Default retention schedule is daily at 06:00.
	if next.Hour() != 6 || next.Minute() != 0 {
		t.Errorf("retention next run at %02d:%02d, want 06:00", next.Hour(), next.Minute())
	}
	if !next.After(time.Now()) {
		t.Error("next run must be in the future")
	}
}

func TestSchedulerStatusIncludesVMTriggersAtStart(t *testing.T) {
	s, env := newTestScheduler(t)
	ctx := context.Background()

	sched := &models.ScheduleSpec{Cadence: models.CadenceDaily, TimeOfDay: "02:00"}
	if _, err := env.manager.ConfigureBackup(ctx, "100", sched, nil, ""); err != nil {
		t.Fatal(err)
	}

	enableScheduler(t, env)
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// The per-vm trigger must be visible immediately, not only after the
	// loop's first schedule refresh.
	status := s.GetStatus(ctx)
	next, ok := status.NextRuns["backup:100"]
	if !ok {
		t.Fatalf("backup trigger for vm 100 missing right after start; NextRuns=%v", status.NextRuns)
	}
	if next.Hour() != 2 || next.Minute() != 0 {
		t.Errorf("backup next run at %02d:%02d, want 02:00", next.Hour(), next.Minute())
	}
}

func TestSchedulerVMTriggerRefresh(t *testing.T) {
	s, env := newTestScheduler(t)
	ctx := context.Background()

	sched := &models.ScheduleSpec{Cadence: models.CadenceDaily, TimeOfDay: "02:00"}
	if _, err := env.manager.ConfigureBackup(ctx, "100", sched, nil, ""); err != nil {
		t.Fatal(err)
	}

	enableScheduler(t, env)
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	trig, ok := s.vmTriggers["backup:100"]
	s.mu.Unlock()

	if !ok {
		t.Fatal("per-vm backup trigger not created at start")
	}
	if trig.next.Hour() != 2 || trig.next.Minute() != 0 {
		t.Errorf("backup trigger next run at %02d:%02d, want 02:00", trig.next.Hour(), trig.next.Minute())
	}
	if until := time.Until(trig.next); until <= 0 || until > 24*time.Hour {
		t.Errorf("next run %v not within the coming day", trig.next)
	}

	status := s.GetStatus(ctx)
	if _, ok := status.NextRuns["backup:100"]; !ok {
		t.Error("per-vm backup trigger missing from scheduler status")
	}

	// Removing the schedule drops the trigger on the next refresh.
	if _, err := env.store.UpdateVMConfig(ctx, "100", func(c *models.VMBackupConfig) error {
		c.Schedule = nil
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	s.refreshVMTriggers(ctx, models.BackupTimes{Daily: "02:00"}, time.Now())
	_, ok = s.vmTriggers["backup:100"]
	s.mu.Unlock()
	if ok {
		t.Error("trigger should be removed when the vm schedule is cleared")
	}
}

func TestSchedulerCollectDue(t *testing.T) {
	s, env := newTestScheduler(t)
	enableScheduler(t, env)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	// Force the retention trigger due.
	var retention *trigger
	for _, trig := range s.static {
		if trig.name == "retention" {
			retention = trig
		}
	}
	if retention == nil {
		s.mu.Unlock()
		t.Fatal("retention trigger missing")
	}
	now := time.Now()
	retention.next = now.Add(-time.Second)
	due := s.collectDue(now)
	advanced := retention.next
	s.mu.Unlock()

	if len(due) != 1 || due[0].name != "retention" {
		t.Fatalf("due = %v, want the retention trigger only", due)
	}
	if !advanced.After(now) {
		t.Error("trigger schedule was not advanced after collection")
	}
}

func TestSchedulerUpdateConfig(t *testing.T) {
	s, env := newTestScheduler(t)
	ctx := context.Background()

	t.Run("merges top-level keys", func(t *testing.T) {
		patch := map[string]json.RawMessage{
			"notification": json.RawMessage(`{"enabled":true,"on_success":false,"on_failure":true,"webhook_url":"https://hooks.example/x"}`),
		}
		cfg, err := s.UpdateConfig(ctx, patch)
		if err != nil {
			t.Fatalf("UpdateConfig: %v", err)
		}
		if !cfg.Notification.Enabled || !cfg.Notification.OnFailure {
			t.Error("notification patch not applied")
		}
		// Untouched keys keep their defaults.
		if cfg.BackupSchedule.Daily != "02:00" {
			t.Error("unpatched backup_schedule changed")
		}
	})

	t.Run("rejects unknown keys", func(t *testing.T) {
		_, err := s.UpdateConfig(ctx, map[string]json.RawMessage{
			"frobnicate": json.RawMessage(`true`),
		})
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("rejects invalid embedded schedule", func(t *testing.T) {
		_, err := s.UpdateConfig(ctx, map[string]json.RawMessage{
			"retention_enforcement": json.RawMessage(`{"schedule":{"cadence":"daily","time_of_day":"25:99"}}`),
		})
		if err == nil {
			t.Fatal("expected validation error for bad time of day")
		}
	})

	t.Run("restarts a running scheduler", func(t *testing.T) {
		enableScheduler(t, env)
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
		patch := map[string]json.RawMessage{
			"retention_enforcement": json.RawMessage(`{"schedule":{"cadence":"daily","time_of_day":"23:30"}}`),
		}
		if _, err := s.UpdateConfig(ctx, patch); err != nil {
			t.Fatalf("UpdateConfig: %v", err)
		}
		if !s.Running() {
			t.Fatal("scheduler should still be running after the update")
		}
		next := s.GetStatus(ctx).NextRuns["retention"]
		if next.Hour() != 23 || next.Minute() != 30 {
			t.Errorf("retention next run at %02d:%02d, want 23:30", next.Hour(), next.Minute())
		}
	})
}

func TestSchedulerNotificationGating(t *testing.T) {
	env := newTestEnv(t)
	m := metrics.New(prometheus.NewRegistry())

	var delivered []NotificationEvent
	notifier := notifierFunc(func(_ context.Context, e NotificationEvent) {
		delivered = append(delivered, e)
	})
	s := NewScheduler(env.manager, env.store, notifier, m, zerolog.Nop())

	ctx := context.Background()
	s.notifyCfg = models.NotificationConfig{Enabled: true, OnSuccess: false, OnFailure: true}

	s.notify(ctx, NotificationEvent{Operation: "backup", VMID: "100", Success: true})
	if len(delivered) != 0 {
		t.Error("success event delivered despite on_success=false")
	}

	s.notify(ctx, NotificationEvent{Operation: "backup", VMID: "100", Success: false})
	if len(delivered) != 1 {
		t.Error("failure event not delivered despite on_failure=true")
	}

	s.notifyCfg.Enabled = false
	s.notify(ctx, NotificationEvent{Operation: "backup", VMID: "100", Success: false})
	if len(delivered) != 1 {
		t.Error("event delivered while notifications are disabled")
	}
}

func TestSchedulerDeduplicationFailureNotifies(t *testing.T) {
	env := newTestEnv(t)
	m := metrics.New(prometheus.NewRegistry())

	var delivered []NotificationEvent
	notifier := notifierFunc(func(_ context.Context, e NotificationEvent) {
		delivered = append(delivered, e)
	})
	s := NewScheduler(env.manager, env.store, notifier, m, zerolog.Nop())
	s.notifyCfg = models.NotificationConfig{Enabled: true, OnFailure: true}

	ctx := context.Background()

	// A storage location that is a plain file makes the artifact scan fail.
	badDir := filepath.Join(env.dir, "not-a-dir")
	if err := os.WriteFile(badDir, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.UpdateVMConfig(ctx, "100", func(c *models.VMBackupConfig) error {
		c.Storage = badDir
		c.RecordBackup(&models.BackupRecord{VMID: "100", File: filepath.Join(badDir, "100-a.vma"), Timestamp: time.Now()})
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	s.runDeduplication(ctx)

	if len(delivered) != 1 {
		t.Fatalf("delivered %d events, want 1 failure notification", len(delivered))
	}
	if delivered[0].Operation != "deduplication" || delivered[0].Success {
		t.Errorf("event = %+v, want a deduplication failure", delivered[0])
	}
}

type notifierFunc func(ctx context.Context, event NotificationEvent)

func (f notifierFunc) Notify(ctx context.Context, event NotificationEvent) { f(ctx, event) }
