package models

import "fmt"

// BackupTimes holds the default times-of-day applied to VM backup schedules
// that do not carry their own TimeOfDay qualifier.
type BackupTimes struct {
	Daily   string `json:"daily"`
	Weekly  string `json:"weekly"`
	Monthly string `json:"monthly"`
}

// RecoveryTestingConfig controls the scheduler's recovery-testing trigger.
// An empty VMs list means "all VMs that have at least one backup".
type RecoveryTestingConfig struct {
	Enabled  bool         `json:"enabled"`
	Schedule ScheduleSpec `json:"schedule"`
	VMs      []string     `json:"vms,omitempty"`
}

// RetentionEnforcementConfig controls the retention sweep trigger.
type RetentionEnforcementConfig struct {
	Schedule ScheduleSpec `json:"schedule"`
}

// DeduplicationConfig controls the deduplication report trigger.
type DeduplicationConfig struct {
	Enabled  bool         `json:"enabled"`
	Schedule ScheduleSpec `json:"schedule"`
}

// NotificationConfig gates notification delivery per outcome.
type NotificationConfig struct {
	Enabled    bool   `json:"enabled"`
	OnSuccess  bool   `json:"on_success"`
	OnFailure  bool   `json:"on_failure"`
	Email      string `json:"email,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// SchedulerConfig is the process-wide scheduler document.
type SchedulerConfig struct {
	Enabled              bool                       `json:"enabled"`
	BackupSchedule       BackupTimes                `json:"backup_schedule"`
	RecoveryTesting      RecoveryTestingConfig      `json:"recovery_testing"`
	RetentionEnforcement RetentionEnforcementConfig `json:"retention_enforcement"`
	Deduplication        DeduplicationConfig        `json:"deduplication"`
	Notification         NotificationConfig         `json:"notification"`
}

// DefaultSchedulerConfig returns a disabled scheduler with nightly
// maintenance windows staggered so the serial loop never sees two
// long-running triggers due at once.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled: false,
		BackupSchedule: BackupTimes{
			Daily:   "02:00",
			Weekly:  "03:00",
			Monthly: "04:00",
		},
		RecoveryTesting: RecoveryTestingConfig{
			Enabled:  false,
			Schedule: ScheduleSpec{Cadence: CadenceWeekly, TimeOfDay: "05:00"},
		},
		RetentionEnforcement: RetentionEnforcementConfig{
			Schedule: ScheduleSpec{Cadence: CadenceDaily, TimeOfDay: "06:00"},
		},
		Deduplication: DeduplicationConfig{
			Enabled:  false,
			Schedule: ScheduleSpec{Cadence: CadenceWeekly, TimeOfDay: "07:00"},
		},
		Notification: NotificationConfig{
			Enabled:   false,
			OnSuccess: false,
			OnFailure: true,
		},
	}
}

// Validate checks all embedded schedules and times.
func (c *SchedulerConfig) Validate() error {
	for name, tod := range map[string]string{
		"backup_schedule.daily":   c.BackupSchedule.Daily,
		"backup_schedule.weekly":  c.BackupSchedule.Weekly,
		"backup_schedule.monthly": c.BackupSchedule.Monthly,
	} {
		if tod == "" {
			continue
		}
		if _, _, err := parseTimeOfDay(tod); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := c.RecoveryTesting.Schedule.Validate(); err != nil {
		return fmt.Errorf("recovery_testing.schedule: %w", err)
	}
	if err := c.RetentionEnforcement.Schedule.Validate(); err != nil {
		return fmt.Errorf("retention_enforcement.schedule: %w", err)
	}
	if err := c.Deduplication.Schedule.Validate(); err != nil {
		return fmt.Errorf("deduplication.schedule: %w", err)
	}
	return nil
}

// DefaultTimeFor returns the configured default time-of-day for a cadence.
func (t BackupTimes) DefaultTimeFor(c Cadence) string {
	switch c {
	case CadenceDaily:
		return t.Daily
	case CadenceWeekly:
		return t.Weekly
	case CadenceMonthly:
		return t.Monthly
	default:
		return ""
	}
}
