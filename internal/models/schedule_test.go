package models

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestScheduleSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    ScheduleSpec
		wantErr bool
	}{
		{"hourly", ScheduleSpec{Cadence: CadenceHourly}, false},
		{"daily with time", ScheduleSpec{Cadence: CadenceDaily, TimeOfDay: "02:30"}, false},
		{"weekly with day", ScheduleSpec{Cadence: CadenceWeekly, TimeOfDay: "03:00", DayOfWeek: intPtr(6)}, false},
		{"monthly with day", ScheduleSpec{Cadence: CadenceMonthly, DayOfMonth: intPtr(28)}, false},
		{"unknown cadence", ScheduleSpec{Cadence: "fortnightly"}, true},
		{"empty cadence", ScheduleSpec{}, true},
		{"bad time", ScheduleSpec{Cadence: CadenceDaily, TimeOfDay: "24:00"}, true},
		{"bad time format", ScheduleSpec{Cadence: CadenceDaily, TimeOfDay: "2am"}, true},
		{"day of week out of range", ScheduleSpec{Cadence: CadenceWeekly, DayOfWeek: intPtr(7)}, true},
		{"day of month too large", ScheduleSpec{Cadence: CadenceMonthly, DayOfMonth: intPtr(31)}, true},
		{"day of month zero", ScheduleSpec{Cadence: CadenceMonthly, DayOfMonth: intPtr(0)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduleSpecCronExpression(t *testing.T) {
	tests := []struct {
		name        string
		spec        ScheduleSpec
		defaultTime string
		want        string
	}{
		{"hourly at minute", ScheduleSpec{Cadence: CadenceHourly, TimeOfDay: "00:15"}, "", "15 * * * *"},
		{"daily", ScheduleSpec{Cadence: CadenceDaily, TimeOfDay: "02:30"}, "", "30 2 * * *"},
		{"daily falls back to default", ScheduleSpec{Cadence: CadenceDaily}, "04:45", "45 4 * * *"},
		{"daily built-in fallback", ScheduleSpec{Cadence: CadenceDaily}, "", "0 2 * * *"},
		{"weekly on saturday", ScheduleSpec{Cadence: CadenceWeekly, TimeOfDay: "03:00", DayOfWeek: intPtr(6)}, "", "0 3 * * 6"},
		{"weekly defaults to sunday", ScheduleSpec{Cadence: CadenceWeekly, TimeOfDay: "03:00"}, "", "0 3 * * 0"},
		{"monthly on the 15th", ScheduleSpec{Cadence: CadenceMonthly, TimeOfDay: "04:00", DayOfMonth: intPtr(15)}, "", "0 4 15 * *"},
		{"monthly defaults to the 1st", ScheduleSpec{Cadence: CadenceMonthly, TimeOfDay: "04:00"}, "", "0 4 1 * *"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.spec.CronExpression(tt.defaultTime)
			if err != nil {
				t.Fatalf("CronExpression: %v", err)
			}
			if got != tt.want {
				t.Errorf("CronExpression() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("invalid cadence", func(t *testing.T) {
		spec := ScheduleSpec{Cadence: "yearly"}
		if _, err := spec.CronExpression(""); err == nil {
			t.Error("expected error for invalid cadence")
		}
	})
}

func TestNextAfter(t *testing.T) {
	now := time.Date(2026, 3, 14, 1, 30, 0, 0, time.UTC)

	next, err := NextAfter("02:00", now)
	if err != nil {
		t.Fatal(err)
	}
	if next.Day() != 14 || next.Hour() != 2 {
		t.Errorf("next = %v, want today 02:00", next)
	}

	next, err = NextAfter("01:00", now)
	if err != nil {
		t.Fatal(err)
	}
	if next.Day() != 15 || next.Hour() != 1 {
		t.Errorf("next = %v, want tomorrow 01:00", next)
	}
}

func TestRetentionPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetentionPolicy
		wantErr bool
	}{
		{"default", DefaultRetentionPolicy(), false},
		{"single window", RetentionPolicy{Daily: 7}, false},
		{"all zero", RetentionPolicy{}, true},
		{"negative cap", RetentionPolicy{Hourly: -1, Daily: 7}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchedulerConfigValidate(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.BackupSchedule.Daily = "26:00"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid daily time")
	}

	cfg = DefaultSchedulerConfig()
	cfg.RecoveryTesting.Schedule.Cadence = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid recovery testing cadence")
	}
}
