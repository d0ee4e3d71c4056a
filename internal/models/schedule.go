// Package models defines the persisted record types for the backup engine.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cadence is the recurrence class of a schedule.
type Cadence string

const (
	CadenceHourly  Cadence = "hourly"
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
)

// ScheduleSpec describes when a recurring operation should run.
// TimeOfDay ("HH:MM") applies to daily, weekly, and monthly cadences.
// DayOfWeek applies to weekly, DayOfMonth to monthly.
type ScheduleSpec struct {
	Cadence    Cadence `json:"cadence"`
	TimeOfDay  string  `json:"time_of_day,omitempty"`
	DayOfWeek  *int    `json:"day_of_week,omitempty"`  // 0=Sunday .. 6=Saturday
	DayOfMonth *int    `json:"day_of_month,omitempty"` // 1..28
}

// Validate checks the spec for malformed values.
func (s *ScheduleSpec) Validate() error {
	switch s.Cadence {
	case CadenceHourly, CadenceDaily, CadenceWeekly, CadenceMonthly:
	default:
		return fmt.Errorf("invalid cadence %q", s.Cadence)
	}

	if s.TimeOfDay != "" {
		if _, _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
			return err
		}
	}
	if s.DayOfWeek != nil && (*s.DayOfWeek < 0 || *s.DayOfWeek > 6) {
		return fmt.Errorf("day_of_week %d out of range 0-6", *s.DayOfWeek)
	}
	if s.DayOfMonth != nil && (*s.DayOfMonth < 1 || *s.DayOfMonth > 28) {
		return fmt.Errorf("day_of_month %d out of range 1-28", *s.DayOfMonth)
	}
	return nil
}

// CronExpression renders the spec as a standard five-field cron expression.
// defaultTime is used for daily/weekly/monthly specs without a TimeOfDay.
func (s *ScheduleSpec) CronExpression(defaultTime string) (string, error) {
	tod := s.TimeOfDay
	if tod == "" {
		tod = defaultTime
	}
	if tod == "" {
		tod = "02:00"
	}
	hour, minute, err := parseTimeOfDay(tod)
	if err != nil {
		return "", err
	}

	switch s.Cadence {
	case CadenceHourly:
		return fmt.Sprintf("%d * * * *", minute), nil
	case CadenceDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case CadenceWeekly:
		dow := 0
		if s.DayOfWeek != nil {
			dow = *s.DayOfWeek
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, dow), nil
	case CadenceMonthly:
		dom := 1
		if s.DayOfMonth != nil {
			dom = *s.DayOfMonth
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, dom), nil
	default:
		return "", fmt.Errorf("invalid cadence %q", s.Cadence)
	}
}

// parseTimeOfDay parses an "HH:MM" string.
func parseTimeOfDay(v string) (hour, minute int, err error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return hour, minute, nil
}

// NextAfter is a convenience for callers that only need the wall-clock
// of the next daily occurrence of an "HH:MM" time.
func NextAfter(tod string, now time.Time) (time.Time, error) {
	hour, minute, err := parseTimeOfDay(tod)
	if err != nil {
		return time.Time{}, err
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}
