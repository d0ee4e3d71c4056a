package models

import (
	"errors"
	"fmt"
)

// RetentionPolicy caps the number of artifacts kept per retention window.
type RetentionPolicy struct {
	Hourly  int `json:"hourly"`
	Daily   int `json:"daily"`
	Weekly  int `json:"weekly"`
	Monthly int `json:"monthly"`
}

// DefaultRetentionPolicy returns the 24/7/4/3 default policy.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Hourly:  24,
		Daily:   7,
		Weekly:  4,
		Monthly: 3,
	}
}

// Validate checks that every cap is non-negative and at least one is set.
func (p *RetentionPolicy) Validate() error {
	if p.Hourly < 0 {
		return errors.New("hourly cap cannot be negative")
	}
	if p.Daily < 0 {
		return errors.New("daily cap cannot be negative")
	}
	if p.Weekly < 0 {
		return errors.New("weekly cap cannot be negative")
	}
	if p.Monthly < 0 {
		return errors.New("monthly cap cannot be negative")
	}
	if p.Hourly == 0 && p.Daily == 0 && p.Weekly == 0 && p.Monthly == 0 {
		return errors.New("at least one retention window must be non-zero")
	}
	return nil
}

// IsZero reports whether no cap has been set.
func (p RetentionPolicy) IsZero() bool {
	return p.Hourly == 0 && p.Daily == 0 && p.Weekly == 0 && p.Monthly == 0
}

// String returns a human-readable description of the policy.
func (p RetentionPolicy) String() string {
	return fmt.Sprintf("keep %d hourly, %d daily, %d weekly, %d monthly",
		p.Hourly, p.Daily, p.Weekly, p.Monthly)
}
