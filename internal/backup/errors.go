package backup

import "fmt"

// NotFoundError is returned when a VM or artifact does not exist.
type NotFoundError struct {
	Resource string // "vm", "artifact", "backup config"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError is returned for a malformed policy, schedule, or config.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RestoreRefusedError is returned when a restore or recovery test targets an
// artifact whose latest verification is absent or failed. No platform call
// is made when this error is returned.
type RestoreRefusedError struct {
	File   string
	Reason string
}

func (e *RestoreRefusedError) Error() string {
	return fmt.Sprintf("restore refused for %s: %s", e.File, e.Reason)
}

// PlatformError wraps a failed control-plane call.
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform %s: %v", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// SchedulerStateError is returned when start/stop is invoked in the wrong
// state. It reports a no-op failure; scheduler state is never corrupted.
type SchedulerStateError struct {
	Op     string
	Reason string
}

func (e *SchedulerStateError) Error() string {
	return fmt.Sprintf("scheduler %s: %s", e.Op, e.Reason)
}
