package models

import "time"

// BackupMode selects how the platform quiesces a VM while dumping it.
type BackupMode string

const (
	BackupModeSnapshot BackupMode = "snapshot"
	BackupModeSuspend  BackupMode = "suspend"
)

// ValidBackupMode reports whether m is a supported backup mode.
func ValidBackupMode(m BackupMode) bool {
	return m == BackupModeSnapshot || m == BackupModeSuspend
}

// BackupRecord describes one backup artifact. The record is immutable once
// the checksum has been computed; only the latest verification and recovery
// test results on the owning VMBackupConfig change afterwards.
type BackupRecord struct {
	ID          string     `json:"id"`
	VMID        string     `json:"vmid"`
	Timestamp   time.Time  `json:"timestamp"`
	File        string     `json:"file"`
	SizeBytes   int64      `json:"size"`
	Checksum    string     `json:"checksum"` // sha-256, hex
	Mode        BackupMode `json:"mode"`
	Storage     string     `json:"storage"`
	Compression string     `json:"compression,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// VerificationReport is the outcome of one verification pass over an artifact.
type VerificationReport struct {
	ID        string          `json:"id"`
	VMID      string          `json:"vmid"`
	File      string          `json:"file"`
	Timestamp time.Time       `json:"timestamp"`
	Success   bool            `json:"success"`
	Results   map[string]bool `json:"results"` // checksum, structural, content, metadata
	Checksum  string          `json:"checksum"`
	Errors    []string        `json:"errors,omitempty"`
}

// Check names used as keys in VerificationReport.Results.
const (
	CheckChecksum   = "checksum"
	CheckStructural = "structural"
	CheckContent    = "content"
	CheckMetadata   = "metadata"
)

// RecoveryTestReport records one ephemeral boot test of an artifact.
type RecoveryTestReport struct {
	ID          string    `json:"id"`
	VMID        string    `json:"vmid"`
	File        string    `json:"file"`
	ScratchVMID string    `json:"scratch_vmid"`
	Node        string    `json:"node"`
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	DurationSec float64   `json:"duration_seconds"`
}

// DedupReport is a measured duplicate-block estimate across a VM's artifacts.
// It reports potential savings; no artifact data is rewritten.
type DedupReport struct {
	ID             string    `json:"id"`
	VMID           string    `json:"vmid"`
	Timestamp      time.Time `json:"timestamp"`
	ArtifactCount  int       `json:"artifact_count"`
	TotalBytes     int64     `json:"total_bytes"`
	DuplicateBytes int64     `json:"duplicate_bytes"`
	SavingsPercent float64   `json:"estimated_savings_percent"`
	BlockSizeBytes int64     `json:"block_size_bytes"`
	Method         string    `json:"method"` // always "block-hash-estimate"
}

// VMBackupConfig is the per-VM persisted document. Created on first
// configuration, updated on every operation, never implicitly deleted.
type VMBackupConfig struct {
	VMID             string              `json:"vmid"`
	Schedule         *ScheduleSpec       `json:"schedule,omitempty"`
	Storage          string              `json:"location,omitempty"`
	Retention        RetentionPolicy     `json:"retention"`
	LastBackup       *BackupRecord       `json:"last_backup,omitempty"`
	LastVerification *VerificationReport `json:"last_verification,omitempty"`
	LastRecoveryTest *RecoveryTestReport `json:"last_recovery_test,omitempty"`
	Deduplication    *DedupReport        `json:"deduplication,omitempty"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// NewVMBackupConfig creates a config with the default retention policy.
func NewVMBackupConfig(vmID string) *VMBackupConfig {
	return &VMBackupConfig{
		VMID:      vmID,
		Retention: DefaultRetentionPolicy(),
		UpdatedAt: time.Now(),
	}
}

// RecordBackup stores rec as the VM's most recent backup.
func (c *VMBackupConfig) RecordBackup(rec *BackupRecord) {
	c.LastBackup = rec
	c.UpdatedAt = time.Now()
}

// RecordVerification stores the latest verification report.
func (c *VMBackupConfig) RecordVerification(r *VerificationReport) {
	c.LastVerification = r
	c.UpdatedAt = time.Now()
}

// RecordRecoveryTest stores the latest recovery test report.
func (c *VMBackupConfig) RecordRecoveryTest(r *RecoveryTestReport) {
	c.LastRecoveryTest = r
	c.UpdatedAt = time.Now()
}

// RecordDeduplication stores the latest deduplication report.
func (c *VMBackupConfig) RecordDeduplication(r *DedupReport) {
	c.Deduplication = r
	c.UpdatedAt = time.Now()
}
