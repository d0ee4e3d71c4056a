package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/virtbak/virtbak/internal/metrics"
	"github.com/virtbak/virtbak/internal/models"
	"github.com/virtbak/virtbak/internal/platform"
	"github.com/virtbak/virtbak/internal/store"
)

// Uploader copies a local artifact to an off-site location. Upload failures
// never fail the backup that produced the artifact.
type Uploader interface {
	Upload(ctx context.Context, localPath string, loc models.RemoteLocation) error
}

// Manager drives the backup lifecycle for every configured VM: creation,
// verification, restore, retention, recovery testing, and deduplication
// reporting.
type Manager struct {
	store    *store.Store
	client   platform.Client
	verifier *Verifier
	recovery *RecoveryRunner
	uploader Uploader
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewManager creates a Manager. uploader may be nil when no off-site copies
// are configured.
func NewManager(st *store.Store, client platform.Client, verifier *Verifier, recovery *RecoveryRunner, uploader Uploader, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    st,
		client:   client,
		verifier: verifier,
		recovery: recovery,
		uploader: uploader,
		metrics:  m,
		logger:   logger.With().Str("component", "backup_manager").Logger(),
	}
}

// storageDirFor resolves the directory holding a VM's artifacts: the VM's
// configured location, falling back to the global local location.
func (m *Manager) storageDirFor(ctx context.Context, cfg *models.VMBackupConfig) (string, error) {
	if cfg != nil && cfg.Storage != "" {
		return cfg.Storage, nil
	}
	settings, err := m.store.GetBackupSettings(ctx)
	if err != nil {
		return "", err
	}
	if settings.Locations.Local == "" {
		return "", &ValidationError{Field: "backup_locations.local", Reason: "no backup location configured"}
	}
	return settings.Locations.Local, nil
}

// artifactOwnedBy reports whether a file name belongs to the VM. Artifact
// names embed the VM id between dashes (vzdump-qemu-<vmid>-<stamp> or
// <vmid>-<stamp> directly).
func artifactOwnedBy(base, vmID string) bool {
	if strings.HasSuffix(base, ".meta.json") {
		return false
	}
	return strings.HasPrefix(base, vmID+"-") || strings.Contains(base, "-"+vmID+"-")
}

// listArtifacts scans dir for the VM's artifacts, newest first.
func listArtifacts(dir, vmID string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan backup location %s: %w", dir, err)
	}

	var artifacts []Artifact
	for _, e := range entries {
		if e.IsDir() || !artifactOwnedBy(e.Name(), vmID) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Path:      filepath.Join(dir, e.Name()),
			Timestamp: info.ModTime(),
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Timestamp.After(artifacts[j].Timestamp)
	})
	return artifacts, nil
}

// CreateOptions carries the optional per-call backup parameters. The zero
// value means: configured storage location, zstd compression, no notes.
type CreateOptions struct {
	Storage     string
	Compression string
	Notes       string
}

// CreateBackup dumps the VM through the platform, checksums the produced
// artifact, writes its metadata sidecar, and records it as the VM's latest
// backup. Remote copies are attempted afterwards and never fail the backup.
func (m *Manager) CreateBackup(ctx context.Context, vmID string, mode models.BackupMode, opts CreateOptions) (*models.BackupRecord, error) {
	start := time.Now()
	if !models.ValidBackupMode(mode) {
		return nil, &ValidationError{Field: "mode", Reason: fmt.Sprintf("unsupported backup mode %q", mode)}
	}

	cfg, err := m.store.GetVMConfig(ctx, vmID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	dir := opts.Storage
	if dir == "" {
		dir, err = m.storageDirFor(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	compression := opts.Compression
	if compression == "" {
		compression = "zstd"
	}

	m.logger.Info().Str("vmid", vmID).Str("mode", string(mode)).Str("storage", dir).Msg("starting backup")

	artifactPath, err := m.client.CreateBackupArtifact(ctx, vmID, string(mode), dir, compression)
	if err != nil {
		m.metrics.BackupsTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return nil, &PlatformError{Op: "create backup", Err: err}
	}

	info, err := os.Stat(artifactPath)
	if err != nil {
		m.metrics.BackupsTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return nil, fmt.Errorf("stat artifact %s: %w", artifactPath, err)
	}
	sum, err := ChecksumFile(artifactPath)
	if err != nil {
		m.metrics.BackupsTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return nil, fmt.Errorf("checksum artifact %s: %w", artifactPath, err)
	}

	rec := &models.BackupRecord{
		ID:          uuid.NewString(),
		VMID:        vmID,
		Timestamp:   time.Now(),
		File:        artifactPath,
		SizeBytes:   info.Size(),
		Checksum:    sum,
		Mode:        mode,
		Storage:     dir,
		Compression: compression,
		Notes:       opts.Notes,
	}
	if err := WriteDescriptor(artifactPath, rec); err != nil {
		m.logger.Warn().Err(err).Str("file", artifactPath).Msg("error writing artifact descriptor")
	}

	if _, err := m.store.UpdateVMConfig(ctx, vmID, func(c *models.VMBackupConfig) error {
		c.RecordBackup(rec)
		return nil
	}); err != nil {
		return nil, err
	}

	m.metrics.BackupsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	m.metrics.BackupBytes.Add(float64(rec.SizeBytes))
	m.metrics.BackupDuration.Observe(time.Since(start).Seconds())
	m.logger.Info().
		Str("vmid", vmID).
		Str("file", artifactPath).
		Int64("size", rec.SizeBytes).
		Str("checksum", sum).
		Msg("backup completed")

	m.uploadRemoteCopies(ctx, artifactPath)
	return rec, nil
}

// uploadRemoteCopies pushes the artifact to every configured remote location.
// Failures are logged and counted, never returned.
func (m *Manager) uploadRemoteCopies(ctx context.Context, artifactPath string) {
	if m.uploader == nil {
		return
	}
	settings, err := m.store.GetBackupSettings(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("error loading settings for remote upload")
		return
	}
	for _, loc := range settings.Locations.Remote {
		if err := m.uploader.Upload(ctx, artifactPath, loc); err != nil {
			m.metrics.RemoteUploadFailures.Inc()
			m.logger.Error().Err(err).
				Str("file", artifactPath).
				Str("remote", loc.Name).
				Msg("error uploading artifact to remote location")
			continue
		}
		m.logger.Info().Str("file", artifactPath).Str("remote", loc.Name).Msg("artifact uploaded to remote location")
	}
}

// resolveArtifact returns the artifact path to operate on: the given file, or
// the VM's latest recorded backup when file is empty.
func (m *Manager) resolveArtifact(cfg *models.VMBackupConfig, vmID, file string) (string, error) {
	if file != "" {
		return file, nil
	}
	if cfg == nil || cfg.LastBackup == nil {
		return "", &NotFoundError{Resource: "backup", ID: vmID}
	}
	return cfg.LastBackup.File, nil
}

// VerifyBackup runs the full verification suite against an artifact (the
// latest one when file is empty) and persists the report as the VM's latest
// verification. A failed verification is not an error; the report says so.
func (m *Manager) VerifyBackup(ctx context.Context, vmID, file string) (*models.VerificationReport, error) {
	cfg, err := m.store.GetVMConfig(ctx, vmID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	path, err := m.resolveArtifact(cfg, vmID, file)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &NotFoundError{Resource: "artifact", ID: path}
	}

	var rec *models.BackupRecord
	if cfg != nil && cfg.LastBackup != nil && cfg.LastBackup.File == path {
		rec = cfg.LastBackup
	}

	report := m.verifier.Verify(ctx, rec, vmID, path)

	if _, err := m.store.UpdateVMConfig(ctx, vmID, func(c *models.VMBackupConfig) error {
		c.RecordVerification(report)
		// First verification of an artifact recorded without a checksum
		// establishes the trusted baseline.
		if c.LastBackup != nil && c.LastBackup.File == path && c.LastBackup.Checksum == "" {
			c.LastBackup.Checksum = report.Checksum
		}
		return nil
	}); err != nil {
		return nil, err
	}

	m.metrics.VerificationsTotal.WithLabelValues(metrics.Outcome(report.Success)).Inc()
	return report, nil
}

// verifiedGate enforces the restore safety rule: the artifact's most recent
// verification must exist and have passed. It returns RestoreRefusedError
// before any platform call is made.
func verifiedGate(cfg *models.VMBackupConfig, path string) error {
	if cfg == nil || cfg.LastVerification == nil {
		return &RestoreRefusedError{File: path, Reason: "artifact has never been verified"}
	}
	v := cfg.LastVerification
	if v.File != path {
		return &RestoreRefusedError{File: path, Reason: fmt.Sprintf("latest verification covers %s, not this artifact", v.File)}
	}
	if !v.Success {
		return &RestoreRefusedError{File: path, Reason: "latest verification failed"}
	}
	return nil
}

// defaultTargetNode picks the first online cluster node.
func (m *Manager) defaultTargetNode(ctx context.Context) (string, error) {
	nodes, err := m.client.ListNodes(ctx)
	if err != nil {
		return "", &PlatformError{Op: "list nodes", Err: err}
	}
	for _, n := range nodes {
		if n.Online {
			return n.Name, nil
		}
	}
	return "", errors.New("no online node available for restore")
}

// RestoreBackup restores an artifact over the VM. The artifact must have a
// passing latest verification; unverified artifacts are refused outright.
func (m *Manager) RestoreBackup(ctx context.Context, vmID, file, targetNode string, force bool) error {
	cfg, err := m.store.GetVMConfig(ctx, vmID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	path, err := m.resolveArtifact(cfg, vmID, file)
	if err != nil {
		return err
	}
	if err := verifiedGate(cfg, path); err != nil {
		m.metrics.RestoresRefused.Inc()
		return err
	}

	if targetNode == "" {
		targetNode, err = m.defaultTargetNode(ctx)
		if err != nil {
			return err
		}
	}

	m.logger.Info().Str("vmid", vmID).Str("file", path).Str("node", targetNode).Msg("starting restore")
	if err := m.client.RestoreArtifact(ctx, vmID, path, targetNode, force); err != nil {
		m.metrics.RestoresTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return &PlatformError{Op: "restore", Err: err}
	}
	m.metrics.RestoresTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	m.logger.Info().Str("vmid", vmID).Str("file", path).Msg("restore completed")
	return nil
}

// TestBackupRecovery proves the artifact boots by provisioning a scratch VM
// from it. The same verification gate as restore applies. The report is
// persisted whatever the outcome.
func (m *Manager) TestBackupRecovery(ctx context.Context, vmID, file string) (*models.RecoveryTestReport, error) {
	cfg, err := m.store.GetVMConfig(ctx, vmID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	path, err := m.resolveArtifact(cfg, vmID, file)
	if err != nil {
		return nil, err
	}
	if err := verifiedGate(cfg, path); err != nil {
		m.metrics.RestoresRefused.Inc()
		return nil, err
	}

	// The scratch VM boots next to the source VM. Only when the source is
	// gone from the cluster does any online node do.
	node, err := m.client.ResolveVMLocation(ctx, vmID)
	if err != nil || node == "" {
		node, err = m.defaultTargetNode(ctx)
		if err != nil {
			return nil, err
		}
	}

	report := m.recovery.Run(ctx, vmID, path, node)

	if _, err := m.store.UpdateVMConfig(ctx, vmID, func(c *models.VMBackupConfig) error {
		c.RecordRecoveryTest(report)
		return nil
	}); err != nil {
		return nil, err
	}
	m.metrics.RecoveryTestsTotal.WithLabelValues(metrics.Outcome(report.Success)).Inc()
	return report, nil
}

// CleanupOldBackups applies the VM's retention policy to its on-disk
// artifacts and deletes whatever falls outside every window. A file that
// cannot be deleted is logged and skipped; the sweep continues.
func (m *Manager) CleanupOldBackups(ctx context.Context, vmID string) ([]string, error) {
	cfg, err := m.store.GetVMConfig(ctx, vmID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	policy := models.DefaultRetentionPolicy()
	if cfg != nil && !cfg.Retention.IsZero() {
		policy = cfg.Retention
	} else {
		settings, err := m.store.GetBackupSettings(ctx)
		if err == nil && !settings.Retention.IsZero() {
			policy = settings.Retention
		}
	}

	dir, err := m.storageDirFor(ctx, cfg)
	if err != nil {
		return nil, err
	}
	artifacts, err := listArtifacts(dir, vmID)
	if err != nil {
		return nil, err
	}

	keep := ComputeKeepSet(artifacts, policy, time.Now())

	var deleted []string
	for _, a := range artifacts {
		if keep[a.Path] {
			continue
		}
		if err := os.Remove(a.Path); err != nil {
			m.metrics.RetentionFailures.Inc()
			m.logger.Error().Err(err).Str("file", a.Path).Msg("error deleting expired artifact")
			continue
		}
		if err := os.Remove(DescriptorPath(a.Path)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("file", a.Path).Msg("error deleting artifact descriptor")
		}
		deleted = append(deleted, a.Path)
		m.metrics.RetentionDeleted.Inc()
	}

	m.logger.Info().
		Str("vmid", vmID).
		Str("policy", policy.String()).
		Int("scanned", len(artifacts)).
		Int("deleted", len(deleted)).
		Msg("retention sweep completed")
	return deleted, nil
}

// DeduplicationReport measures duplicate blocks across the VM's artifacts
// and persists the estimate.
func (m *Manager) DeduplicationReport(ctx context.Context, vmID string) (*models.DedupReport, error) {
	cfg, err := m.store.GetVMConfig(ctx, vmID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	dir, err := m.storageDirFor(ctx, cfg)
	if err != nil {
		return nil, err
	}
	artifacts, err := listArtifacts(dir, vmID)
	if err != nil {
		return nil, err
	}

	report, err := EstimateDeduplication(vmID, artifacts)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.UpdateVMConfig(ctx, vmID, func(c *models.VMBackupConfig) error {
		c.RecordDeduplication(report)
		return nil
	}); err != nil {
		return nil, err
	}
	return report, nil
}

// RetentionSweepResult is the outcome of one VM's sweep in an all-VM run.
type RetentionSweepResult struct {
	VMID    string
	Deleted []string
	Err     error
}

// CleanupAllOldBackups sweeps every configured VM. Per-VM failures land in
// the result, never abort the run; only listing the VMs can fail outright.
func (m *Manager) CleanupAllOldBackups(ctx context.Context) ([]RetentionSweepResult, error) {
	configs, err := m.store.ListVMConfigs(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]RetentionSweepResult, 0, len(configs))
	for _, cfg := range configs {
		deleted, err := m.CleanupOldBackups(ctx, cfg.VMID)
		results = append(results, RetentionSweepResult{VMID: cfg.VMID, Deleted: deleted, Err: err})
	}
	return results, nil
}

// RecoveryTestResult is the outcome of one VM's boot test in an all-VM run.
type RecoveryTestResult struct {
	VMID   string
	Report *models.RecoveryTestReport
	Err    error
}

// TestAllBackupRecoveries boot-tests the listed VMs, or every VM with a
// recorded backup when vmIDs is empty. Each VM's latest artifact is used and
// the usual verification gate applies per VM.
func (m *Manager) TestAllBackupRecoveries(ctx context.Context, vmIDs []string) ([]RecoveryTestResult, error) {
	targets := vmIDs
	if len(targets) == 0 {
		configs, err := m.store.ListVMConfigs(ctx)
		if err != nil {
			return nil, err
		}
		for _, cfg := range configs {
			if cfg.LastBackup != nil {
				targets = append(targets, cfg.VMID)
			}
		}
	}
	results := make([]RecoveryTestResult, 0, len(targets))
	for _, vmID := range targets {
		report, err := m.TestBackupRecovery(ctx, vmID, "")
		results = append(results, RecoveryTestResult{VMID: vmID, Report: report, Err: err})
	}
	return results, nil
}

// DedupRunResult is the outcome of one VM's estimate in an all-VM run.
type DedupRunResult struct {
	VMID   string
	Report *models.DedupReport
	Err    error
}

// RefreshAllDeduplication recomputes the dedup estimate for every VM with a
// recorded backup.
func (m *Manager) RefreshAllDeduplication(ctx context.Context) ([]DedupRunResult, error) {
	configs, err := m.store.ListVMConfigs(ctx)
	if err != nil {
		return nil, err
	}
	var results []DedupRunResult
	for _, cfg := range configs {
		if cfg.LastBackup == nil {
			continue
		}
		report, err := m.DeduplicationReport(ctx, cfg.VMID)
		results = append(results, DedupRunResult{VMID: cfg.VMID, Report: report, Err: err})
	}
	return results, nil
}

// ConfigureBackup creates or updates the VM's backup configuration. Nil
// schedule or retention leaves the existing value untouched; an empty storage
// string keeps the current location.
func (m *Manager) ConfigureBackup(ctx context.Context, vmID string, schedule *models.ScheduleSpec, retention *models.RetentionPolicy, storage string) (*models.VMBackupConfig, error) {
	if schedule != nil {
		if err := schedule.Validate(); err != nil {
			return nil, &ValidationError{Field: "schedule", Reason: err.Error()}
		}
	}
	if retention != nil {
		if err := retention.Validate(); err != nil {
			return nil, &ValidationError{Field: "retention", Reason: err.Error()}
		}
	}
	if _, err := m.client.ResolveVMLocation(ctx, vmID); err != nil {
		if errors.Is(err, platform.ErrVMNotFound) {
			return nil, &NotFoundError{Resource: "vm", ID: vmID}
		}
		return nil, &PlatformError{Op: "resolve vm", Err: err}
	}

	return m.store.UpdateVMConfig(ctx, vmID, func(c *models.VMBackupConfig) error {
		if schedule != nil {
			c.Schedule = schedule
		}
		if retention != nil {
			c.Retention = *retention
		}
		if storage != "" {
			c.Storage = storage
		}
		return nil
	})
}

// ConfigureRemoteStorage adds or replaces a named remote location in the
// global settings.
func (m *Manager) ConfigureRemoteStorage(ctx context.Context, loc models.RemoteLocation) error {
	if err := loc.Validate(); err != nil {
		return &ValidationError{Field: "remote location", Reason: err.Error()}
	}
	_, err := m.store.UpdateBackupSettings(ctx, func(s *models.BackupSettings) error {
		for i, existing := range s.Locations.Remote {
			if existing.Name == loc.Name {
				s.Locations.Remote[i] = loc
				return nil
			}
		}
		s.Locations.Remote = append(s.Locations.Remote, loc)
		return nil
	})
	return err
}

// GetBackupStatus returns the VM's full lifecycle document.
func (m *Manager) GetBackupStatus(ctx context.Context, vmID string) (*models.VMBackupConfig, error) {
	cfg, err := m.store.GetVMConfig(ctx, vmID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Resource: "backup config", ID: vmID}
	}
	return cfg, err
}

// ListBackups returns the VM's on-disk artifacts, newest first.
func (m *Manager) ListBackups(ctx context.Context, vmID string) ([]Artifact, error) {
	cfg, err := m.store.GetVMConfig(ctx, vmID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	dir, err := m.storageDirFor(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return listArtifacts(dir, vmID)
}

// ListConfiguredVMs returns every VM document in the store.
func (m *Manager) ListConfiguredVMs(ctx context.Context) ([]*models.VMBackupConfig, error) {
	return m.store.ListVMConfigs(ctx)
}

// DeleteBackup removes one artifact and its descriptor. If the artifact was
// the VM's recorded latest backup, the record is cleared.
func (m *Manager) DeleteBackup(ctx context.Context, vmID, file string) error {
	if !artifactOwnedBy(filepath.Base(file), vmID) {
		return &ValidationError{Field: "file", Reason: fmt.Sprintf("%s does not belong to vm %s", filepath.Base(file), vmID)}
	}
	if err := os.Remove(file); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{Resource: "artifact", ID: file}
		}
		return fmt.Errorf("delete artifact %s: %w", file, err)
	}
	if err := os.Remove(DescriptorPath(file)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("file", file).Msg("error deleting artifact descriptor")
	}

	_, err := m.store.UpdateVMConfig(ctx, vmID, func(c *models.VMBackupConfig) error {
		if c.LastBackup != nil && c.LastBackup.File == file {
			c.LastBackup = nil
		}
		return nil
	})
	return err
}
