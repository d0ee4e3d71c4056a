package backup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/virtbak/virtbak/internal/models"
	"github.com/virtbak/virtbak/internal/platform"
)

// RecoveryConfig tunes the ephemeral boot test.
type RecoveryConfig struct {
	// ScratchIDBase is the lowest VM id considered for scratch VMs.
	ScratchIDBase int

	// BootGracePeriod is how long the scratch VM gets to come up before its
	// state is sampled.
	BootGracePeriod time.Duration
}

// DefaultRecoveryConfig returns the default recovery test tuning.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		ScratchIDBase:   9000,
		BootGracePeriod: 2 * time.Minute,
	}
}

// RecoveryRunner proves an artifact is actually bootable by provisioning a
// throwaway VM from it, starting it, and sampling its state after a grace
// period. The scratch VM is always torn down, whatever the outcome.
type RecoveryRunner struct {
	client platform.Client
	config RecoveryConfig
	logger zerolog.Logger
}

// NewRecoveryRunner creates a RecoveryRunner.
func NewRecoveryRunner(client platform.Client, config RecoveryConfig, logger zerolog.Logger) *RecoveryRunner {
	if config.ScratchIDBase <= 0 {
		config.ScratchIDBase = 9000
	}
	if config.BootGracePeriod <= 0 {
		config.BootGracePeriod = 2 * time.Minute
	}
	return &RecoveryRunner{
		client: client,
		config: config,
		logger: logger.With().Str("component", "recovery_runner").Logger(),
	}
}

// allocateScratchID picks an unused VM id at or above the scratch base.
func (r *RecoveryRunner) allocateScratchID(ctx context.Context) (string, error) {
	vms, err := r.client.ListVMs(ctx)
	if err != nil {
		return "", &PlatformError{Op: "list vms", Err: err}
	}
	inUse := make(map[int]bool, len(vms))
	for _, vm := range vms {
		if id, err := strconv.Atoi(vm.VMID); err == nil {
			inUse[id] = true
		}
	}
	for id := r.config.ScratchIDBase; id < r.config.ScratchIDBase+1000; id++ {
		if !inUse[id] {
			return strconv.Itoa(id), nil
		}
	}
	return "", fmt.Errorf("no free scratch vm id above %d", r.config.ScratchIDBase)
}

// Run performs one recovery test of the given artifact. The returned report
// is always non-nil; Success and Error describe the outcome.
func (r *RecoveryRunner) Run(ctx context.Context, vmID, artifactPath, node string) *models.RecoveryTestReport {
	start := time.Now()
	report := &models.RecoveryTestReport{
		ID:        uuid.NewString(),
		VMID:      vmID,
		File:      artifactPath,
		Node:      node,
		Timestamp: start,
	}
	fail := func(err error) *models.RecoveryTestReport {
		report.Error = err.Error()
		report.DurationSec = time.Since(start).Seconds()
		r.logger.Error().Err(err).Str("vmid", vmID).Str("file", artifactPath).Msg("recovery test failed")
		return report
	}

	scratchID, err := r.allocateScratchID(ctx)
	if err != nil {
		return fail(err)
	}
	report.ScratchVMID = scratchID

	r.logger.Info().
		Str("vmid", vmID).
		Str("scratch_vmid", scratchID).
		Str("file", artifactPath).
		Msg("starting recovery test")

	if err := r.client.ProvisionVMFromArtifact(ctx, scratchID, artifactPath, node); err != nil {
		return fail(&PlatformError{Op: "provision scratch vm", Err: err})
	}

	// From here on the scratch VM exists; tear it down on every path. The
	// stop is issued even if the VM never started, which is harmless.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := r.client.StopVM(cleanupCtx, scratchID); err != nil {
			r.logger.Warn().Err(err).Str("scratch_vmid", scratchID).Msg("error stopping scratch vm")
		}
		if err := r.client.DeleteVM(cleanupCtx, scratchID); err != nil {
			r.logger.Error().Err(err).Str("scratch_vmid", scratchID).Msg("error deleting scratch vm")
			return
		}
		r.logger.Info().Str("scratch_vmid", scratchID).Msg("scratch vm cleaned up")
	}()

	if err := r.client.StartVM(ctx, scratchID); err != nil {
		return fail(&PlatformError{Op: "start scratch vm", Err: err})
	}

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-time.After(r.config.BootGracePeriod):
	}

	status, err := r.client.GetVMStatus(ctx, scratchID)
	if err != nil {
		return fail(&PlatformError{Op: "poll scratch vm", Err: err})
	}
	if !status.Running() {
		return fail(fmt.Errorf("scratch vm %s not running after grace period (status %q)", scratchID, status.Status))
	}

	report.Success = true
	report.DurationSec = time.Since(start).Seconds()
	r.logger.Info().
		Str("vmid", vmID).
		Str("scratch_vmid", scratchID).
		Float64("duration_seconds", report.DurationSec).
		Msg("recovery test passed")
	return report
}
