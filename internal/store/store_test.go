package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtbak/virtbak/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVMConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetVMConfig(ctx, "100")
	assert.ErrorIs(t, err, ErrNotFound)

	cfg, err := s.UpdateVMConfig(ctx, "100", func(c *models.VMBackupConfig) error {
		c.Storage = "/mnt/backups"
		c.Retention = models.RetentionPolicy{Hourly: 4, Daily: 2}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "100", cfg.VMID)

	got, err := s.GetVMConfig(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/backups", got.Storage)
	assert.Equal(t, 4, got.Retention.Hourly)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestUpdateVMConfigAbortsOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpdateVMConfig(ctx, "100", func(c *models.VMBackupConfig) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = s.GetVMConfig(ctx, "100")
	assert.ErrorIs(t, err, ErrNotFound, "aborted update must not create the document")
}

func TestListVMConfigs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, vmID := range []string{"200", "100", "150"} {
		_, err := s.UpdateVMConfig(ctx, vmID, func(c *models.VMBackupConfig) error { return nil })
		require.NoError(t, err)
	}

	configs, err := s.ListVMConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 3)
	assert.Equal(t, "100", configs[0].VMID)
	assert.Equal(t, "150", configs[1].VMID)
	assert.Equal(t, "200", configs[2].VMID)
}

func TestSchedulerConfigDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetSchedulerConfig(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "02:00", cfg.BackupSchedule.Daily)

	updated, err := s.UpdateSchedulerConfig(ctx, func(c *models.SchedulerConfig) error {
		c.Enabled = true
		c.BackupSchedule.Daily = "03:15"
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.Enabled)

	got, err := s.GetSchedulerConfig(ctx)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "03:15", got.BackupSchedule.Daily)
}

func TestUpdateSchedulerConfigValidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpdateSchedulerConfig(ctx, func(c *models.SchedulerConfig) error {
		c.BackupSchedule.Daily = "99:99"
		return nil
	})
	require.Error(t, err)

	got, err := s.GetSchedulerConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "02:00", got.BackupSchedule.Daily, "invalid update must not persist")
}

func TestBackupSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	settings, err := s.GetBackupSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.Verification.Enabled)

	_, err = s.UpdateBackupSettings(ctx, func(bs *models.BackupSettings) error {
		bs.Locations.Local = "/srv/backups"
		bs.Locations.Remote = append(bs.Locations.Remote, models.RemoteLocation{
			Name: "offsite", Bucket: "vm-backups",
		})
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetBackupSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/srv/backups", got.Locations.Local)
	require.Len(t, got.Locations.Remote, 1)
	assert.Equal(t, "offsite", got.Locations.Remote[0].Name)
}

func TestConcurrentUpdatesDoNotInterleave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 10

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.UpdateVMConfig(ctx, "100", func(c *models.VMBackupConfig) error {
					c.Retention.Hourly++
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetVMConfig(ctx, "100")
	require.NoError(t, err)
	// Fresh configs start at the default of 24 hourly.
	assert.Equal(t, models.DefaultRetentionPolicy().Hourly+workers*perWorker, got.Retention.Hourly)
}
