// Package main is the entrypoint for the virtbak CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/virtbak/virtbak/internal/backup"
	"github.com/virtbak/virtbak/internal/config"
	"github.com/virtbak/virtbak/internal/metrics"
	"github.com/virtbak/virtbak/internal/models"
	"github.com/virtbak/virtbak/internal/platform"
	"github.com/virtbak/virtbak/internal/remote"
	"github.com/virtbak/virtbak/internal/store"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "virtbak",
		Short: "virtbak - backup lifecycle management for your virtualization cluster",
		Long: `virtbak manages the full backup lifecycle of cluster VMs:
creation, verification, restore, retention, and recovery testing.

The daemon (virtbakd) runs scheduled operations; this CLI runs them on demand
and manages configuration.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")

	rootCmd.AddCommand(
		newVersionCmd(),
		newBackupCmd(),
		newListCmd(),
		newDeleteCmd(),
		newVerifyCmd(),
		newRestoreCmd(),
		newTestCmd(),
		newCleanupCmd(),
		newDedupCmd(),
		newConfigureCmd(),
		newRemoteCmd(),
		newStatusCmd(),
		newSchedulerCmd(),
	)
	return rootCmd
}

// engine bundles everything a CLI command needs.
type engine struct {
	manager *backup.Manager
	store   *store.Store
	logger  zerolog.Logger
}

func (e *engine) close() {
	e.store.Close()
}

// newEngine builds the backup manager from the daemon config. CLI runs use a
// private metrics registry; counters are not exported from one-shot commands.
func newEngine() (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	client := platform.NewHTTPClient(platform.Config{
		Host:        cfg.Cluster.Host,
		Port:        cfg.Cluster.Port,
		Node:        cfg.Cluster.Node,
		TokenID:     cfg.Cluster.TokenID,
		TokenSecret: cfg.Cluster.TokenSecret,
		VerifySSL:   cfg.Cluster.VerifySSL,
		CallTimeout: cfg.Cluster.CallTimeout,
		TaskTimeout: cfg.Cluster.TaskTimeout,
	}, logger)

	m := metrics.New(prometheus.NewRegistry())
	verifier := backup.NewVerifier(backup.VerifierConfig{
		ToolTimeout:        cfg.Verification.ToolTimeout,
		ContentSampleBytes: cfg.Verification.ContentSampleBytes,
	}, logger)
	recovery := backup.NewRecoveryRunner(client, backup.RecoveryConfig{
		ScratchIDBase:   cfg.Recovery.ScratchIDBase,
		BootGracePeriod: cfg.Recovery.BootGracePeriod,
	}, logger)
	uploader := remote.NewS3Uploader(logger)

	return &engine{
		manager: backup.NewManager(st, client, verifier, recovery, uploader, m, logger),
		store:   st,
		logger:  logger,
	}, nil
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("virtbak %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newBackupCmd() *cobra.Command {
	var mode string
	var opts backup.CreateOptions
	cmd := &cobra.Command{
		Use:   "backup <vmid>",
		Short: "Create a backup of a VM now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			rec, err := e.manager.CreateBackup(context.Background(), args[0], models.BackupMode(mode), opts)
			if err != nil {
				return err
			}
			fmt.Printf("Backup created: %s (%d bytes)\n", rec.File, rec.SizeBytes)
			fmt.Printf("Checksum: %s\n", rec.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.BackupModeSnapshot), "backup mode (snapshot or suspend)")
	cmd.Flags().StringVar(&opts.Storage, "storage", "", "backup location directory (overrides the VM's configured location)")
	cmd.Flags().StringVar(&opts.Compression, "compression", "", "artifact compression (default zstd)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "free-form note stored with the backup record")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <vmid>",
		Short: "List a VM's backup artifacts, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			artifacts, err := e.manager.ListBackups(context.Background(), args[0])
			if err != nil {
				return err
			}
			if len(artifacts) == 0 {
				fmt.Println("No backups found.")
				return nil
			}
			for _, a := range artifacts {
				fmt.Printf("%s  %12d  %s\n", a.Timestamp.Format("2006-01-02 15:04:05"), a.SizeBytes, a.Path)
			}
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <vmid> <file>",
		Short: "Delete one backup artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.manager.DeleteBackup(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[1])
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <vmid> [file]",
		Short: "Verify a backup artifact (the latest one by default)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			file := ""
			if len(args) > 1 {
				file = args[1]
			}
			report, err := e.manager.VerifyBackup(context.Background(), args[0], file)
			if err != nil {
				return err
			}
			printJSON(report)
			if !report.Success {
				return fmt.Errorf("verification failed for %s", report.File)
			}
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	var node string
	var force bool
	cmd := &cobra.Command{
		Use:   "restore <vmid> [file]",
		Short: "Restore a VM from a verified backup artifact",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			file := ""
			if len(args) > 1 {
				file = args[1]
			}
			if err := e.manager.RestoreBackup(context.Background(), args[0], file, node, force); err != nil {
				return err
			}
			fmt.Printf("VM %s restored.\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "target node (defaults to the first online node)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing VM")
	return cmd
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test [vmid] [file]",
		Short: "Boot backups on scratch VMs to prove they are recoverable (all VMs by default)",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			if len(args) == 0 {
				results, err := e.manager.TestAllBackupRecoveries(context.Background(), nil)
				if err != nil {
					return err
				}
				failed := 0
				for _, res := range results {
					if res.Err != nil {
						failed++
						fmt.Printf("vm %s: %v\n", res.VMID, res.Err)
						continue
					}
					printJSON(res.Report)
					if !res.Report.Success {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d recovery tests failed", failed, len(results))
				}
				return nil
			}

			file := ""
			if len(args) > 1 {
				file = args[1]
			}
			report, err := e.manager.TestBackupRecovery(context.Background(), args[0], file)
			if err != nil {
				return err
			}
			printJSON(report)
			if !report.Success {
				return fmt.Errorf("recovery test failed for %s", report.File)
			}
			return nil
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [vmid]",
		Short: "Apply retention policies and delete expired artifacts (all VMs by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			var deleted []string
			if len(args) == 1 {
				deleted, err = e.manager.CleanupOldBackups(context.Background(), args[0])
				if err != nil {
					return err
				}
			} else {
				results, err := e.manager.CleanupAllOldBackups(context.Background())
				if err != nil {
					return err
				}
				for _, res := range results {
					if res.Err != nil {
						fmt.Printf("vm %s: %v\n", res.VMID, res.Err)
						continue
					}
					deleted = append(deleted, res.Deleted...)
				}
			}
			if len(deleted) == 0 {
				fmt.Println("Nothing to delete.")
				return nil
			}
			for _, f := range deleted {
				fmt.Printf("Deleted %s\n", f)
			}
			return nil
		},
	}
}

func newDedupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedup [vmid]",
		Short: "Estimate duplicate data across backups (all VMs by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			if len(args) == 1 {
				report, err := e.manager.DeduplicationReport(context.Background(), args[0])
				if err != nil {
					return err
				}
				printJSON(report)
				return nil
			}

			results, err := e.manager.RefreshAllDeduplication(context.Background())
			if err != nil {
				return err
			}
			for _, res := range results {
				if res.Err != nil {
					fmt.Printf("vm %s: %v\n", res.VMID, res.Err)
					continue
				}
				printJSON(res.Report)
			}
			return nil
		},
	}
}

func newConfigureCmd() *cobra.Command {
	var (
		cadence    string
		timeOfDay  string
		dayOfWeek  int
		dayOfMonth int
		storage    string
		keepHourly, keepDaily, keepWeekly, keepMonthly int
	)
	cmd := &cobra.Command{
		Use:   "configure <vmid>",
		Short: "Configure a VM's backup schedule, retention, and storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			var schedule *models.ScheduleSpec
			if cadence != "" {
				schedule = &models.ScheduleSpec{
					Cadence:   models.Cadence(cadence),
					TimeOfDay: timeOfDay,
				}
				if cmd.Flags().Changed("day-of-week") {
					schedule.DayOfWeek = &dayOfWeek
				}
				if cmd.Flags().Changed("day-of-month") {
					schedule.DayOfMonth = &dayOfMonth
				}
			}

			var retention *models.RetentionPolicy
			if cmd.Flags().Changed("keep-hourly") || cmd.Flags().Changed("keep-daily") ||
				cmd.Flags().Changed("keep-weekly") || cmd.Flags().Changed("keep-monthly") {
				retention = &models.RetentionPolicy{
					Hourly:  keepHourly,
					Daily:   keepDaily,
					Weekly:  keepWeekly,
					Monthly: keepMonthly,
				}
			}

			cfg, err := e.manager.ConfigureBackup(context.Background(), args[0], schedule, retention, storage)
			if err != nil {
				return err
			}
			printJSON(cfg)
			return nil
		},
	}
	cmd.Flags().StringVar(&cadence, "cadence", "", "backup cadence (hourly, daily, weekly, monthly)")
	cmd.Flags().StringVar(&timeOfDay, "time", "", "time of day HH:MM")
	cmd.Flags().IntVar(&dayOfWeek, "day-of-week", 0, "day of week for weekly cadence (0=Sunday)")
	cmd.Flags().IntVar(&dayOfMonth, "day-of-month", 1, "day of month for monthly cadence (1-28)")
	cmd.Flags().StringVar(&storage, "storage", "", "backup location directory for this VM")
	cmd.Flags().IntVar(&keepHourly, "keep-hourly", 0, "hourly artifacts to keep")
	cmd.Flags().IntVar(&keepDaily, "keep-daily", 0, "daily artifacts to keep")
	cmd.Flags().IntVar(&keepWeekly, "keep-weekly", 0, "weekly artifacts to keep")
	cmd.Flags().IntVar(&keepMonthly, "keep-monthly", 0, "monthly artifacts to keep")
	return cmd
}

func newRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Manage off-site artifact locations",
	}

	var loc models.RemoteLocation
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace an S3-compatible remote location",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.manager.ConfigureRemoteStorage(context.Background(), loc); err != nil {
				return err
			}
			fmt.Printf("Remote location %q configured.\n", loc.Name)
			return nil
		},
	}
	addCmd.Flags().StringVar(&loc.Name, "name", "", "location name")
	addCmd.Flags().StringVar(&loc.Bucket, "bucket", "", "bucket name")
	addCmd.Flags().StringVar(&loc.Prefix, "prefix", "", "key prefix")
	addCmd.Flags().StringVar(&loc.Region, "region", "", "region")
	addCmd.Flags().StringVar(&loc.Endpoint, "endpoint", "", "custom endpoint URL (MinIO etc.)")
	addCmd.Flags().StringVar(&loc.AccessKeyID, "access-key", "", "access key id")
	addCmd.Flags().StringVar(&loc.SecretAccessKey, "secret-key", "", "secret access key")
	_ = addCmd.MarkFlagRequired("name")
	_ = addCmd.MarkFlagRequired("bucket")

	cmd.AddCommand(addCmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <vmid>",
		Short: "Show a VM's backup lifecycle status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			cfg, err := e.manager.GetBackupStatus(context.Background(), args[0])
			if err != nil {
				return err
			}
			printJSON(cfg)
			return nil
		},
	}
}

func newSchedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Inspect and update the stored scheduler configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the scheduler configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			cfg, err := e.store.GetSchedulerConfig(context.Background())
			if err != nil {
				return err
			}
			printJSON(cfg)
			return nil
		},
	})

	setEnabled := func(enabled bool) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.close()

		_, err = e.store.UpdateSchedulerConfig(context.Background(), func(c *models.SchedulerConfig) error {
			c.Enabled = enabled
			return nil
		})
		return err
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "Enable scheduled operations (takes effect on daemon restart)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setEnabled(true); err != nil {
				return err
			}
			fmt.Println("Scheduler enabled. Restart virtbakd to apply.")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Disable scheduled operations (takes effect on daemon restart)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setEnabled(false); err != nil {
				return err
			}
			fmt.Println("Scheduler disabled. Restart virtbakd to apply.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <json>",
		Short: "Merge a JSON object into the scheduler configuration by top-level key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch map[string]json.RawMessage
			if err := json.Unmarshal([]byte(args[0]), &patch); err != nil {
				return fmt.Errorf("parse patch: %w", err)
			}

			e, err := newEngine()
			if err != nil {
				return err
			}
			defer e.close()

			cfg, err := e.store.UpdateSchedulerConfig(context.Background(), func(c *models.SchedulerConfig) error {
				current, err := json.Marshal(c)
				if err != nil {
					return err
				}
				var doc map[string]json.RawMessage
				if err := json.Unmarshal(current, &doc); err != nil {
					return err
				}
				for k, v := range patch {
					if _, known := doc[k]; !known {
						return fmt.Errorf("unknown scheduler config key %q", k)
					}
					doc[k] = v
				}
				merged, err := json.Marshal(doc)
				if err != nil {
					return err
				}
				var next models.SchedulerConfig
				if err := json.Unmarshal(merged, &next); err != nil {
					return err
				}
				*c = next
				return nil
			})
			if err != nil {
				return err
			}
			printJSON(cfg)
			return nil
		},
	})

	return cmd
}
