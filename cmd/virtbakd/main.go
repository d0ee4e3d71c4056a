// Package main is the entrypoint for the virtbak daemon: it runs the backup
// scheduler and serves Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/virtbak/virtbak/internal/backup"
	"github.com/virtbak/virtbak/internal/config"
	"github.com/virtbak/virtbak/internal/metrics"
	"github.com/virtbak/virtbak/internal/models"
	"github.com/virtbak/virtbak/internal/notifications"
	"github.com/virtbak/virtbak/internal/platform"
	"github.com/virtbak/virtbak/internal/remote"
	"github.com/virtbak/virtbak/internal/store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("version", Version).Logger()
	if cfg.LogFormat == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func run() int {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to daemon config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		errLogger := zerolog.New(os.Stderr)
		errLogger.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	logger := newLogger(cfg)
	logger.Info().
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting virtbak daemon")

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open configuration store")
		return 1
	}
	defer st.Close()

	// Seed the global backup location so first-run backups have a target.
	if _, err := st.UpdateBackupSettings(ctx, func(s *models.BackupSettings) error {
		if s.Locations.Local == "" {
			s.Locations.Local = cfg.BackupDir
		}
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to seed backup settings")
		return 1
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

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	verifier := backup.NewVerifier(backup.VerifierConfig{
		ToolTimeout:        cfg.Verification.ToolTimeout,
		ContentSampleBytes: cfg.Verification.ContentSampleBytes,
	}, logger)
	recovery := backup.NewRecoveryRunner(client, backup.RecoveryConfig{
		ScratchIDBase:   cfg.Recovery.ScratchIDBase,
		BootGracePeriod: cfg.Recovery.BootGracePeriod,
	}, logger)
	uploader := remote.NewS3Uploader(logger)

	manager := backup.NewManager(st, client, verifier, recovery, uploader, m, logger)

	var senders []notifications.Sender
	if cfg.Notifications.WebhookURL != "" {
		senders = append(senders, notifications.NewWebhookSender(cfg.Notifications.WebhookURL))
	}
	if cfg.Notifications.SMTP.Host != "" && cfg.Notifications.EmailTo != "" {
		senders = append(senders, notifications.NewEmailSender(cfg.Notifications.SMTP, cfg.Notifications.EmailTo))
	}
	dispatcher := notifications.NewDispatcher(logger, senders...)

	scheduler := backup.NewScheduler(manager, st, dispatcher, m, logger)
	if err := scheduler.Start(ctx); err != nil {
		var stateErr *backup.SchedulerStateError
		if errors.As(err, &stateErr) {
			logger.Warn().Str("reason", stateErr.Reason).Msg("Scheduler not started")
		} else {
			logger.Error().Err(err).Msg("Failed to start scheduler")
			return 1
		}
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsListen,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info().Str("addr", cfg.MetricsListen).Msg("Serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	if scheduler.Running() {
		if err := scheduler.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Error stopping scheduler")
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Error shutting down metrics server")
	}
	return 0
}
