// Package config provides configuration management for the virtbak daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/virtbak/virtbak/internal/notifications"
)

// DefaultConfigPath returns the default daemon config file path
// (/etc/virtbak/config.yml, overridable with VIRTBAK_CONFIG).
func DefaultConfigPath() string {
	if path := os.Getenv("VIRTBAK_CONFIG"); path != "" {
		return path
	}
	return "/etc/virtbak/config.yml"
}

// ClusterConfig holds the virtualization cluster API connection settings.
type ClusterConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port,omitempty"`
	Node        string        `yaml:"node,omitempty"`
	TokenID     string        `yaml:"token_id"`
	TokenSecret string        `yaml:"token_secret"`
	VerifySSL   bool          `yaml:"verify_ssl,omitempty"`
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`
	TaskTimeout time.Duration `yaml:"task_timeout,omitempty"`
}

// VerificationConfig tunes the artifact verifier.
type VerificationConfig struct {
	ToolTimeout        time.Duration `yaml:"tool_timeout,omitempty"`
	ContentSampleBytes int64         `yaml:"content_sample_bytes,omitempty"`
}

// RecoveryConfig tunes recovery testing.
type RecoveryConfig struct {
	ScratchIDBase   int           `yaml:"scratch_id_base,omitempty"`
	BootGracePeriod time.Duration `yaml:"boot_grace_period,omitempty"`
}

// NotificationsConfig holds notification transport settings. Which events get
// delivered is decided by the stored scheduler config; this only describes
// how to reach the transports.
type NotificationsConfig struct {
	SMTP       notifications.SMTPConfig `yaml:"smtp,omitempty"`
	EmailTo    string                   `yaml:"email_to,omitempty"`
	WebhookURL string                   `yaml:"webhook_url,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	LogLevel      string              `yaml:"log_level,omitempty"`
	LogFormat     string              `yaml:"log_format,omitempty"` // json or console
	DatabasePath  string              `yaml:"database_path,omitempty"`
	BackupDir     string              `yaml:"backup_dir,omitempty"`
	MetricsListen string              `yaml:"metrics_listen,omitempty"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Verification  VerificationConfig  `yaml:"verification,omitempty"`
	Recovery      RecoveryConfig      `yaml:"recovery,omitempty"`
	Notifications NotificationsConfig `yaml:"notifications,omitempty"`
}

// Default returns the built-in daemon defaults.
func Default() *Config {
	return &Config{
		LogLevel:      "info",
		LogFormat:     "json",
		DatabasePath:  "/var/lib/virtbak/virtbak.db",
		BackupDir:     "/var/lib/virtbak/backups",
		MetricsListen: ":9643",
		Cluster: ClusterConfig{
			Port:        8006,
			CallTimeout: 30 * time.Second,
			TaskTimeout: 2 * time.Hour,
		},
	}
}

// Validate checks the fields required for the daemon to operate.
func (c *Config) Validate() error {
	if c.Cluster.Host == "" {
		return errors.New("cluster.host is required")
	}
	if c.Cluster.TokenID == "" || c.Cluster.TokenSecret == "" {
		return errors.New("cluster.token_id and cluster.token_secret are required")
	}
	if c.DatabasePath == "" {
		return errors.New("database_path is required")
	}
	if c.BackupDir == "" {
		return errors.New("backup_dir is required")
	}
	return nil
}

// Load reads the configuration from path, layering the file over the
// defaults. Environment variables override cluster credentials so they can
// stay out of the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("VIRTBAK_CLUSTER_HOST"); v != "" {
		cfg.Cluster.Host = v
	}
	if v := os.Getenv("VIRTBAK_TOKEN_ID"); v != "" {
		cfg.Cluster.TokenID = v
	}
	if v := os.Getenv("VIRTBAK_TOKEN_SECRET"); v != "" {
		cfg.Cluster.TokenSecret = v
	}
	if v := os.Getenv("VIRTBAK_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("VIRTBAK_BACKUP_DIR"); v != "" {
		cfg.BackupDir = v
	}

	return cfg, nil
}

// Save writes the configuration to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
