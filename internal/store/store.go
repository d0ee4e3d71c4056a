// Package store persists the engine's configuration documents on SQLite.
//
// Two document families exist: one VMBackupConfig per VM and a handful of
// global singleton documents (scheduler config, backup settings). Documents
// are stored as JSON. Every mutation runs inside a transaction under a
// process-wide mutex: the scheduler goroutine and on-demand callers write
// the same documents, so load-modify-save must never interleave.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/virtbak/virtbak/internal/models"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

const (
	keySchedulerConfig = "scheduler"
	keyBackupSettings  = "backup"
)

const schema = `
CREATE TABLE IF NOT EXISTS vm_configs (
	vmid       TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store is the durable configuration document store.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger zerolog.Logger
}

// Open opens (and if necessary initializes) the store at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer keeps SQLite happy and matches the mutex discipline.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
	s.logger.Info().Str("path", path).Msg("configuration store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetVMConfig returns the config document for a VM.
func (s *Store) GetVMConfig(ctx context.Context, vmID string) (*models.VMBackupConfig, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM vm_configs WHERE vmid = ?`, vmID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vm config: %w", err)
	}
	var cfg models.VMBackupConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return nil, fmt.Errorf("decode vm config %s: %w", vmID, err)
	}
	return &cfg, nil
}

// ListVMConfigs returns all per-VM config documents.
func (s *Store) ListVMConfigs(ctx context.Context) ([]*models.VMBackupConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM vm_configs ORDER BY vmid`)
	if err != nil {
		return nil, fmt.Errorf("list vm configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.VMBackupConfig
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan vm config: %w", err)
		}
		var cfg models.VMBackupConfig
		if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
			return nil, fmt.Errorf("decode vm config: %w", err)
		}
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}

// UpdateVMConfig applies fn to the VM's config document under the store lock
// and persists the result. If no document exists yet, fn receives a fresh
// one. fn returning an error aborts the update.
func (s *Store) UpdateVMConfig(ctx context.Context, vmID string, fn func(*models.VMBackupConfig) error) (*models.VMBackupConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.GetVMConfig(ctx, vmID)
	if errors.Is(err, ErrNotFound) {
		cfg = models.NewVMBackupConfig(vmID)
	} else if err != nil {
		return nil, err
	}

	if err := fn(cfg); err != nil {
		return nil, err
	}
	cfg.UpdatedAt = time.Now()

	if err := s.putVMConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Store) putVMConfig(ctx context.Context, cfg *models.VMBackupConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode vm config %s: %w", cfg.VMID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vm_configs (vmid, doc, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(vmid) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		cfg.VMID, string(doc), cfg.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save vm config %s: %w", cfg.VMID, err)
	}
	return nil
}

func (s *Store) getSetting(ctx context.Context, key string, v interface{}) error {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM settings WHERE key = ?`, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get setting %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return fmt.Errorf("decode setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) putSetting(ctx context.Context, key string, v interface{}) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, doc, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		key, string(doc), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

// GetSchedulerConfig returns the scheduler document, defaulting if unset.
func (s *Store) GetSchedulerConfig(ctx context.Context) (*models.SchedulerConfig, error) {
	var cfg models.SchedulerConfig
	err := s.getSetting(ctx, keySchedulerConfig, &cfg)
	if errors.Is(err, ErrNotFound) {
		def := models.DefaultSchedulerConfig()
		return &def, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateSchedulerConfig applies fn to the scheduler document under the store
// lock and persists the result.
func (s *Store) UpdateSchedulerConfig(ctx context.Context, fn func(*models.SchedulerConfig) error) (*models.SchedulerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.GetSchedulerConfig(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.putSetting(ctx, keySchedulerConfig, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetBackupSettings returns the global backup settings, defaulting if unset.
func (s *Store) GetBackupSettings(ctx context.Context) (*models.BackupSettings, error) {
	var settings models.BackupSettings
	err := s.getSetting(ctx, keyBackupSettings, &settings)
	if errors.Is(err, ErrNotFound) {
		def := models.DefaultBackupSettings("")
		return &def, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpdateBackupSettings applies fn to the global backup settings under the
// store lock and persists the result.
func (s *Store) UpdateBackupSettings(ctx context.Context, fn func(*models.BackupSettings) error) (*models.BackupSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.GetBackupSettings(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(settings); err != nil {
		return nil, err
	}
	if err := s.putSetting(ctx, keyBackupSettings, settings); err != nil {
		return nil, err
	}
	return settings, nil
}
