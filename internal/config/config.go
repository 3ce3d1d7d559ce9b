// Package config loads runtime settings from an optional .env file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rcliao/memory-api/internal/model"
	"github.com/rcliao/memory-api/internal/store"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"

	DefaultAddr      = ":8080"
	DefaultOpTimeout = 10 * time.Second
)

// Config holds every setting the binary reads.
type Config struct {
	Backend     string
	DBPath      string // SQLite file or Badger directory
	DatabaseURL string
	APIKey      string
	Addr        string
	Location    *time.Location
	TagMode     model.TagMode
	BackupDir   string
	AutoBackup  bool
	OpTimeout   time.Duration
}

// Dir is the per-user data directory.
func Dir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".memory-api")
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Backend:   BackendSQLite,
		Addr:      DefaultAddr,
		Location:  time.UTC,
		TagMode:   model.TagsFree,
		OpTimeout: DefaultOpTimeout,
	}
}

// Load reads envFiles (".env" when none are given; a missing file is not an
// error) and then the MEMORY_* variables. Variables already set in the
// environment win over the files.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Default()
	if v := os.Getenv("MEMORY_BACKEND"); v != "" {
		cfg.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.DBPath = os.Getenv("MEMORY_DB")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.APIKey = os.Getenv("MEMORY_API_KEY")
	if v := os.Getenv("MEMORY_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("MEMORY_TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return nil, fmt.Errorf("parse MEMORY_TIMEZONE: %w", err)
		}
		cfg.Location = loc
	}
	if v := os.Getenv("MEMORY_TAG_MODE"); v != "" {
		mode, err := model.ParseTagMode(v)
		if err != nil {
			return nil, fmt.Errorf("parse MEMORY_TAG_MODE: %w", err)
		}
		cfg.TagMode = mode
	}
	cfg.BackupDir = os.Getenv("MEMORY_BACKUP_DIR")
	if v := os.Getenv("MEMORY_AUTO_BACKUP"); v != "" {
		auto, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("parse MEMORY_AUTO_BACKUP: %w", err)
		}
		cfg.AutoBackup = auto
	}
	if v := os.Getenv("MEMORY_OP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse MEMORY_OP_TIMEOUT: %w", err)
		}
		cfg.OpTimeout = d
	}
	return cfg, nil
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendBadger:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (valid: sqlite, postgres, badger)", c.Backend)
	}
	if c.AutoBackup && c.BackupDir == "" {
		return errors.New("MEMORY_AUTO_BACKUP needs MEMORY_BACKUP_DIR")
	}
	if c.OpTimeout < 0 {
		return errors.New("MEMORY_OP_TIMEOUT must not be negative")
	}
	return nil
}

// StorePath returns the SQLite file or Badger directory to open.
func (c *Config) StorePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	if c.Backend == BackendBadger {
		return filepath.Join(Dir(), "badger")
	}
	return filepath.Join(Dir(), "memory.db")
}

// StoreOptions maps the config onto store.Options.
func (c *Config) StoreOptions(logger *slog.Logger) store.Options {
	return store.Options{
		TagMode:  c.TagMode,
		Location: c.Location,
		Timeout:  c.OpTimeout,
		Logger:   logger,
	}
}
