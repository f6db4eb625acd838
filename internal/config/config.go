package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Config holds all application configuration.
type Config struct {
	// Library location and scan rules
	Library LibraryConfig `json:"library" mapstructure:"library"`

	// How the local machine id is derived
	Identity IdentityConfig `json:"identity" mapstructure:"identity"`

	// Storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// LibraryConfig describes the document root.
type LibraryConfig struct {
	Root   string   `json:"root" mapstructure:"root"`
	Ignore []string `json:"ignore" mapstructure:"ignore"` // doublestar globs relative to root
}

// IdentityConfig selects the machine identity provider.
type IdentityConfig struct {
	Source   string `json:"source" mapstructure:"source"` // mac, host, static
	AppID    string `json:"app_id" mapstructure:"app_id"`
	StaticID string `json:"static_id,omitempty" mapstructure:"static_id"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir     string `json:"data_dir" mapstructure:"data_dir"`         // Base directory for local data
	MetadataDir string `json:"metadata_dir" mapstructure:"metadata_dir"` // Metadata databases
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	MaxConcurrent int           `json:"max_concurrent" mapstructure:"max_concurrent"` // Parallel per-file replays
	LockTimeout   time.Duration `json:"lock_timeout" mapstructure:"lock_timeout"`     // Wait for the machine lock
	ApplyToDisk   bool          `json:"apply_to_disk" mapstructure:"apply_to_disk"`   // Mirror merged moves and deletes
	ScanOnSync    bool          `json:"scan_on_sync" mapstructure:"scan_on_sync"`     // Rescan the root before merging
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	File       string `json:"file" mapstructure:"file"`               // Log file path (empty = stderr)
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // Max log file size in MB
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // Max number of old logs
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // Max age in days
	Color      bool   `json:"color" mapstructure:"color"`             // Enable colored output
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()

	return &Config{
		Library: LibraryConfig{
			Root:   ".",
			Ignore: []string{},
		},
		Identity: IdentityConfig{
			Source: "mac",
			AppID:  "offliner",
		},
		Storage: StorageConfig{
			DataDir:     dataDir,
			MetadataDir: filepath.Join(dataDir, "metadata"),
		},
		Sync: SyncConfig{
			MaxConcurrent: 4,
			LockTimeout:   5 * time.Second,
			ApplyToDisk:   true,
			ScanOnSync:    true,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Color:      true,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "offliner")
	}
	return ".offliner"
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Library.Root == "" {
		return errors.New("library.root is required")
	}

	for _, pattern := range c.Library.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid ignore pattern: %s", pattern)
		}
	}

	switch c.Identity.Source {
	case "mac", "host":
	case "static":
		if c.Identity.StaticID == "" {
			return errors.New("identity.static_id is required for static identity")
		}
	default:
		return fmt.Errorf("invalid identity source: %s", c.Identity.Source)
	}

	if c.Storage.MetadataDir == "" {
		return errors.New("storage.metadata_dir is required")
	}

	if c.Sync.MaxConcurrent <= 0 {
		return errors.New("sync.max_concurrent must be positive")
	}

	if c.Sync.LockTimeout <= 0 {
		return errors.New("sync.lock_timeout must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.MetadataDir,
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
