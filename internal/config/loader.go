package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// OFFLINER_LIBRARY_ROOT or OFFLINER_SYNC_MAX_CONCURRENT.
const EnvPrefix = "OFFLINER"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader. An empty path searches the default
// locations.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		v:          viper.New(),
	}
}

// Viper exposes the underlying instance so command-line flags can be bound.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ConfigFile returns the file the configuration was read from, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Load reads configuration from defaults, file and environment, in that
// order of increasing precedence.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults(DefaultConfig())

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else if path := l.findDefault(); path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Environment values for lists arrive as one string.
	if raw := os.Getenv(EnvPrefix + "_LIBRARY_IGNORE"); raw != "" {
		cfg.Library.Ignore = splitList(raw)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so environment variables are honoured
// even when no config file mentions them.
func (l *Loader) setDefaults(d *Config) {
	l.v.SetDefault("library.root", d.Library.Root)
	l.v.SetDefault("library.ignore", d.Library.Ignore)

	l.v.SetDefault("identity.source", d.Identity.Source)
	l.v.SetDefault("identity.app_id", d.Identity.AppID)
	l.v.SetDefault("identity.static_id", d.Identity.StaticID)

	l.v.SetDefault("storage.data_dir", d.Storage.DataDir)
	l.v.SetDefault("storage.metadata_dir", d.Storage.MetadataDir)

	l.v.SetDefault("sync.max_concurrent", d.Sync.MaxConcurrent)
	l.v.SetDefault("sync.lock_timeout", d.Sync.LockTimeout)
	l.v.SetDefault("sync.apply_to_disk", d.Sync.ApplyToDisk)
	l.v.SetDefault("sync.scan_on_sync", d.Sync.ScanOnSync)

	l.v.SetDefault("log.level", d.Log.Level)
	l.v.SetDefault("log.format", d.Log.Format)
	l.v.SetDefault("log.file", d.Log.File)
	l.v.SetDefault("log.max_size", d.Log.MaxSize)
	l.v.SetDefault("log.max_backups", d.Log.MaxBackups)
	l.v.SetDefault("log.max_age", d.Log.MaxAge)
	l.v.SetDefault("log.color", d.Log.Color)
}

// findDefault returns the first existing default config location.
func (l *Loader) findDefault() string {
	for _, path := range defaultPaths() {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// defaultPaths returns default config file locations.
func defaultPaths() []string {
	paths := []string{
		"offliner.json",
		".offliner.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "offliner", "config.json"),
			filepath.Join(homeDir, ".offliner", "config.json"),
		)
	}

	return paths
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
