// Package config loads process-wide configuration from the environment,
// following the project's convention of a single typed Config struct
// populated by small getEnv* helpers rather than a struct-tag framework.
// Call LoadEnvFile(".env") before Load to seed the environment from a file.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds paths and process-wide knobs recognised via environment
// variables. Per-merge tunables (schedule, timeframe, selected sources, …)
// live in the Store as Settings; Config covers only what must be known
// before the Store can even be opened.
type Config struct {
	// ConfigDir holds app.db. Defaults to an OS-sensible config directory.
	ConfigDir string
	// DataDir holds tmp/, current/, archives/, channels/, epg_cache/.
	DataDir string
	// TZ, when set, overrides the timezone merge_time is interpreted in.
	// Empty means UTC, matching the spec's "HH:MM in UTC unless TZ env
	// overrides" rule.
	TZ string
	// LogLevel is a free-form string ("debug", "info", "warn", "error");
	// the engine's logging is unstructured so this only gates verbosity of
	// the log.Printf call sites that check it.
	LogLevel string
}

// Load reads Config from the environment, applying platform-sensible
// defaults for any variable left unset.
func Load() *Config {
	return &Config{
		ConfigDir: getEnv("CONFIG_DIR", defaultConfigDir()),
		DataDir:   getEnv("DATA_DIR", defaultDataDir()),
		TZ:        os.Getenv("TZ"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
	}
}

// Location returns the *time.Location merge_time should be interpreted in:
// UTC unless TZ is set and resolvable.
func (c *Config) Location() *time.Location {
	if c.TZ == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DBPath returns the path to the relational store file.
func (c *Config) DBPath() string { return filepath.Join(c.ConfigDir, "app.db") }

// TmpDir, CurrentDir, ArchiveDir, ChannelsDir, CacheDir return the default
// data subdirectories; Store-resident settings (tmp_dir, current_dir, …)
// may override these per spec §3, but a fresh install materialises these
// defaults.
func (c *Config) TmpDir() string      { return filepath.Join(c.DataDir, "tmp") }
func (c *Config) CurrentDir() string  { return filepath.Join(c.DataDir, "current") }
func (c *Config) ArchiveDir() string  { return filepath.Join(c.DataDir, "archives") }
func (c *Config) ChannelsDir() string { return filepath.Join(c.DataDir, "channels") }
func (c *Config) CacheDir() string    { return filepath.Join(c.DataDir, "epg_cache") }

// EnsureDirs creates every data subdirectory (and ConfigDir) if missing.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.ConfigDir, c.DataDir, c.TmpDir(), c.CurrentDir(),
		c.ArchiveDir(), c.ChannelsDir(), c.CacheDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "epgmerge")
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "epgmerge")
	}
	return "./config"
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "epgmerge")
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".local", "share", "epgmerge")
	}
	return "./data"
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
