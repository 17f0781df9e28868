// Package config loads runtime settings for the ingestion process.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the ingestion worker consults. The log
// directory and database path are the only two required by spec; the rest
// are operational knobs with sane defaults.
type Config struct {
	Monitor MonitorConfig `yaml:"monitor"`
	Notify  NotifyConfig  `yaml:"notify"`
	Relay   RelayConfig   `yaml:"relay"`
}

// MonitorConfig controls the ingestion worker's lifecycle.
type MonitorConfig struct {
	// LogDir is the directory to scan for output_log*.txt files. Empty
	// means "derive from the host environment" (see DefaultLogDir).
	LogDir string `yaml:"log_dir"`

	// DBPath is the SQLite database file. Empty means DefaultDBPath:
	// "vrcjournal/vrcjournal.db" under the XDG state directory.
	DBPath string `yaml:"db_path"`

	// PollInterval is the steady-state poll period (spec §4.5: ≈1 Hz).
	PollInterval time.Duration `yaml:"poll_interval"`
}

// NotifyConfig controls the outbound notification channel.
type NotifyConfig struct {
	// BufferSize is the channel capacity between the Monitor and the
	// external subscriber. A full buffer drops notifications (spec §5:
	// "lossy under pressure is acceptable").
	BufferSize int `yaml:"buffer_size"`
}

// RelayConfig controls the optional WebSocket fan-out of notifications.
type RelayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxConnections int           `yaml:"max_connections"`
	Throttle       time.Duration `yaml:"throttle"`
}

func defaultConfig() *Config {
	return &Config{
		Monitor: MonitorConfig{
			LogDir:       DefaultLogDir(),
			DBPath:       DefaultDBPath(),
			PollInterval: time.Second,
		},
		Notify: NotifyConfig{
			BufferSize: 256,
		},
		Relay: RelayConfig{
			Enabled:        false,
			Host:           "127.0.0.1",
			Port:           8787,
			MaxConnections: 16,
			Throttle:       50 * time.Millisecond,
		},
	}
}

// Load reads and parses a YAML config file, starting from defaults so that
// a partial file only overrides the fields it mentions.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Monitor.LogDir == "" {
		cfg.Monitor.LogDir = DefaultLogDir()
	}
	if cfg.Monitor.DBPath == "" {
		cfg.Monitor.DBPath = DefaultDBPath()
	}
	if cfg.Monitor.PollInterval <= 0 {
		cfg.Monitor.PollInterval = time.Second
	}

	return cfg, nil
}

// LoadOrDefault loads config from path, or returns defaults if the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

func defaultStateDir() string {
	if value := os.Getenv("XDG_STATE_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "state")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "vrcjournal", "config.yaml")
}

// DefaultDBPath returns the default location of the SQLite database file.
func DefaultDBPath() string {
	return filepath.Join(defaultStateDir(), "vrcjournal", "vrcjournal.db")
}

// DefaultLogDir returns the VRChat client's log directory for the current
// platform. Only Windows hosts run the client; on other platforms this
// returns empty and the caller must configure log_dir explicitly (e.g. a
// Proton/Wine prefix path).
func DefaultLogDir() string {
	if runtime.GOOS != "windows" {
		return ""
	}
	profile := os.Getenv("USERPROFILE")
	if profile == "" {
		return ""
	}
	return filepath.Join(profile, "AppData", "LocalLow", "VRChat", "VRChat")
}

// Diff compares two configs and returns human-readable descriptions of
// what changed, for logging around a config reload.
func Diff(old, new *Config) []string {
	var changes []string
	if old.Monitor.LogDir != new.Monitor.LogDir {
		changes = append(changes, fmt.Sprintf("monitor.log_dir: %q → %q", old.Monitor.LogDir, new.Monitor.LogDir))
	}
	if old.Monitor.DBPath != new.Monitor.DBPath {
		changes = append(changes, fmt.Sprintf("monitor.db_path: %q → %q", old.Monitor.DBPath, new.Monitor.DBPath))
	}
	if old.Monitor.PollInterval != new.Monitor.PollInterval {
		changes = append(changes, fmt.Sprintf("monitor.poll_interval: %s → %s", old.Monitor.PollInterval, new.Monitor.PollInterval))
	}
	if old.Notify.BufferSize != new.Notify.BufferSize {
		changes = append(changes, fmt.Sprintf("notify.buffer_size: %d → %d", old.Notify.BufferSize, new.Notify.BufferSize))
	}
	if old.Relay != new.Relay {
		changes = append(changes, "relay: configuration changed")
	}
	return changes
}
