// Package config provides configuration management for foreman.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddr    = ":8311"
	DefaultLockTimeout   = 3 * time.Second
	DefaultSweepInterval = time.Minute
)

// DBConfig selects and tunes the database backend.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "postgres"
	Path     string `yaml:"path"`   // sqlite file path
	DSN      string `yaml:"dsn"`    // postgres connection string
	MaxConns int    `yaml:"max_conns"`
}

// Config is the service configuration.
type Config struct {
	ListenAddr string   `yaml:"listen_addr"`
	DB         DBConfig `yaml:"db"`

	// RedisAddr enables transition-event publishing when non-empty.
	RedisAddr string `yaml:"redis_addr"`

	// DomainAPIURL is the external project-management API base URL. Empty
	// disables external task checks (permissive mode, logged loudly).
	DomainAPIURL string `yaml:"domain_api_url"`

	LockTimeout   time.Duration `yaml:"lock_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Expiration tiers.
	ReminderAfter   time.Duration `yaml:"reminder_after"`
	AbandonAfter    time.Duration `yaml:"abandon_after"`
	HistoricalAfter time.Duration `yaml:"historical_after"`
	DraftTTL        time.Duration `yaml:"draft_ttl"`

	// IntentsPath points at a YAML intent registry; empty uses built-ins.
	IntentsPath string `yaml:"intents_path"`

	// AmbiguousTerms overrides the confidence adjuster's lexicon.
	AmbiguousTerms []string `yaml:"ambiguous_terms"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ListenAddr: DefaultListenAddr,
		DB: DBConfig{
			Driver:   "sqlite",
			Path:     DBPath(),
			MaxConns: 4,
		},
		LockTimeout:   DefaultLockTimeout,
		SweepInterval: DefaultSweepInterval,
	}
}

// Load reads configuration from path, or from $FOREMAN_CONFIG, or the
// default location. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FOREMAN_CONFIG")
	}
	if path == "" {
		path = SettingsPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.DB.MaxConns <= 0 {
		cfg.DB.MaxConns = 4
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return cfg, nil
}

// DataDir returns the foreman data directory.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".foreman")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "foreman.db")
}

// SettingsPath returns the default configuration file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}
