package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.imsync/config.toml.
type Config struct {
	DefaultAccount string          `toml:"default_account"`
	Server         ServerConfig    `toml:"server"`
	Realtime       RealtimeConfig  `toml:"realtime"`
	HTTP           HTTPConfig      `toml:"http"`
	Profile        ProfileConfig   `toml:"profile"`
	Reconcile      ReconcileConfig `toml:"reconcile"`
}

// ServerConfig locates the remote service.
type ServerConfig struct {
	APIBaseURL string `toml:"api_base_url"`
	WSURL      string `toml:"ws_url"`
	// AtomPath is the object-storage prefix holding per-user metadata documents.
	AtomPath string `toml:"atom_path"`
}

type RealtimeConfig struct {
	ReconnectAttempts int           `toml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `toml:"reconnect_delay"`
}

type HTTPConfig struct {
	Timeout         time.Duration `toml:"timeout"`
	DownloadTimeout time.Duration `toml:"download_timeout"`
}

type ProfileConfig struct {
	MetaTTL       time.Duration `toml:"meta_ttl"`
	MetaCacheSize int           `toml:"meta_cache_size"`
}

type ReconcileConfig struct {
	PageSize           int    `toml:"page_size"`
	MailboxConcurrency int    `toml:"mailbox_concurrency"`
	Schedule           string `toml:"schedule"`
}

// Default returns a config with every tunable set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Realtime.ReconnectAttempts == 0 {
		c.Realtime.ReconnectAttempts = 10
	}
	if c.Realtime.ReconnectDelay == 0 {
		c.Realtime.ReconnectDelay = 5 * time.Second
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
	if c.HTTP.DownloadTimeout == 0 {
		c.HTTP.DownloadTimeout = 60 * time.Second
	}
	if c.Profile.MetaTTL == 0 {
		c.Profile.MetaTTL = 8 * time.Second
	}
	if c.Profile.MetaCacheSize == 0 {
		c.Profile.MetaCacheSize = 256
	}
	if c.Reconcile.PageSize == 0 {
		c.Reconcile.PageSize = 100
	}
	if c.Reconcile.MailboxConcurrency == 0 {
		c.Reconcile.MailboxConcurrency = 8
	}
	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = "@every 15m"
	}
}

// Load reads config from the given path. Returns nil config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to Default when the file
// does not exist. Parse errors are still returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
