// Package config loads the signer's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nostria/signer/connection"
	"github.com/nostria/signer/kvstore"
	"gopkg.in/yaml.v3"
)

const (
	FileName = "config.yaml"

	// DataDirEnv overrides the default data directory.
	DataDirEnv = "NOSTRIA_SIGNER_DATA"
)

type Config struct {
	// DataDir holds the key-value store and, by default, this file.
	DataDir string `yaml:"data_dir"`

	// Storage is the kvstore backend: badger, lmdb or memory.
	Storage string `yaml:"storage"`

	// Relays, when set, replace the persisted relay list at startup and
	// whenever the file changes.
	Relays []string `yaml:"relays"`

	// SecureStorage keeps private keys in the OS keychain when available.
	SecureStorage bool `yaml:"secure_storage"`

	HealthInterval    time.Duration `yaml:"health_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectCooldown time.Duration `yaml:"reconnect_cooldown"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`

	// MetricsAddr serves Prometheus metrics when not empty, e.g. "127.0.0.1:9464".
	MetricsAddr string `yaml:"metrics_addr"`
}

func Default() Config {
	return Config{
		Storage:           string(kvstore.KindBadger),
		SecureStorage:     true,
		HealthInterval:    connection.DefaultHealthInterval,
		ReconnectDelay:    connection.DefaultReconnectDelay,
		ReconnectCooldown: connection.DefaultCooldown,
		PublishTimeout:    connection.DefaultPublishTimeout,
	}
}

// DefaultDataDir resolves $NOSTRIA_SIGNER_DATA, then ~/.nostria-signer.
func DefaultDataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".nostria-signer")
}

// Path returns the config file inside dataDir.
func Path(dataDir string) string {
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, FileName)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	defaults := Default()

	if c.Storage == "" {
		c.Storage = defaults.Storage
	}
	if _, err := kvstore.ParseKind(c.Storage); err != nil {
		return err
	}

	if len(c.Relays) > 0 {
		relays, err := connection.NormalizeRelays(c.Relays)
		if err != nil {
			return err
		}
		c.Relays = relays
	}

	for _, d := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&c.HealthInterval, defaults.HealthInterval},
		{&c.ReconnectDelay, defaults.ReconnectDelay},
		{&c.ReconnectCooldown, defaults.ReconnectCooldown},
		{&c.PublishTimeout, defaults.PublishTimeout},
	} {
		if *d.v < 0 {
			return fmt.Errorf("durations must not be negative")
		}
		if *d.v == 0 {
			*d.v = d.def
		}
	}

	c.DataDir = ExpandHome(c.DataDir)
	return nil
}

// Save writes cfg to path, creating the directory if needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
