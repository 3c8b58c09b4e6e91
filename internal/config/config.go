// Package config loads and saves the vacount TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all vacount configuration.
type Config struct {
	Vault      VaultConfig      `toml:"vault"`
	General    GeneralConfig    `toml:"general"`
	Appearance AppearanceConfig `toml:"appearance"`
	TUI        TUIConfig        `toml:"tui"`
	Daemon     DaemonConfig     `toml:"daemon"`
}

// VaultConfig holds server connection and login settings.
type VaultConfig struct {
	Addr      string `toml:"addr,omitempty"`
	Token     string `toml:"token,omitempty"`
	Namespace string `toml:"namespace,omitempty"`

	// AuthMount and Role select the OIDC auth method used by login.
	AuthMount    string `toml:"auth_mount,omitempty"`
	Role         string `toml:"role,omitempty"`
	CallbackPort int    `toml:"callback_port,omitempty"`
}

// GeneralConfig holds general preferences.
type GeneralConfig struct {
	DefaultMonths int `toml:"default_months"`
	CacheMinutes  int `toml:"cache_minutes"`
	TopN          int `toml:"top_n"`
}

// AppearanceConfig holds theme settings.
type AppearanceConfig struct {
	Theme string `toml:"theme"`
}

// TUIConfig holds dashboard settings.
type TUIConfig struct {
	AutoRefresh        bool `toml:"auto_refresh"`
	RefreshIntervalSec int  `toml:"refresh_interval_sec"`
}

// DaemonConfig holds background poller settings.
type DaemonConfig struct {
	Namespaces        []string `toml:"namespaces,omitempty"`
	IntervalSec       int      `toml:"interval_sec"`
	Addr              string   `toml:"addr"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	BreakerFailures   uint32   `toml:"breaker_failures"`
	LogFile           string   `toml:"log_file,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Vault: VaultConfig{
			AuthMount:    "oidc",
			CallbackPort: 8250,
		},
		General: GeneralConfig{
			DefaultMonths: 12,
			CacheMinutes:  15,
			TopN:          10,
		},
		Appearance: AppearanceConfig{
			Theme: "flexoki-dark",
		},
		TUI: TUIConfig{
			AutoRefresh:        true,
			RefreshIntervalSec: 300,
		},
		Daemon: DaemonConfig{
			IntervalSec:       300,
			Addr:              "127.0.0.1:8788",
			RequestsPerSecond: 2,
			BreakerFailures:   5,
		},
	}
}

// Dir returns the XDG-compliant config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "vacount")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vacount")
}

// Path returns the full path to the config file.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads the config file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads the config file at path, returning defaults if it doesn't
// exist.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Save writes the config to disk.
func Save(cfg Config) error {
	if err := os.MkdirAll(Dir(), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(Path(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(Path())
	return err == nil
}
