// Package config loads cpapsync settings from defaults, an optional YAML
// file, a .env file and the environment, in that order.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CPAPSYNC_"

// Config defines sync configuration.
type Config struct {
	Card   CardConfig   `yaml:"card"`
	Output OutputConfig `yaml:"output"`
	Sync   SyncConfig   `yaml:"sync"`
	Search SearchConfig `yaml:"search"`
	Ledger LedgerConfig `yaml:"ledger"`
	Log    LogConfig    `yaml:"log"`
}

type CardConfig struct {
	Address     string        `yaml:"address"`
	Timeout     time.Duration `yaml:"timeout"`
	Compression bool          `yaml:"compression"`
}

type OutputConfig struct {
	Dir string `yaml:"dir"`
}

type SyncConfig struct {
	// Days limits DATALOG to recent epochs; 0 syncs everything.
	Days    int  `yaml:"days"`
	STROnly bool `yaml:"str_only"`
}

type SearchConfig struct {
	Radius      int  `yaml:"radius"`
	PreferLater bool `yaml:"prefer_later"`
}

type LedgerConfig struct {
	// Path of the SQLite ledger; empty disables it.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Card: CardConfig{
			Address: "192.168.4.1",
			Timeout: 10 * time.Second,
		},
		Output: OutputConfig{Dir: "~/CPAP_Data"},
		Sync:   SyncConfig{Days: 7},
		Search: SearchConfig{Radius: 15, PreferLater: true},
		Log:    LogConfig{Level: "info"},
	}
}

// Load builds the configuration. path may be empty, in which case
// CPAPSYNC_CONFIG is consulted. A .env file in the working directory is
// applied if present; variables already set in the environment win.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return Config{}, errors.Wrap(err, "load .env")
	}

	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFromFile(expandHome(path), &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrap(err, "parse config file")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envPrefix + "CARD_IP"); v != "" {
		cfg.Card.Address = v
	}
	if v := os.Getenv(envPrefix + "TIMEOUT"); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %sTIMEOUT", envPrefix)
		}
		cfg.Card.Timeout = d
	}
	if v := os.Getenv(envPrefix + "OUTPUT_DIR"); v != "" {
		cfg.Output.Dir = v
	}
	if v := os.Getenv(envPrefix + "DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %sDAYS", envPrefix)
		}
		cfg.Sync.Days = n
	}
	if v := os.Getenv(envPrefix + "LEDGER"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// parseTimeout accepts a Go duration or a bare number of seconds.
func parseTimeout(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Validate rejects values the sync cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Card.Address) == "" {
		return errors.New("card address is required")
	}
	if c.Card.Timeout <= 0 {
		return errors.Errorf("timeout must be positive, got %s", c.Card.Timeout)
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		return errors.New("output directory is required")
	}
	if c.Sync.Days < 0 {
		return errors.Errorf("days must be >= 0, got %d", c.Sync.Days)
	}
	if c.Search.Radius < 0 || c.Search.Radius > 59 {
		return errors.Errorf("search radius must be within 0-59, got %d", c.Search.Radius)
	}
	return nil
}

// OutputDir is Output.Dir with a leading ~ expanded.
func (c Config) OutputDir() string {
	return expandHome(c.Output.Dir)
}

// LedgerPath is Ledger.Path with a leading ~ expanded.
func (c Config) LedgerPath() string {
	return expandHome(c.Ledger.Path)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
