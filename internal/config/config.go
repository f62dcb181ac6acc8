// Package config handles Promptful configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/promptful/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config) is checked first.
// Then: ./config.yaml, ~/.config/promptful/config.yaml, /etc/promptful/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "promptful", "config.yaml"))
	}

	paths = append(paths, "/etc/promptful/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no search path holds a
// config file. Callers that can run on defaults check for it with
// errors.Is.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Promptful configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	DataDir   string         `yaml:"data_dir"`
	Store     StoreConfig    `yaml:"store"`
	Defaults  DefaultsConfig `yaml:"defaults"`
	Remote    RemoteConfig   `yaml:"remote"`
	Search    SearchConfig   `yaml:"search"`
	Inbox     InboxConfig    `yaml:"inbox"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// StoreConfig selects the durable key-value store.
type StoreConfig struct {
	// Driver is the database/sql driver name: "sqlite3" (cgo,
	// mattn/go-sqlite3) or "sqlite" (pure Go, modernc.org/sqlite).
	Driver string `yaml:"driver"`
	// File is the database file name, relative to DataDir unless absolute.
	File string `yaml:"file"`
	// Key is the key the prompt collection is stored under.
	Key string `yaml:"key"`
}

// DefaultsConfig holds the values applied to incomplete drafts.
type DefaultsConfig struct {
	Category       string `yaml:"category"`
	ImportCategory string `yaml:"import_category"`
	ImportModel    string `yaml:"import_model"`
}

// RemoteConfig points at another Promptful server. When Mirror is set,
// local changes are replayed against it.
type RemoteConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	Mirror     bool          `yaml:"mirror"`
	// UserAgent overrides the default promptful/<version> header,
	// for remotes behind a proxy that filters on it.
	UserAgent string `yaml:"user_agent"`
}

// SearchConfig controls the full-text index.
type SearchConfig struct {
	Enabled bool `yaml:"enabled"`
}

// InboxConfig defines the watched import directory. Empty Dir disables
// the watcher.
type InboxConfig struct {
	Dir      string        `yaml:"dir"`
	Debounce time.Duration `yaml:"debounce"`
}

// StorePath returns the resolved database path.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Store.File) {
		return c.Store.File
	}
	return filepath.Join(c.DataDir, c.Store.File)
}

// Validate checks the configuration for values that would fail later
// in less obvious ways.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return fmt.Errorf("log_format: %w", err)
	}
	switch c.Store.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("store.driver %q (valid: sqlite3, sqlite)", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.Key) == "" {
		return errors.New("store.key must not be empty")
	}
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("remote.url %q is not an http(s) URL", c.Remote.URL)
		}
	}
	if c.Remote.Mirror && c.Remote.URL == "" {
		return errors.New("remote.mirror requires remote.url")
	}
	return nil
}

// LoadDotEnv loads KEY=value pairs from path into the process
// environment. Variables already set win. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing; unset fields keep
// their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ResolvePaths()

	return cfg, nil
}

// ResolvePaths expands ~ in the directory settings. inbox.dir may also
// start with "data:" to name a directory under data_dir.
func (c *Config) ResolvePaths() {
	c.DataDir = paths.New(nil).Resolve(c.DataDir)
	r := paths.New(map[string]string{"data": c.DataDir})
	c.Store.File = r.Resolve(strings.TrimPrefix(c.Store.File, "data:"))
	c.Inbox.Dir = r.Resolve(c.Inbox.Dir)
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "./db",
		Store: StoreConfig{
			Driver: "sqlite3",
			File:   "promptful.db",
			Key:    "promptful_prompts",
		},
		Defaults: DefaultsConfig{
			Category:       "General",
			ImportCategory: "Imported",
			ImportModel:    "ChatGPT",
		},
		Remote: RemoteConfig{
			Timeout:    30 * time.Second,
			RetryCount: 2,
		},
		Search:   SearchConfig{Enabled: true},
		Inbox:    InboxConfig{Debounce: 500 * time.Millisecond},
		LogLevel: "info",
	}
}
