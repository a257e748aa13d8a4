package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/gamesync/internal/checksum"
	"github.com/BadgerOps/gamesync/internal/safety"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Updater UpdaterConfig `yaml:"updater"`
	Store   StoreConfig   `yaml:"store"`
	Server  ServerConfig  `yaml:"server"`
	Install InstallConfig `yaml:"install"`
}

// UpdaterConfig holds the reconciliation settings
type UpdaterConfig struct {
	CDN            string        `yaml:"cdn"`
	Mirrors        []string      `yaml:"mirrors"`
	RootDir        string        `yaml:"root_dir"`
	Digest         string        `yaml:"digest"`
	MaxAttempts    int           `yaml:"max_attempts"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	RetryBackoff   bool          `yaml:"retry_backoff"`
	Workers        int           `yaml:"workers"`
	ReleaseGlob    string        `yaml:"release_glob"`
	Executable     string        `yaml:"executable"`
	SkipFiles      []string      `yaml:"skip_files"`
}

// StoreConfig holds run history settings
type StoreConfig struct {
	Path string `yaml:"path"` // empty disables history
}

// ServerConfig holds status API settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// InstallConfig locates the install record
type InstallConfig struct {
	RecordPath string `yaml:"record_path"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	root := "YandereSim"
	if wd, err := os.Getwd(); err == nil {
		root = filepath.Join(wd, "YandereSim")
	}

	return &Config{
		Updater: UpdaterConfig{
			CDN:            "https://yandere.b303.me/",
			RootDir:        root,
			Digest:         string(checksum.MD5),
			MaxAttempts:    3,
			ConnectTimeout: 30 * time.Second,
			ReadTimeout:    60 * time.Second,
			Workers:        1,
			ReleaseGlob:    "YandereSim*",
			Executable:     "YandereSimulator.exe",
			SkipFiles:      []string{"checksums.json"},
		},
		Store: StoreConfig{
			Path: defaultDataPath("history.db"),
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8787",
		},
		Install: InstallConfig{
			RecordPath: defaultDataPath("install"),
		},
	}
}

// defaultDataPath places a file in the per-user config directory.
func defaultDataPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "gamesync", name)
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"gamesync.yaml",
	}

	if dir, err := os.UserConfigDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(dir, "gamesync", "gamesync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Normalize fills zero values and canonicalises URLs. It is safe to call
// repeatedly, e.g. after CLI overrides are applied.
func (c *Config) Normalize() {
	c.Updater.CDN = WithTrailingSlash(strings.TrimSpace(c.Updater.CDN))
	for i, m := range c.Updater.Mirrors {
		c.Updater.Mirrors[i] = WithTrailingSlash(strings.TrimSpace(m))
	}
	if c.Updater.MaxAttempts == 0 {
		c.Updater.MaxAttempts = 3
	}
	if c.Updater.Workers <= 0 {
		c.Updater.Workers = 1
	}
	if c.Updater.Digest == "" {
		c.Updater.Digest = string(checksum.MD5)
	}
}

// Validate rejects settings the updater cannot run with.
func (c *Config) Validate() error {
	if _, err := safety.ValidateHTTPURL(c.Updater.CDN); err != nil {
		return fmt.Errorf("updater.cdn: %w", err)
	}
	for _, m := range c.Updater.Mirrors {
		if _, err := safety.ValidateHTTPURL(m); err != nil {
			return fmt.Errorf("updater.mirrors: %w", err)
		}
	}
	if c.Updater.RootDir == "" {
		return fmt.Errorf("updater.root_dir is required")
	}
	if c.Updater.MaxAttempts < 1 {
		return fmt.Errorf("updater.max_attempts must be at least 1, got %d", c.Updater.MaxAttempts)
	}
	if _, err := checksum.ParseAlgorithm(c.Updater.Digest); err != nil {
		return fmt.Errorf("updater.digest: %w", err)
	}
	if c.Updater.ConnectTimeout < 0 || c.Updater.ReadTimeout < 0 {
		return fmt.Errorf("updater timeouts must not be negative")
	}
	return nil
}

// DigestAlgorithm returns the parsed digest setting.
func (c *Config) DigestAlgorithm() checksum.Algorithm {
	algo, err := checksum.ParseAlgorithm(c.Updater.Digest)
	if err != nil {
		return checksum.MD5
	}
	return algo
}

// WithTrailingSlash makes base URLs safe for plain concatenation with
// relative paths.
func WithTrailingSlash(u string) string {
	if u == "" || strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
