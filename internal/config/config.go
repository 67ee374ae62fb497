package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"
)

const appName = "reposync"

// Defaults shared with the on-disk layout of earlier releases.
const (
	DefaultRegistryFile = "sys-sync"
	DefaultRemoteFile   = "sys-remote"
	DefaultRemoteName   = "sync"
	DefaultBranch       = "sync"
	DefaultMessage      = "sync"
	DefaultListenAddr   = "127.0.0.1:8787"
)

// Config represents the complete reposync configuration
type Config struct {
	Paths PathsConfig `yaml:"paths"`
	Sync  SyncConfig  `yaml:"sync"`
	Auth  AuthConfig  `yaml:"auth"`
	Log   LogConfig   `yaml:"log"`
	Serve ServeConfig `yaml:"serve"`
}

// PathsConfig configures where reposync keeps its own files
type PathsConfig struct {
	StateDir     string `yaml:"state_dir"`
	RegistryFile string `yaml:"registry_file"`
	RemoteFile   string `yaml:"remote_file"`
	HistoryDB    string `yaml:"history_db"`
}

// SyncConfig configures the snapshot protocol
type SyncConfig struct {
	Remote  string `yaml:"remote"`
	Branch  string `yaml:"branch"`
	Message string `yaml:"message"`
	Workers int    `yaml:"workers"`
}

// AuthConfig configures SSH authentication for pushes
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// LogConfig configures the optional rotating log file
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ServeConfig configures the long-running serve mode
type ServeConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	Interval   time.Duration `yaml:"interval"`
	SecretFile string        `yaml:"secret_file"`
}

// DefaultPath returns the default config file location under XDG_CONFIG_HOME.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path when it exists. A missing file yields the defaults,
// any other failure is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.RegistryFile = os.ExpandEnv(c.Paths.RegistryFile)
	c.Paths.RemoteFile = os.ExpandEnv(c.Paths.RemoteFile)
	c.Paths.HistoryDB = os.ExpandEnv(c.Paths.HistoryDB)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.KnownHostsFile = os.ExpandEnv(c.Auth.KnownHostsFile)
	c.Log.File = os.ExpandEnv(c.Log.File)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = os.TempDir()
	}
	if c.Paths.RegistryFile == "" {
		c.Paths.RegistryFile = DefaultRegistryFile
	}
	if c.Paths.RemoteFile == "" {
		c.Paths.RemoteFile = DefaultRemoteFile
	}
	if c.Paths.HistoryDB == "" {
		c.Paths.HistoryDB = filepath.Join(xdg.StateHome, appName, "history.db")
	}
	if c.Sync.Remote == "" {
		c.Sync.Remote = DefaultRemoteName
	}
	if c.Sync.Branch == "" {
		c.Sync.Branch = DefaultBranch
	}
	if c.Sync.Message == "" {
		c.Sync.Message = DefaultMessage
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if strings.ContainsRune(c.Paths.RegistryFile, filepath.Separator) {
		return fmt.Errorf("paths.registry_file must be a file name, not a path: %s", c.Paths.RegistryFile)
	}
	if strings.ContainsRune(c.Paths.RemoteFile, filepath.Separator) {
		return fmt.Errorf("paths.remote_file must be a file name, not a path: %s", c.Paths.RemoteFile)
	}
	if c.Paths.RegistryFile == c.Paths.RemoteFile {
		return fmt.Errorf("paths.registry_file and paths.remote_file must differ")
	}

	if c.Sync.Workers < 0 {
		return fmt.Errorf("sync.workers cannot be negative: %d", c.Sync.Workers)
	}
	if strings.TrimSpace(c.Sync.Message) == "" {
		return fmt.Errorf("sync.message cannot be blank")
	}
	if strings.ContainsAny(c.Sync.Remote, " \t/") {
		return fmt.Errorf("invalid sync.remote name: %q", c.Sync.Remote)
	}
	if err := plumbing.NewBranchReferenceName(c.Sync.Branch).Validate(); err != nil {
		return fmt.Errorf("invalid sync.branch %q: %w", c.Sync.Branch, err)
	}

	if c.Auth.SSHKeyFile != "" && !filepath.IsAbs(c.Auth.SSHKeyFile) {
		return fmt.Errorf("auth.ssh_key_file must be an absolute path: %s", c.Auth.SSHKeyFile)
	}
	if c.Auth.KnownHostsFile != "" && !filepath.IsAbs(c.Auth.KnownHostsFile) {
		return fmt.Errorf("auth.known_hosts_file must be an absolute path: %s", c.Auth.KnownHostsFile)
	}

	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation settings cannot be negative")
	}

	if c.Serve.Interval < 0 {
		return fmt.Errorf("serve.interval cannot be negative: %s", c.Serve.Interval)
	}

	return nil
}

// Workers returns the size of the sync worker pool.
func (c *Config) Workers() int {
	if c.Sync.Workers > 0 {
		return c.Sync.Workers
	}
	return runtime.NumCPU()
}

// RegistryPath returns the path of the registry file
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Paths.StateDir, c.Paths.RegistryFile)
}

// RemotePath returns the path of the cached remote URL file
func (c *Config) RemotePath() string {
	return filepath.Join(c.Paths.StateDir, c.Paths.RemoteFile)
}

// SyncRef returns the full reference name of the sync branch
func (c *Config) SyncRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(c.Sync.Branch)
}
