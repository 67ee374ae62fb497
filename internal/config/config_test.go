package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	content := `
paths:
  state_dir: "` + tmpDir + `"
  registry_file: "repos"

sync:
  remote: "backup"
  branch: "snapshots/laptop"
  workers: 4

auth:
  ssh_key_file: "/home/user/.ssh/id_rsa"

serve:
  interval: 30m
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.Remote != "backup" {
		t.Errorf("expected remote backup, got %s", cfg.Sync.Remote)
	}
	if cfg.Sync.Branch != "snapshots/laptop" {
		t.Errorf("expected branch snapshots/laptop, got %s", cfg.Sync.Branch)
	}
	if cfg.Workers() != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Workers())
	}
	if cfg.Serve.Interval != 30*time.Minute {
		t.Errorf("expected 30m interval, got %s", cfg.Serve.Interval)
	}
	if got, want := cfg.RegistryPath(), filepath.Join(tmpDir, "repos"); got != want {
		t.Errorf("RegistryPath() = %s, want %s", got, want)
	}
	// untouched fields fall back to defaults
	if cfg.Paths.RemoteFile != DefaultRemoteFile {
		t.Errorf("expected default remote file, got %s", cfg.Paths.RemoteFile)
	}
	if cfg.Sync.Message != DefaultMessage {
		t.Errorf("expected default message, got %s", cfg.Sync.Message)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sync: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Paths.RegistryFile != DefaultRegistryFile {
			t.Errorf("expected default registry file, got %s", cfg.Paths.RegistryFile)
		}
	})

	t.Run("invalid file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("sync:\n  workers: -1\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadOrDefault(path); err == nil {
			t.Fatal("expected validation error, got nil")
		}
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Paths.StateDir = "/absolute/state"
		return *cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{
			name:    "relative state dir",
			mutate:  func(c *Config) { c.Paths.StateDir = "relative/state" },
			wantErr: true,
		},
		{
			name:    "registry file with separator",
			mutate:  func(c *Config) { c.Paths.RegistryFile = "a/b" },
			wantErr: true,
		},
		{
			name: "registry and remote share a file",
			mutate: func(c *Config) {
				c.Paths.RegistryFile = "same"
				c.Paths.RemoteFile = "same"
			},
			wantErr: true,
		},
		{
			name:    "negative workers",
			mutate:  func(c *Config) { c.Sync.Workers = -2 },
			wantErr: true,
		},
		{
			name:    "blank message",
			mutate:  func(c *Config) { c.Sync.Message = "   " },
			wantErr: true,
		},
		{
			name:    "invalid branch",
			mutate:  func(c *Config) { c.Sync.Branch = "bad..branch" },
			wantErr: true,
		},
		{
			name:    "remote with slash",
			mutate:  func(c *Config) { c.Sync.Remote = "a/b" },
			wantErr: true,
		},
		{
			name:    "relative ssh key",
			mutate:  func(c *Config) { c.Auth.SSHKeyFile = ".ssh/id_ed25519" },
			wantErr: true,
		},
		{
			name:    "relative known hosts",
			mutate:  func(c *Config) { c.Auth.KnownHostsFile = "known_hosts" },
			wantErr: true,
		},
		{
			name:    "absolute known hosts",
			mutate:  func(c *Config) { c.Auth.KnownHostsFile = "/etc/reposync/known_hosts" },
			wantErr: false,
		},
		{
			name:    "negative interval",
			mutate:  func(c *Config) { c.Serve.Interval = -time.Second },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Paths.StateDir != os.TempDir() {
		t.Errorf("expected state dir %s, got %s", os.TempDir(), cfg.Paths.StateDir)
	}
	if cfg.Sync.Remote != DefaultRemoteName {
		t.Errorf("expected remote %s, got %s", DefaultRemoteName, cfg.Sync.Remote)
	}
	if cfg.SyncRef().String() != "refs/heads/sync" {
		t.Errorf("expected refs/heads/sync, got %s", cfg.SyncRef())
	}
	if cfg.Serve.ListenAddr != DefaultListenAddr {
		t.Errorf("expected listen addr %s, got %s", DefaultListenAddr, cfg.Serve.ListenAddr)
	}
	if cfg.Workers() != runtime.NumCPU() {
		t.Errorf("expected %d workers, got %d", runtime.NumCPU(), cfg.Workers())
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("REPOSYNC_TEST_HOME", "/home/testuser")

	cfg := Config{
		Paths: PathsConfig{
			StateDir:  "${REPOSYNC_TEST_HOME}/.local/state/reposync",
			HistoryDB: "${REPOSYNC_TEST_HOME}/history.db",
		},
		Auth: AuthConfig{
			SSHKeyFile: "${REPOSYNC_TEST_HOME}/.ssh/key",
		},
		Log: LogConfig{
			File: "${REPOSYNC_TEST_HOME}/reposync.log",
		},
		Serve: ServeConfig{
			ListenAddr: "${REPOSYNC_TEST_HOME}:8080",
			SecretFile: "${REPOSYNC_TEST_HOME}/secret",
		},
	}

	cfg.expandEnv()

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"Paths.StateDir", cfg.Paths.StateDir, "/home/testuser/.local/state/reposync"},
		{"Paths.HistoryDB", cfg.Paths.HistoryDB, "/home/testuser/history.db"},
		{"Auth.SSHKeyFile", cfg.Auth.SSHKeyFile, "/home/testuser/.ssh/key"},
		{"Log.File", cfg.Log.File, "/home/testuser/reposync.log"},
		{"Serve.ListenAddr", cfg.Serve.ListenAddr, "/home/testuser:8080"},
		{"Serve.SecretFile", cfg.Serve.SecretFile, "/home/testuser/secret"},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("expandEnv() %s = %s, want %s", c.name, c.got, c.want)
		}
	}
}
