//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the reposync binary and runs it against repositories in an
// isolated HOME, using the real git binary to prepare and inspect them.
type Harness struct {
	t          *testing.T
	bin        string
	home       string
	stateDir   string
	configPath string
}

// NewHarness creates a new test harness. The test is skipped when git is not
// installed.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}

	root := t.TempDir()
	h := &Harness{
		t:          t,
		bin:        filepath.Join(root, "bin", "reposync"),
		home:       filepath.Join(root, "home"),
		stateDir:   filepath.Join(root, "state"),
		configPath: filepath.Join(root, "config.yaml"),
	}

	for _, dir := range []string{h.home, h.stateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	h.writeFile(filepath.Join(h.home, ".gitconfig"),
		"[user]\n\tname = Integration\n\temail = integration@example.com\n[init]\n\tdefaultBranch = main\n")
	h.writeFile(h.configPath, fmt.Sprintf(`paths:
  state_dir: %q
  history_db: %q
sync:
  workers: 2
`, h.stateDir, filepath.Join(root, "history.db")))

	return h
}

// Build compiles the binary under test
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.bin, "./cmd/reposync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// SetRemote caches url so that no prompt is shown
func (h *Harness) SetRemote(url string) {
	h.t.Helper()
	h.writeFile(filepath.Join(h.stateDir, "sys-remote"), url+"\n")
}

// env isolates git and reposync from the invoking user's configuration
func (h *Harness) env() []string {
	return append(os.Environ(),
		"HOME="+h.home,
		"XDG_CONFIG_HOME="+filepath.Join(h.home, ".config"),
		"XDG_STATE_HOME="+filepath.Join(h.home, ".local", "state"),
		"GIT_CONFIG_NOSYSTEM=1",
	)
}

// Run executes reposync with the harness config
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	args = append([]string{"--config", h.configPath}, args...)
	return h.exec(ctx, "", h.bin, args...)
}

// MustRun executes reposync and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("reposync failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// Git runs git in dir and fails the test on error
func (h *Harness) Git(ctx context.Context, dir string, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.exec(ctx, dir, "git", args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("git %v failed with exit code %d\nstderr: %s", args, exitCode, stderr)
	}
	return strings.TrimSpace(stdout)
}

// NewRepo initializes a repository with one committed file
func (h *Harness) NewRepo(ctx context.Context, name string) string {
	h.t.Helper()

	dir := filepath.Join(h.t.TempDir(), name)
	h.Git(ctx, "", "init", dir)
	h.writeFile(filepath.Join(dir, "README.md"), "# "+name+"\n")
	h.Git(ctx, dir, "add", "README.md")
	h.Git(ctx, dir, "commit", "-m", "initial")
	return dir
}

// NewBare initializes an empty bare repository and returns its path
func (h *Harness) NewBare(ctx context.Context) string {
	h.t.Helper()

	dir := filepath.Join(h.t.TempDir(), "remote.git")
	h.Git(ctx, "", "init", "--bare", dir)
	return dir
}

func (h *Harness) exec(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = h.env()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

func (h *Harness) writeFile(path, content string) {
	h.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
