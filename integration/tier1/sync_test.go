//go:build integration

package tier1

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTier1Sync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)

	if err := h.Build(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}

	repo := h.NewRepo(ctx, "project")
	bare := h.NewBare(ctx)
	h.SetRemote(bare)
	h.MustRun(ctx, "track", repo)

	t.Run("A_InitialSync", func(t *testing.T) {
		testInitialSync(t, h, ctx, repo, bare)
	})

	t.Run("B_ChangesAndIgnoredFiles", func(t *testing.T) {
		testChangesAndIgnoredFiles(t, h, ctx, repo, bare)
	})

	t.Run("C_RepeatedSyncCreatesNewCommit", func(t *testing.T) {
		testRepeatedSync(t, h, ctx, repo, bare)
	})

	t.Run("D_StatusReportsLastSync", func(t *testing.T) {
		testStatus(t, h, ctx, repo, bare)
	})

	t.Run("E_UnreachableRemoteFails", func(t *testing.T) {
		testUnreachableRemote(t, h, ctx)
	})
}

func testInitialSync(t *testing.T, h *Harness, ctx context.Context, repo, bare string) {
	head := h.Git(ctx, repo, "rev-parse", "HEAD")

	h.MustRun(ctx, "sync")

	if got := h.Git(ctx, repo, "symbolic-ref", "--short", "HEAD"); got != "main" {
		t.Errorf("checked-out branch changed to %s", got)
	}
	if got := h.Git(ctx, repo, "rev-parse", "HEAD"); got != head {
		t.Errorf("HEAD moved from %s to %s", head, got)
	}

	local := h.Git(ctx, repo, "rev-parse", "refs/heads/sync")
	remote := h.Git(ctx, bare, "rev-parse", "refs/heads/sync")
	if local != remote {
		t.Errorf("remote sync branch %s does not match local %s", remote, local)
	}
	if parent := h.Git(ctx, bare, "rev-parse", "refs/heads/sync^"); parent != head {
		t.Errorf("sync commit parent = %s, want HEAD %s", parent, head)
	}
	if msg := h.Git(ctx, bare, "log", "-1", "--format=%s", "refs/heads/sync"); msg != "sync" {
		t.Errorf("commit message = %q, want sync", msg)
	}
	if url := h.Git(ctx, repo, "remote", "get-url", "sync"); url != bare {
		t.Errorf("sync remote url = %s, want %s", url, bare)
	}
}

func testChangesAndIgnoredFiles(t *testing.T, h *Harness, ctx context.Context, repo, bare string) {
	h.writeFile(filepath.Join(repo, ".gitignore"), "*.log\n")
	h.writeFile(filepath.Join(repo, "notes", "todo.txt"), "buy milk\n")
	h.writeFile(filepath.Join(repo, "debug.log"), "noise\n")
	if err := os.Remove(filepath.Join(repo, "README.md")); err != nil {
		t.Fatal(err)
	}

	h.MustRun(ctx, "sync")

	files := strings.Fields(h.Git(ctx, bare, "ls-tree", "-r", "--name-only", "refs/heads/sync"))
	want := []string{".gitignore", "notes/todo.txt"}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Errorf("synced tree = %v, want %v", files, want)
	}
}

func testRepeatedSync(t *testing.T, h *Harness, ctx context.Context, repo, bare string) {
	before := h.Git(ctx, bare, "rev-parse", "refs/heads/sync")
	tree := h.Git(ctx, bare, "rev-parse", "refs/heads/sync^{tree}")

	h.MustRun(ctx, "sync")

	after := h.Git(ctx, bare, "rev-parse", "refs/heads/sync")
	if after == before {
		t.Error("expected a new sync commit for an unchanged working tree")
	}
	if got := h.Git(ctx, bare, "rev-parse", "refs/heads/sync^{tree}"); got != tree {
		t.Errorf("tree changed from %s to %s", tree, got)
	}
}

func testStatus(t *testing.T, h *Harness, ctx context.Context, repo, bare string) {
	out := h.MustRun(ctx, "status")

	commit := h.Git(ctx, bare, "rev-parse", "--short=7", "refs/heads/sync")
	if !strings.Contains(out, repo) || !strings.Contains(out, commit) {
		t.Errorf("status output missing %s / %s:\n%s", repo, commit, out)
	}
}

func testUnreachableRemote(t *testing.T, h *Harness, ctx context.Context) {
	h.SetRemote(filepath.Join(t.TempDir(), "missing.git"))

	_, stderr, exitCode, err := h.Run(ctx, "sync")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 1 {
		t.Errorf("exit code = %d, want 1", exitCode)
	}
	if !strings.Contains(stderr, "Error:") {
		t.Errorf("expected an error message on stderr, got %q", stderr)
	}
}
